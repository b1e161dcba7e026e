package dto

import (
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/stream"
)

type StartSessionRequest struct {
	EventID   string  `json:"event_id" binding:"required"`
	AccountID *string `json:"account_id"`
}

type DisconnectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type SessionDTO struct {
	SessionID         string  `json:"session_id"`
	EventID           string  `json:"event_id"`
	AccountID         *string `json:"account_id,omitempty"`
	Status            string  `json:"status"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	LastDisconnectAt  *string `json:"last_disconnect_at,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func NewSessionDTO(s *domain.StreamSession) SessionDTO {
	return SessionDTO{
		SessionID:         s.ID,
		EventID:           s.EventID,
		AccountID:         s.AccountID,
		Status:            string(s.Status),
		ReconnectAttempts: s.ReconnectAttempts,
		LastDisconnectAt:  formatTimePtr(s.LastDisconnectAt),
		FailureReason:     s.FailureReason,
		CreatedAt:         s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         s.UpdatedAt.Format(time.RFC3339),
	}
}

type DisconnectResponse struct {
	Session      SessionDTO `json:"session"`
	Restart      bool       `json:"restart"`
	DelaySeconds float64    `json:"delay_seconds,omitempty"`
	RestartJobID string     `json:"restart_job_id,omitempty"`
}

func NewDisconnectResponse(d *stream.Decision) DisconnectResponse {
	resp := DisconnectResponse{
		Session: NewSessionDTO(d.Session),
		Restart: d.Restart,
	}
	if d.Restart {
		resp.DelaySeconds = d.Delay.Seconds()
	}
	if d.Job != nil {
		resp.RestartJobID = d.Job.ID
	}
	return resp
}

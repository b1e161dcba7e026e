package dto

import (
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
)

type ListAlertsRequest struct {
	Acknowledged *bool  `form:"acknowledged"`
	JobType      string `form:"job_type"`
	Limit        int    `form:"limit" binding:"min=0,max=500"`
}

type AlertDTO struct {
	AlertID          string  `json:"alert_id"`
	JobID            string  `json:"job_id"`
	JobType          string  `json:"job_type"`
	ErrorMessage     string  `json:"error_message"`
	Attempts         int     `json:"attempts"`
	Acknowledged     bool    `json:"acknowledged"`
	AcknowledgedBy   *string `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   *string `json:"acknowledged_at,omitempty"`
	NotificationSent bool    `json:"notification_sent"`
	CreatedAt        string  `json:"created_at"`
}

func NewAlertDTO(a *domain.DLQAlert) AlertDTO {
	return AlertDTO{
		AlertID:          a.ID,
		JobID:            a.JobID,
		JobType:          a.JobType,
		ErrorMessage:     a.ErrorMessage,
		Attempts:         a.Attempts,
		Acknowledged:     a.Acknowledged,
		AcknowledgedBy:   a.AcknowledgedBy,
		AcknowledgedAt:   formatTimePtr(a.AcknowledgedAt),
		NotificationSent: a.NotificationSent,
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
	}
}

type ListAlertsResponse struct {
	Alerts []AlertDTO `json:"alerts"`
}

func NewListAlertsResponse(alerts []*domain.DLQAlert) ListAlertsResponse {
	out := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = NewAlertDTO(a)
	}
	return ListAlertsResponse{Alerts: out}
}

package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
)

const jobColumns = `
	id, job_type, payload, priority, status, attempts, max_attempts,
	scheduled_at, workflow_id, parent_job_id, next_job_id, agent_id,
	user_id, account_id, result, error, error_details,
	moved_to_dlq_at, dlq_reason, dlq_alert_sent,
	created_at, started_at, completed_at, updated_at`

type jobRow struct {
	ID           string     `db:"id"`
	JobType      string     `db:"job_type"`
	Payload      []byte     `db:"payload"`
	Priority     int        `db:"priority"`
	Status       string     `db:"status"`
	Attempts     int        `db:"attempts"`
	MaxAttempts  int        `db:"max_attempts"`
	ScheduledAt  *time.Time `db:"scheduled_at"`
	WorkflowID   *string    `db:"workflow_id"`
	ParentJobID  *string    `db:"parent_job_id"`
	NextJobID    *string    `db:"next_job_id"`
	AgentID      *string    `db:"agent_id"`
	UserID       *string    `db:"user_id"`
	AccountID    *string    `db:"account_id"`
	Result       []byte     `db:"result"`
	Error        *string    `db:"error"`
	ErrorDetails []byte     `db:"error_details"`
	MovedToDLQAt *time.Time `db:"moved_to_dlq_at"`
	DLQReason    *string    `db:"dlq_reason"`
	DLQAlertSent bool       `db:"dlq_alert_sent"`
	CreatedAt    time.Time  `db:"created_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	return &domain.Job{
		ID:           r.ID,
		JobType:      r.JobType,
		Payload:      json.RawMessage(r.Payload),
		Priority:     r.Priority,
		Status:       domain.JobStatus(r.Status),
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		ScheduledAt:  r.ScheduledAt,
		WorkflowID:   r.WorkflowID,
		ParentJobID:  r.ParentJobID,
		NextJobID:    r.NextJobID,
		AgentID:      r.AgentID,
		UserID:       r.UserID,
		AccountID:    r.AccountID,
		Result:       json.RawMessage(r.Result),
		Error:        r.Error,
		ErrorDetails: json.RawMessage(r.ErrorDetails),
		MovedToDLQAt: r.MovedToDLQAt,
		DLQReason:    r.DLQReason,
		DLQAlertSent: r.DLQAlertSent,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func jobsToDomain(rows []jobRow) []*domain.Job {
	jobs := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toDomain())
	}
	return jobs
}

const agentColumns = `
	id, credential_hash, hostname, ip_address, agent_type, status,
	current_load, max_capacity, metadata, last_heartbeat, created_at, updated_at`

type agentRow struct {
	ID             string     `db:"id"`
	CredentialHash string     `db:"credential_hash"`
	Hostname       string     `db:"hostname"`
	IPAddress      string     `db:"ip_address"`
	AgentType      string     `db:"agent_type"`
	Status         string     `db:"status"`
	CurrentLoad    int        `db:"current_load"`
	MaxCapacity    int        `db:"max_capacity"`
	Metadata       []byte     `db:"metadata"`
	LastHeartbeat  *time.Time `db:"last_heartbeat"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *agentRow) toDomain() (*domain.Agent, error) {
	agent := &domain.Agent{
		ID:             r.ID,
		CredentialHash: r.CredentialHash,
		Hostname:       r.Hostname,
		IPAddress:      r.IPAddress,
		AgentType:      r.AgentType,
		Status:         domain.AgentStatus(r.Status),
		CurrentLoad:    r.CurrentLoad,
		MaxCapacity:    r.MaxCapacity,
		LastHeartbeat:  r.LastHeartbeat,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &agent.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode agent metadata: %w", err)
		}
	}
	return agent, nil
}

func agentsToDomain(rows []agentRow) ([]*domain.Agent, error) {
	agents := make([]*domain.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func encodeMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent metadata: %w", err)
	}
	return string(raw), nil
}

const alertColumns = `
	id, job_id, job_type, error_message, attempts, acknowledged,
	acknowledged_by, acknowledged_at, notification_sent, created_at`

type alertRow struct {
	ID               string     `db:"id"`
	JobID            string     `db:"job_id"`
	JobType          string     `db:"job_type"`
	ErrorMessage     string     `db:"error_message"`
	Attempts         int        `db:"attempts"`
	Acknowledged     bool       `db:"acknowledged"`
	AcknowledgedBy   *string    `db:"acknowledged_by"`
	AcknowledgedAt   *time.Time `db:"acknowledged_at"`
	NotificationSent bool       `db:"notification_sent"`
	CreatedAt        time.Time  `db:"created_at"`
}

func (r *alertRow) toDomain() *domain.DLQAlert {
	return &domain.DLQAlert{
		ID:               r.ID,
		JobID:            r.JobID,
		JobType:          r.JobType,
		ErrorMessage:     r.ErrorMessage,
		Attempts:         r.Attempts,
		Acknowledged:     r.Acknowledged,
		AcknowledgedBy:   r.AcknowledgedBy,
		AcknowledgedAt:   r.AcknowledgedAt,
		NotificationSent: r.NotificationSent,
		CreatedAt:        r.CreatedAt,
	}
}

const sessionColumns = `
	id, event_id, account_id, status, reconnect_attempts,
	last_disconnect_at, failure_reason, created_at, updated_at`

type sessionRow struct {
	ID                string     `db:"id"`
	EventID           string     `db:"event_id"`
	AccountID         *string    `db:"account_id"`
	Status            string     `db:"status"`
	ReconnectAttempts int        `db:"reconnect_attempts"`
	LastDisconnectAt  *time.Time `db:"last_disconnect_at"`
	FailureReason     *string    `db:"failure_reason"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func (r *sessionRow) toDomain() *domain.StreamSession {
	return &domain.StreamSession{
		ID:                r.ID,
		EventID:           r.EventID,
		AccountID:         r.AccountID,
		Status:            domain.StreamSessionStatus(r.Status),
		ReconnectAttempts: r.ReconnectAttempts,
		LastDisconnectAt:  r.LastDisconnectAt,
		FailureReason:     r.FailureReason,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

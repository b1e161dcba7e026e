package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusDLQ        JobStatus = "DLQ"
)

// AllJobStatuses lists every status in lifecycle order
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusDLQ,
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	for _, known := range AllJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s sets completed_at
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusDLQ
}

const (
	// DefaultMaxAttempts is used when a job spec leaves MaxAttempts unset
	DefaultMaxAttempts = 3

	// JobTypeStreamRestart is the job type scheduled by the stream auto-restart manager
	JobTypeStreamRestart = "stream.restart"
)

// Job is a unit of work tracked by the queue
type Job struct {
	ID           string
	JobType      string
	Payload      json.RawMessage
	Priority     int
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	ScheduledAt  *time.Time
	WorkflowID   *string
	ParentJobID  *string
	NextJobID    *string
	AgentID      *string
	UserID       *string
	AccountID    *string
	Result       json.RawMessage
	Error        *string
	ErrorDetails json.RawMessage
	MovedToDLQAt *time.Time
	DLQReason    *string
	DLQAlertSent bool
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// HasAttemptsRemaining reports whether another processing attempt is allowed
func (j *Job) HasAttemptsRemaining() bool {
	return j.Attempts < j.MaxAttempts
}

// Dispatchable reports whether the dispatcher may hand the job to an agent.
// A FAILED job with attempts left is awaiting its next processing pass.
func (j *Job) Dispatchable() bool {
	switch j.Status {
	case JobStatusQueued:
		return true
	case JobStatusFailed:
		return j.HasAttemptsRemaining()
	default:
		return false
	}
}

// DueAt reports whether the job's scheduled time, if any, has been reached
func (j *Job) DueAt(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// OwnedBy reports whether the job is currently held by agentID
func (j *Job) OwnedBy(agentID string) bool {
	return j.AgentID != nil && *j.AgentID == agentID
}

// JobSpec describes a job to be enqueued
type JobSpec struct {
	JobType     string
	Payload     json.RawMessage
	Priority    int
	MaxAttempts int
	ScheduledAt *time.Time
	WorkflowID  *string
	ParentJobID *string
	NextJobID   *string
	UserID      *string
	AccountID   *string
}

// Validate checks the spec for required fields
func (s *JobSpec) Validate() error {
	if s.JobType == "" {
		return fmt.Errorf("%w: job_type is required", ErrInvalidJobSpec)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative", ErrInvalidJobSpec)
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidJobSpec)
	}
	return nil
}

// NewJob builds a QUEUED job from the spec. Defaults are applied for
// MaxAttempts and Payload; ID and timestamps are left to the store.
func (s *JobSpec) NewJob() *Job {
	maxAttempts := s.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	payload := s.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	return &Job{
		JobType:     s.JobType,
		Payload:     payload,
		Priority:    s.Priority,
		Status:      JobStatusQueued,
		MaxAttempts: maxAttempts,
		ScheduledAt: s.ScheduledAt,
		WorkflowID:  s.WorkflowID,
		ParentJobID: s.ParentJobID,
		NextJobID:   s.NextJobID,
		UserID:      s.UserID,
		AccountID:   s.AccountID,
	}
}

// FailureKind classifies the outcome of a failure report
type FailureKind string

const (
	// FailureRetryable means the job was recorded FAILED and will be retried
	FailureRetryable FailureKind = "retryable"
	// FailureTerminal means the job exhausted its attempts and moved to the DLQ
	FailureTerminal FailureKind = "terminal"
)

// Package storage defines the persistence contracts shared by the queue,
// dispatch, alert and stream components.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
)

const (
	// DefaultPageSize is used when a filter leaves PageSize unset
	DefaultPageSize = 20
	// MaxPageSize bounds a single list page
	MaxPageSize = 100
)

// JobFilter selects jobs for List. Zero-valued fields are ignored; all set
// fields must match.
type JobFilter struct {
	Status      domain.JobStatus
	JobType     string
	UserID      string
	AccountID   string
	WorkflowID  string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	PageSize    int
	Cursor      *JobCursor
}

// NormalizedPageSize clamps PageSize into [1, MaxPageSize]
func (f JobFilter) NormalizedPageSize() int {
	switch {
	case f.PageSize <= 0:
		return DefaultPageSize
	case f.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return f.PageSize
	}
}

// Matches reports whether job satisfies every filter condition except the cursor
func (f JobFilter) Matches(job *domain.Job) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.JobType != "" && job.JobType != f.JobType {
		return false
	}
	if f.UserID != "" && (job.UserID == nil || *job.UserID != f.UserID) {
		return false
	}
	if f.AccountID != "" && (job.AccountID == nil || *job.AccountID != f.AccountID) {
		return false
	}
	if f.WorkflowID != "" && (job.WorkflowID == nil || *job.WorkflowID != f.WorkflowID) {
		return false
	}
	if f.CreatedFrom != nil && job.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && job.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// JobPage is one page of List results
type JobPage struct {
	Jobs       []*domain.Job
	NextCursor string
	HasMore    bool
}

// TransitionOptions carries the fields written alongside a status change
type TransitionOptions struct {
	// OwnerAgentID, when set, additionally requires the job to be held by
	// that agent. A mismatch yields domain.ErrNotJobOwner.
	OwnerAgentID string

	AgentID     *string
	Result      json.RawMessage
	Error       *string
	Details     json.RawMessage
	ScheduledAt *time.Time
}

// Failure is the error information recorded on a failed job
type Failure struct {
	Error   string
	Details json.RawMessage
}

// JobStore persists jobs and enforces status transitions atomically
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter JobFilter) (*JobPage, error)

	// NextReady returns the highest-priority QUEUED job that is due.
	// An empty jobType matches any type.
	NextReady(ctx context.Context, jobType string) (*domain.Job, error)

	// Transition changes the job status only when the current status is one
	// of from. An empty from accepts any current status.
	Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, opts TransitionOptions) (*domain.Job, error)

	// Assign moves the job to PROCESSING and takes one unit of the agent's
	// capacity in a single atomic step.
	Assign(ctx context.Context, jobID, agentID string, from []domain.JobStatus) (*domain.Job, error)

	MoveToDLQ(ctx context.Context, id, reason string, failure Failure) (*domain.Job, error)
	Requeue(ctx context.Context, id string, resetAttempts bool) (*domain.Job, error)
	RequeueDueFailed(ctx context.Context, limit int) ([]*domain.Job, error)

	ListProcessingByAgent(ctx context.Context, agentID string) ([]*domain.Job, error)
	ListUnalertedDLQ(ctx context.Context, limit int) ([]*domain.Job, error)
	MarkDLQAlertSent(ctx context.Context, id string) error

	Stats(ctx context.Context, window time.Duration) (*domain.QueueStats, error)
}

// AgentStore persists agents and their load counters
type AgentStore interface {
	// Upsert registers an agent keyed by credential hash. Known agents have
	// their connection fields refreshed and are marked healthy.
	Upsert(ctx context.Context, reg domain.AgentRegistration) (*domain.Agent, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	Heartbeat(ctx context.Context, id string, currentLoad int, metadata map[string]any) (*domain.Agent, error)
	HealthyAgents(ctx context.Context) ([]*domain.Agent, error)

	// StaleAgents returns agents whose last heartbeat is older than threshold
	// or missing.
	StaleAgents(ctx context.Context, threshold time.Duration) ([]*domain.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error

	// MarkUnhealthyIfStale marks the agent unhealthy only while its last
	// heartbeat is still older than threshold, and reports whether it did.
	MarkUnhealthyIfStale(ctx context.Context, id string, threshold time.Duration) (bool, error)

	// AdjustLoad adds delta to current_load, never going below zero
	AdjustLoad(ctx context.Context, id string, delta int) error
}

// AlertFilter selects DLQ alerts
type AlertFilter struct {
	Acknowledged *bool
	JobType      string
	Limit        int
}

// AlertStore persists DLQ alerts, at most one per job
type AlertStore interface {
	// CreateAlertIfAbsent inserts the alert unless one exists for its job.
	// It returns false when an alert was already present.
	CreateAlertIfAbsent(ctx context.Context, alert *domain.DLQAlert) (bool, error)
	GetAlert(ctx context.Context, id string) (*domain.DLQAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*domain.DLQAlert, error)

	// AcknowledgeAlert records the acknowledger only if the alert is not yet
	// acknowledged, and returns the current alert either way.
	AcknowledgeAlert(ctx context.Context, id, adminID string) (*domain.DLQAlert, error)
	MarkNotificationSent(ctx context.Context, id string) error
}

// SessionStore persists stream sessions and their owning live events
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.StreamSession) error
	GetSession(ctx context.Context, id string) (*domain.StreamSession, error)
	UpdateSession(ctx context.Context, session *domain.StreamSession) error
	SetEventStatus(ctx context.Context, eventID, status string) error
}

// Store aggregates every store the services need
type Store interface {
	JobStore
	AgentStore
	AlertStore
	SessionStore
}

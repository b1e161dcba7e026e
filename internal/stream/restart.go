// Package stream decides whether a dropped live stream is restarted and
// schedules the restart job with exponential backoff.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/retry"
	"github.com/cuongbtq/channelops/internal/storage"
)

const (
	// MaxReconnectionAttempts is the reconnection budget per session
	MaxReconnectionAttempts = 5

	// RestartJobPriority is the priority given to stream.restart jobs
	RestartJobPriority = 10
)

// JobEnqueuer schedules follow-up jobs
type JobEnqueuer interface {
	Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error)
}

// RestartPayload is the payload of a stream.restart job
type RestartPayload struct {
	SessionID string `json:"session_id"`
	EventID   string `json:"event_id"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason"`
}

// Decision describes what HandleDisconnect did
type Decision struct {
	Session *domain.StreamSession
	Restart bool
	Delay   time.Duration
	Job     *domain.Job
}

// Manager applies the reconnection policy to stream sessions
type Manager struct {
	sessions storage.SessionStore
	enqueuer JobEnqueuer
	policy   *retry.Policy
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now when stamping disconnects and scheduling restarts
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager. Zero delay fields in cfg fall back to
// retry.DefaultStreamConfig; cfg.MaxAttempts is ignored in favour of
// MaxReconnectionAttempts.
func NewManager(sessions storage.SessionStore, enqueuer JobEnqueuer, cfg retry.Config, logger *slog.Logger, opts ...Option) *Manager {
	def := retry.DefaultStreamConfig()
	cfg.MaxAttempts = MaxReconnectionAttempts
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}

	m := &Manager{
		sessions: sessions,
		enqueuer: enqueuer,
		policy:   retry.NewPolicy(cfg),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ShouldAttemptRestart reports whether a session with attempts reconnects so far may try again
func (m *Manager) ShouldAttemptRestart(attempts int) bool {
	return attempts < MaxReconnectionAttempts
}

// RestartDelay is the wait before reconnection attempt number attempt (1-indexed)
func (m *Manager) RestartDelay(attempt int) time.Duration {
	return m.policy.Delay(attempt)
}

// StartSession records a new live session for eventID
func (m *Manager) StartSession(ctx context.Context, eventID string, accountID *string) (*domain.StreamSession, error) {
	if eventID == "" {
		return nil, domain.NewValidationError("event_id is required")
	}

	session := &domain.StreamSession{
		EventID:   eventID,
		AccountID: accountID,
		Status:    domain.StreamSessionLive,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to start stream session: %w", err)
	}

	m.logger.Info("Stream session started",
		slog.String("session_id", session.ID),
		slog.String("event_id", eventID),
	)
	return session, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (*domain.StreamSession, error) {
	return m.sessions.GetSession(ctx, sessionID)
}

// HandleDisconnect schedules a restart while the budget allows, otherwise it
// terminates the session and fails the owning live event.
func (m *Manager) HandleDisconnect(ctx context.Context, sessionID, reason string) (*Decision, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.StreamSessionTerminated {
		return &Decision{Session: session}, nil
	}

	now := m.now().UTC()
	session.LastDisconnectAt = &now

	if !m.ShouldAttemptRestart(session.ReconnectAttempts) {
		return m.terminate(ctx, session, reason)
	}

	session.ReconnectAttempts++
	session.Status = domain.StreamSessionReconnecting
	delay := m.RestartDelay(session.ReconnectAttempts)

	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update stream session: %w", err)
	}

	payload, err := json.Marshal(RestartPayload{
		SessionID: session.ID,
		EventID:   session.EventID,
		Attempt:   session.ReconnectAttempts,
		Reason:    reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode restart payload: %w", err)
	}

	scheduledAt := now.Add(delay)
	job, err := m.enqueuer.Enqueue(ctx, domain.JobSpec{
		JobType:     domain.JobTypeStreamRestart,
		Payload:     payload,
		Priority:    RestartJobPriority,
		ScheduledAt: &scheduledAt,
		AccountID:   session.AccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule stream restart: %w", err)
	}

	m.logger.Warn("Stream disconnected, restart scheduled",
		slog.String("session_id", session.ID),
		slog.String("event_id", session.EventID),
		slog.Int("attempt", session.ReconnectAttempts),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)

	return &Decision{Session: session, Restart: true, Delay: delay, Job: job}, nil
}

func (m *Manager) terminate(ctx context.Context, session *domain.StreamSession, reason string) (*Decision, error) {
	failure := fmt.Sprintf("Max reconnection attempts (%d) exceeded: %s", MaxReconnectionAttempts, reason)
	session.Status = domain.StreamSessionTerminated
	session.FailureReason = &failure

	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to terminate stream session: %w", err)
	}
	if err := m.sessions.SetEventStatus(ctx, session.EventID, domain.LiveEventStatusFailed); err != nil {
		return nil, fmt.Errorf("failed to mark live event failed: %w", err)
	}

	m.logger.Error("Stream session terminated",
		slog.String("session_id", session.ID),
		slog.String("event_id", session.EventID),
		slog.String("reason", failure),
	)

	return &Decision{Session: session}, nil
}

// HandleReconnected resets the reconnection counter once the stream is back
func (m *Manager) HandleReconnected(ctx context.Context, sessionID string) (*domain.StreamSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.StreamSessionTerminated {
		return nil, fmt.Errorf("%w: stream session %s is terminated", domain.ErrInvalidStateTransition, sessionID)
	}

	session.Status = domain.StreamSessionLive
	session.ReconnectAttempts = 0
	session.FailureReason = nil
	if err := m.sessions.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update stream session: %w", err)
	}

	m.logger.Info("Stream session reconnected", slog.String("session_id", session.ID))
	return session, nil
}

// Package queue is the job state machine: enqueue, start, complete with
// workflow chaining, fail with retry or dead-lettering, and operator requeue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/alert"
	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/retry"
	"github.com/cuongbtq/channelops/internal/storage"
)

// DefaultStatsWindow is the throughput window used when none is configured
const DefaultStatsWindow = time.Hour

// Config holds the queue tunables
type Config struct {
	DefaultMaxAttempts int
	StatsWindow        time.Duration
	Retry              retry.Config
}

// Service orchestrates job lifecycle operations
type Service struct {
	jobs       storage.JobStore
	agents     *agent.Registry
	dispatcher *dispatch.Dispatcher
	alerts     *alert.Manager
	retry      *retry.Policy

	defaultMaxAttempts int
	statsWindow        time.Duration
	now                func() time.Time
	logger             *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now when computing retry times
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(
	jobs storage.JobStore,
	agents *agent.Registry,
	dispatcher *dispatch.Dispatcher,
	alerts *alert.Manager,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = domain.DefaultMaxAttempts
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = DefaultStatsWindow
	}

	s := &Service{
		jobs:               jobs,
		agents:             agents,
		dispatcher:         dispatcher,
		alerts:             alerts,
		retry:              retry.NewPolicy(cfg.Retry),
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		statsWindow:        cfg.StatsWindow,
		now:                time.Now,
		logger:             logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates the spec and stores a new QUEUED job
func (s *Service) Enqueue(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = s.defaultMaxAttempts
	}

	job := spec.NewJob()
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("priority", job.Priority),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter storage.JobFilter) (*storage.JobPage, error) {
	page, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return page, nil
}

// ListDLQ lists dead-lettered jobs; any status in filter is overridden
func (s *Service) ListDLQ(ctx context.Context, filter storage.JobFilter) (*storage.JobPage, error) {
	filter.Status = domain.JobStatusDLQ
	return s.List(ctx, filter)
}

// Start moves a QUEUED job to PROCESSING without assigning an agent
func (s *Service) Start(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.jobs.Transition(ctx, id, []domain.JobStatus{domain.JobStatusQueued}, domain.JobStatusProcessing, storage.TransitionOptions{})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job started",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
	)
	return job, nil
}

// CompleteRequest reports a successful attempt. AgentID, when set, must match
// the agent currently holding the job.
type CompleteRequest struct {
	AgentID string
	Result  json.RawMessage
}

// CompleteOutcome carries the completed job and the result of chaining
type CompleteOutcome struct {
	Job            *domain.Job
	NextAssignment *dispatch.Assignment
	ChainError     error
}

// Complete finishes a PROCESSING job and dispatches its successor once
func (s *Service) Complete(ctx context.Context, id string, req CompleteRequest) (*CompleteOutcome, error) {
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return nil, domain.NewValidationError("result must be valid JSON")
	}

	job, err := s.jobs.Transition(ctx, id,
		[]domain.JobStatus{domain.JobStatusProcessing},
		domain.JobStatusCompleted,
		storage.TransitionOptions{OwnerAgentID: req.AgentID, Result: req.Result},
	)
	if err != nil {
		return nil, err
	}

	s.releaseLoad(ctx, job)

	s.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("attempts", job.Attempts),
	)

	outcome := &CompleteOutcome{Job: job}
	if job.NextJobID != nil && *job.NextJobID != "" {
		outcome.NextAssignment, outcome.ChainError = s.dispatcher.Dispatch(ctx, *job.NextJobID)
		switch {
		case errors.Is(outcome.ChainError, domain.ErrJobNotReady):
			s.logger.Info("Next workflow job not yet due, left for the dispatch sweep",
				slog.String("job_id", job.ID),
				slog.String("next_job_id", *job.NextJobID),
			)
		case outcome.ChainError != nil:
			s.logger.Warn("Failed to dispatch next workflow job",
				slog.String("job_id", job.ID),
				slog.String("next_job_id", *job.NextJobID),
				slog.Any("error", outcome.ChainError),
			)
		}
	}

	return outcome, nil
}

// FailRequest reports a failed attempt
type FailRequest struct {
	AgentID string
	Error   string
	Details json.RawMessage
}

// FailOutcome is the state a failure report left the job in
type FailOutcome struct {
	Job        *domain.Job
	Kind       domain.FailureKind
	RetryAt    *time.Time
	Alert      *domain.DLQAlert
	AlertError error
}

// Fail records a failed attempt. A job with attempts left becomes FAILED with
// a retry time from the backoff policy; otherwise it moves to the DLQ.
func (s *Service) Fail(ctx context.Context, id string, req FailRequest) (*FailOutcome, error) {
	if len(req.Details) > 0 && !json.Valid(req.Details) {
		return nil, domain.NewValidationError("error_details must be valid JSON")
	}

	current, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	errMsg := req.Error
	opts := storage.TransitionOptions{
		OwnerAgentID: req.AgentID,
		Error:        &errMsg,
		Details:      req.Details,
	}
	exhausted := !current.HasAttemptsRemaining()
	if !exhausted {
		retryAt := s.now().UTC().Add(s.retry.Delay(current.Attempts))
		opts.ScheduledAt = &retryAt
	}

	failed, err := s.jobs.Transition(ctx, id, []domain.JobStatus{domain.JobStatusProcessing}, domain.JobStatusFailed, opts)
	if err != nil {
		return nil, err
	}

	s.releaseLoad(ctx, failed)

	if failed.HasAttemptsRemaining() {
		s.logger.Warn("Job failed, retry scheduled",
			slog.String("job_id", failed.ID),
			slog.Int("attempts", failed.Attempts),
			slog.Int("max_attempts", failed.MaxAttempts),
			slog.String("error", errMsg),
		)
		return &FailOutcome{Job: failed, Kind: domain.FailureRetryable, RetryAt: failed.ScheduledAt}, nil
	}

	reason := fmt.Sprintf("Max retries (%d) exceeded: %s", failed.MaxAttempts, errMsg)
	dead, err := s.jobs.MoveToDLQ(ctx, id, reason, storage.Failure{Error: errMsg, Details: req.Details})
	if err != nil {
		return nil, fmt.Errorf("failed to move job to dlq: %w", err)
	}

	s.logger.Error("Job moved to DLQ",
		slog.String("job_id", dead.ID),
		slog.String("job_type", dead.JobType),
		slog.Int("attempts", dead.Attempts),
		slog.String("reason", reason),
	)

	outcome := &FailOutcome{Job: dead, Kind: domain.FailureTerminal}
	outcome.Alert, outcome.AlertError = s.alerts.GenerateIfAbsent(ctx, dead)
	if outcome.AlertError != nil {
		s.logger.Error("Failed to generate DLQ alert",
			slog.String("job_id", dead.ID),
			slog.Any("error", outcome.AlertError),
		)
	} else if refreshed, err := s.jobs.Get(ctx, id); err == nil {
		outcome.Job = refreshed
	}

	return outcome, nil
}

// Requeue returns any job to QUEUED. Requeuing a PROCESSING job releases the
// holding agent's load.
func (s *Service) Requeue(ctx context.Context, id string, resetAttempts bool) (*domain.Job, error) {
	current, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Requeue(ctx, id, resetAttempts)
	if err != nil {
		return nil, err
	}

	if current.Status == domain.JobStatusProcessing {
		s.releaseLoad(ctx, current)
	}

	s.logger.Info("Job requeued",
		slog.String("job_id", job.ID),
		slog.String("previous_status", string(current.Status)),
		slog.Bool("reset_attempts", resetAttempts),
	)
	return job, nil
}

// BulkRequeueResult counts the outcome of a bulk requeue
type BulkRequeueResult struct {
	Requeued  int
	Failed    int
	FailedIDs []string
}

// BulkRequeue requeues each id independently; per-id failures are counted, not returned
func (s *Service) BulkRequeue(ctx context.Context, ids []string, resetAttempts bool) *BulkRequeueResult {
	result := &BulkRequeueResult{FailedIDs: []string{}}
	for _, id := range ids {
		if _, err := s.Requeue(ctx, id, resetAttempts); err != nil {
			s.logger.Warn("Bulk requeue skipped job",
				slog.String("job_id", id),
				slog.Any("error", err),
			)
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id)
			continue
		}
		result.Requeued++
	}
	return result
}

// RetryDue moves FAILED jobs whose backoff has elapsed back to QUEUED
func (s *Service) RetryDue(ctx context.Context, limit int) ([]*domain.Job, error) {
	jobs, err := s.jobs.RequeueDueFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue due jobs: %w", err)
	}
	if len(jobs) > 0 {
		s.logger.Info("Requeued failed jobs for retry", slog.Int("count", len(jobs)))
	}
	return jobs, nil
}

// Dashboard is the queue view served to operators
type Dashboard struct {
	Stats  *domain.QueueStats
	Agents *agent.FleetSummary
}

// QueueStats returns job statistics over the configured window plus the agent fleet summary
func (s *Service) QueueStats(ctx context.Context) (*Dashboard, error) {
	stats, err := s.jobs.Stats(ctx, s.statsWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}

	fleet, err := s.agents.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise agents: %w", err)
	}

	return &Dashboard{Stats: stats, Agents: fleet}, nil
}

func (s *Service) releaseLoad(ctx context.Context, job *domain.Job) {
	if job.AgentID == nil || *job.AgentID == "" {
		return
	}
	if err := s.agents.AdjustLoad(ctx, *job.AgentID, -1); err != nil && !errors.Is(err, domain.ErrAgentNotFound) {
		s.logger.Error("Failed to release agent load",
			slog.String("job_id", job.ID),
			slog.String("agent_id", *job.AgentID),
			slog.Any("error", err),
		)
	}
}

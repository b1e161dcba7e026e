// Package dispatch assigns ready jobs to the least-loaded healthy agent and
// recovers work from agents that stop sending heartbeats.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

// Assignment is the record handed to an agent for one processing attempt
type Assignment struct {
	JobID      string          `json:"job_id"`
	AgentID    string          `json:"agent_id"`
	JobType    string          `json:"job_type"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	AssignedAt time.Time       `json:"assigned_at"`
}

// AssignmentPublisher delivers assignments to agents
type AssignmentPublisher interface {
	PublishAssignment(ctx context.Context, assignment *Assignment) error
}

// Dispatcher selects agents for jobs
type Dispatcher struct {
	jobs      storage.JobStore
	agents    *agent.Registry
	publisher AssignmentPublisher
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. publisher may be nil.
func NewDispatcher(jobs storage.JobStore, agents *agent.Registry, publisher AssignmentPublisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:      jobs,
		agents:    agents,
		publisher: publisher,
		logger:    logger,
	}
}

// Dispatch assigns the job to the least-loaded available agent. It returns
// domain.ErrJobNotReady before the job's scheduled time and
// domain.ErrCapacityExhausted when every healthy agent is full.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string) (*Assignment, error) {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Dispatchable() {
		return nil, fmt.Errorf("%w: job %s is %s with %d/%d attempts",
			domain.ErrInvalidStateTransition, job.ID, job.Status, job.Attempts, job.MaxAttempts)
	}

	candidates, err := d.candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, domain.ErrCapacityExhausted
	}

	for _, candidate := range candidates {
		assigned, err := d.jobs.Assign(ctx, job.ID, candidate.ID, []domain.JobStatus{job.Status})
		if errors.Is(err, domain.ErrCapacityExhausted) || errors.Is(err, domain.ErrAgentNotFound) {
			d.logger.Debug("Agent filled before assignment, trying next",
				slog.String("job_id", job.ID),
				slog.String("agent_id", candidate.ID),
			)
			continue
		}
		if errors.Is(err, domain.ErrJobNotReady) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to assign job: %w", err)
		}

		assignment := &Assignment{
			JobID:      assigned.ID,
			AgentID:    candidate.ID,
			JobType:    assigned.JobType,
			Payload:    assigned.Payload,
			Attempt:    assigned.Attempts,
			AssignedAt: assigned.UpdatedAt,
		}

		d.logger.Info("Job dispatched",
			slog.String("job_id", assigned.ID),
			slog.String("job_type", assigned.JobType),
			slog.String("agent_id", candidate.ID),
			slog.Int("attempt", assigned.Attempts),
		)

		d.publish(ctx, assignment)
		return assignment, nil
	}

	return nil, domain.ErrCapacityExhausted
}

// candidates returns available agents ordered by load ascending, then
// remaining capacity descending, then id
func (d *Dispatcher) candidates(ctx context.Context) ([]*domain.Agent, error) {
	healthy, err := d.agents.HealthyAgents(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]*domain.Agent, 0, len(healthy))
	for _, a := range healthy {
		if a.IsAvailable() {
			available = append(available, a)
		}
	}

	sort.SliceStable(available, func(i, k int) bool {
		a, b := available[i], available[k]
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		if a.RemainingCapacity() != b.RemainingCapacity() {
			return a.RemainingCapacity() > b.RemainingCapacity()
		}
		return a.ID < b.ID
	})

	return available, nil
}

// publish delivers the assignment. A failure leaves the assignment in place;
// the health sweep requeues work from agents that never pick it up.
func (d *Dispatcher) publish(ctx context.Context, assignment *Assignment) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishAssignment(ctx, assignment); err != nil {
		d.logger.Error("Failed to publish assignment",
			slog.String("job_id", assignment.JobID),
			slog.String("agent_id", assignment.AgentID),
			slog.Any("error", err),
		)
	}
}

// CreateAndDispatch stores a new job and tries to dispatch it immediately.
// When no capacity is available the job stays QUEUED and the assignment is nil.
func (d *Dispatcher) CreateAndDispatch(ctx context.Context, spec domain.JobSpec) (*domain.Job, *Assignment, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}

	job := spec.NewJob()
	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}

	if job.ScheduledAt != nil && job.ScheduledAt.After(job.CreatedAt) {
		return job, nil, nil
	}

	assignment, err := d.Dispatch(ctx, job.ID)
	if errors.Is(err, domain.ErrCapacityExhausted) {
		return job, nil, nil
	}
	if err != nil {
		return job, nil, err
	}

	current, err := d.jobs.Get(ctx, job.ID)
	if err != nil {
		return job, assignment, nil
	}
	return current, assignment, nil
}

// DispatchNext dispatches the highest-priority ready job of jobType (any type
// when empty). It returns domain.ErrJobNotFound when nothing is ready.
func (d *Dispatcher) DispatchNext(ctx context.Context, jobType string) (*Assignment, error) {
	job, err := d.jobs.NextReady(ctx, jobType)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, job.ID)
}

// SweepResult summarises one dispatch sweep
type SweepResult struct {
	Dispatched        int
	Assignments       []*Assignment
	CapacityExhausted bool
}

// Sweep dispatches ready jobs until none remain, capacity runs out or limit
// is reached. A non-positive limit means no limit.
func (d *Dispatcher) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	result := &SweepResult{}

	for limit <= 0 || result.Dispatched < limit {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		assignment, err := d.DispatchNext(ctx, "")
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			return result, nil
		case errors.Is(err, domain.ErrCapacityExhausted):
			result.CapacityExhausted = true
			return result, nil
		case errors.Is(err, domain.ErrJobNotReady):
			// NextReady and Assign read different clocks; pick it up next sweep
			return result, nil
		case errors.Is(err, domain.ErrInvalidStateTransition):
			// another dispatcher claimed it first
			continue
		case err != nil:
			return result, fmt.Errorf("failed to dispatch ready job: %w", err)
		}

		result.Dispatched++
		result.Assignments = append(result.Assignments, assignment)
	}

	return result, nil
}

// ReassignResult lists the jobs returned to the queue from an abandoned agent
type ReassignResult struct {
	Count  int
	JobIDs []string
}

// ReassignAgentJobs requeues every job still PROCESSING under agentID. Attempts
// are preserved and the agent's load is left untouched.
func (d *Dispatcher) ReassignAgentJobs(ctx context.Context, agentID string) (*ReassignResult, error) {
	jobs, err := d.jobs.ListProcessingByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent jobs: %w", err)
	}

	result := &ReassignResult{JobIDs: make([]string, 0, len(jobs))}
	for _, job := range jobs {
		if _, err := d.jobs.Requeue(ctx, job.ID, false); err != nil {
			d.logger.Error("Failed to requeue job from unhealthy agent",
				slog.String("job_id", job.ID),
				slog.String("agent_id", agentID),
				slog.Any("error", err),
			)
			continue
		}
		result.Count++
		result.JobIDs = append(result.JobIDs, job.ID)
	}

	if result.Count > 0 {
		d.logger.Warn("Reassigned jobs from unhealthy agent",
			slog.String("agent_id", agentID),
			slog.Int("jobs_reassigned", result.Count),
		)
	}

	return result, nil
}

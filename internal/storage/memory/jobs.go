package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

func (s *Store) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if job.ID == "" {
		job.ID = newID()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}

	job.Status = domain.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *Store) List(_ context.Context, filter storage.JobFilter) (*storage.JobPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if !filter.Matches(job) {
			continue
		}
		if filter.Cursor != nil && !filter.Cursor.Before(job) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, k int) bool {
		if matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].ID > matched[k].ID
		}
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	pageSize := filter.NormalizedPageSize()
	page := &storage.JobPage{Jobs: make([]*domain.Job, 0, pageSize)}
	if len(matched) > pageSize {
		page.HasMore = true
		matched = matched[:pageSize]
	}
	for _, job := range matched {
		page.Jobs = append(page.Jobs, copyJob(job))
	}
	if page.HasMore {
		page.NextCursor = storage.EncodeJobCursor(storage.CursorFor(matched[len(matched)-1]))
	}
	return page, nil
}

func (s *Store) NextReady(_ context.Context, jobType string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var best *domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusQueued {
			continue
		}
		if jobType != "" && job.JobType != jobType {
			continue
		}
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			continue
		}
		if best == nil || readyBefore(job, best) {
			best = job
		}
	}

	if best == nil {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(best), nil
}

// readyBefore orders by priority DESC, created_at ASC, id ASC
func readyBefore(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) Transition(_ context.Context, id string, from []domain.JobStatus, to domain.JobStatus, opts storage.TransitionOptions) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.guardedJob(id, from)
	if err != nil {
		return nil, err
	}
	if opts.OwnerAgentID != "" && !job.OwnedBy(opts.OwnerAgentID) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotJobOwner, id)
	}

	applyTransition(job, to, opts, s.clock())
	return copyJob(job), nil
}

func (s *Store) Assign(_ context.Context, jobID, agentID string, from []domain.JobStatus) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.guardedJob(jobID, from)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if !job.DueAt(now) {
		return nil, fmt.Errorf("%w: job %s is scheduled for %s", domain.ErrJobNotReady, jobID, job.ScheduledAt.Format(time.RFC3339))
	}

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	if !agent.IsAvailable() {
		return nil, fmt.Errorf("%w: agent %s is at capacity or unhealthy", domain.ErrCapacityExhausted, agentID)
	}

	applyTransition(job, domain.JobStatusProcessing, storage.TransitionOptions{AgentID: &agentID}, now)
	agent.CurrentLoad++
	agent.UpdatedAt = now
	return copyJob(job), nil
}

func (s *Store) MoveToDLQ(_ context.Context, id, reason string, failure storage.Failure) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.guardedJob(id, []domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusFailed})
	if err != nil {
		return nil, err
	}

	now := s.clock()
	errMsg := failure.Error
	job.Status = domain.JobStatusDLQ
	job.MovedToDLQAt = timePtr(now)
	job.CompletedAt = timePtr(now)
	job.DLQReason = &reason
	job.Error = &errMsg
	job.ErrorDetails = slices.Clone(failure.Details)
	job.DLQAlertSent = false
	job.ScheduledAt = nil
	job.UpdatedAt = now
	return copyJob(job), nil
}

func (s *Store) Requeue(_ context.Context, id string, resetAttempts bool) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	job.Status = domain.JobStatusQueued
	job.Result = nil
	job.Error = nil
	job.ErrorDetails = nil
	job.CompletedAt = nil
	job.MovedToDLQAt = nil
	job.DLQReason = nil
	job.DLQAlertSent = false
	job.AgentID = nil
	job.ScheduledAt = nil
	if resetAttempts {
		job.Attempts = 0
	}
	job.UpdatedAt = s.clock()
	return copyJob(job), nil
}

func (s *Store) RequeueDueFailed(_ context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	due := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusFailed || !job.HasAttemptsRemaining() {
			continue
		}
		if job.ScheduledAt != nil && job.ScheduledAt.After(now) {
			continue
		}
		due = append(due, job)
	}

	sort.Slice(due, func(i, k int) bool {
		return retryAt(due[i]).Before(retryAt(due[k]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	requeued := make([]*domain.Job, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobStatusQueued
		job.AgentID = nil
		job.ScheduledAt = nil
		job.CompletedAt = nil
		job.UpdatedAt = now
		requeued = append(requeued, copyJob(job))
	}
	return requeued, nil
}

func retryAt(job *domain.Job) time.Time {
	if job.ScheduledAt != nil {
		return *job.ScheduledAt
	}
	return job.UpdatedAt
}

func (s *Store) ListProcessingByAgent(_ context.Context, agentID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusProcessing && job.OwnedBy(agentID) {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

func (s *Store) ListUnalertedDLQ(_ context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*domain.Job, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusDLQ && !job.DLQAlertSent {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].MovedToDLQAt == nil || jobs[k].MovedToDLQAt == nil {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].MovedToDLQAt.Before(*jobs[k].MovedToDLQAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) MarkDLQAlertSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.DLQAlertSent = true
	job.UpdatedAt = s.clock()
	return nil
}

func (s *Store) Stats(_ context.Context, window time.Duration) (*domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.NewQueueStats(window)
	since := s.clock().Add(-window)

	var durationSum float64
	var samples int
	for _, job := range s.jobs {
		stats.Total++
		stats.ByStatus[job.Status]++
		stats.ByType[job.JobType]++

		if job.CompletedAt == nil || job.CompletedAt.Before(since) {
			continue
		}
		switch job.Status {
		case domain.JobStatusCompleted:
			stats.CompletedInWindow++
			if job.StartedAt != nil {
				durationSum += job.CompletedAt.Sub(*job.StartedAt).Seconds()
				samples++
			}
		case domain.JobStatusFailed, domain.JobStatusDLQ:
			stats.FailedInWindow++
		}
	}

	stats.Finalize(durationSum, samples)
	return stats, nil
}

// guardedJob returns the live job if its status is one of from. Callers hold s.mu.
func (s *Store) guardedJob(id string, from []domain.JobStatus) (*domain.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if len(from) > 0 && !slices.Contains(from, job.Status) {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidStateTransition, id, job.Status)
	}
	return job, nil
}

func applyTransition(job *domain.Job, to domain.JobStatus, opts storage.TransitionOptions, now time.Time) {
	job.Status = to
	job.UpdatedAt = now

	if opts.AgentID != nil {
		agentID := *opts.AgentID
		job.AgentID = &agentID
	}

	switch to {
	case domain.JobStatusProcessing:
		job.Attempts++
		if job.StartedAt == nil {
			job.StartedAt = timePtr(now)
		}
		job.CompletedAt = nil
		job.ScheduledAt = nil
	case domain.JobStatusCompleted:
		job.CompletedAt = timePtr(now)
		job.Result = slices.Clone(opts.Result)
	case domain.JobStatusFailed, domain.JobStatusDLQ:
		job.CompletedAt = timePtr(now)
		job.Error = clonePtr(opts.Error)
		job.ErrorDetails = slices.Clone(opts.Details)
		job.ScheduledAt = clonePtr(opts.ScheduledAt)
	case domain.JobStatusQueued:
		job.ScheduledAt = clonePtr(opts.ScheduledAt)
	}
}

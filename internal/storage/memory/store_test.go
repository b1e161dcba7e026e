package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	return New(WithClock(clock.Now)), clock
}

func createJob(t *testing.T, s *Store, spec domain.JobSpec) *domain.Job {
	t.Helper()
	job := spec.NewJob()
	require.NoError(t, s.Create(context.Background(), job))
	return job
}

func registerAgent(t *testing.T, s *Store, name string, capacity int) *domain.Agent {
	t.Helper()
	agent, err := s.Upsert(context.Background(), domain.AgentRegistration{
		CredentialHash: "hash-" + name,
		Hostname:       name,
		MaxCapacity:    capacity,
	})
	require.NoError(t, err)
	return agent
}

func TestStore_CreateForcesQueued(t *testing.T) {
	s, clock := newTestStore(t)

	job := &domain.Job{JobType: "upload", Status: domain.JobStatusCompleted, MaxAttempts: 3}
	require.NoError(t, s.Create(context.Background(), job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, clock.Now(), job.CreatedAt)

	stored, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_NextReadyOrdering(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Hour)
	low := createJob(t, s, domain.JobSpec{JobType: "upload", Priority: 1})
	clock.Advance(time.Second)
	highLater := createJob(t, s, domain.JobSpec{JobType: "upload", Priority: 5})
	clock.Advance(time.Second)
	createJob(t, s, domain.JobSpec{JobType: "upload", Priority: 9, ScheduledAt: &future})
	createJob(t, s, domain.JobSpec{JobType: "render", Priority: 7})

	next, err := s.NextReady(ctx, "upload")
	require.NoError(t, err)
	assert.Equal(t, highLater.ID, next.ID, "scheduled job in the future must be skipped")

	_, err = s.Transition(ctx, highLater.ID, []domain.JobStatus{domain.JobStatusQueued}, domain.JobStatusProcessing, storage.TransitionOptions{})
	require.NoError(t, err)

	next, err = s.NextReady(ctx, "upload")
	require.NoError(t, err)
	assert.Equal(t, low.ID, next.ID, "processing jobs must never be returned")

	next, err = s.NextReady(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "render", next.JobType)

	clock.Advance(2 * time.Hour)
	next, err = s.NextReady(ctx, "upload")
	require.NoError(t, err)
	assert.Equal(t, 9, next.Priority)
}

func TestStore_NextReadyTieBreaksByCreatedAt(t *testing.T) {
	s, clock := newTestStore(t)

	first := createJob(t, s, domain.JobSpec{JobType: "upload", Priority: 3})
	clock.Advance(time.Millisecond)
	createJob(t, s, domain.JobSpec{JobType: "upload", Priority: 3})

	next, err := s.NextReady(context.Background(), "upload")
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID)
}

func TestStore_NextReadyEmpty(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.NextReady(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_Transition(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.JobSpec{JobType: "upload"})

	started, err := s.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusQueued}, domain.JobStatusProcessing, storage.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, started.Attempts)
	require.NotNil(t, started.StartedAt)
	firstStart := *started.StartedAt

	_, err = s.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusQueued}, domain.JobStatusProcessing, storage.TransitionOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	clock.Advance(time.Minute)
	errMsg := "boom"
	failed, err := s.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusProcessing}, domain.JobStatusFailed, storage.TransitionOptions{Error: &errMsg})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.CompletedAt)
	assert.Equal(t, "boom", *failed.Error)

	clock.Advance(time.Minute)
	restarted, err := s.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusFailed}, domain.JobStatusProcessing, storage.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, restarted.Attempts)
	assert.Equal(t, firstStart, *restarted.StartedAt, "started_at is only set the first time")
	assert.Nil(t, restarted.CompletedAt)

	completed, err := s.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusProcessing}, domain.JobStatusCompleted, storage.TransitionOptions{Result: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(completed.Result))
	assert.Equal(t, 2, completed.Attempts, "attempts only change when entering processing")

	_, err = s.Transition(ctx, "missing", nil, domain.JobStatusCompleted, storage.TransitionOptions{})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_Assign(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	agent := registerAgent(t, s, "a1", 1)
	first := createJob(t, s, domain.JobSpec{JobType: "upload"})
	second := createJob(t, s, domain.JobSpec{JobType: "upload"})

	assigned, err := s.Assign(ctx, first.ID, agent.ID, []domain.JobStatus{domain.JobStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, assigned.Status)
	assert.True(t, assigned.OwnedBy(agent.ID))
	assert.Equal(t, 1, assigned.Attempts)

	stored, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentLoad)

	_, err = s.Assign(ctx, second.ID, agent.ID, []domain.JobStatus{domain.JobStatusQueued})
	assert.ErrorIs(t, err, domain.ErrCapacityExhausted)

	unchanged, err := s.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, unchanged.Status, "a rejected assignment leaves the job untouched")
	assert.Equal(t, 0, unchanged.Attempts)

	_, err = s.Assign(ctx, first.ID, agent.ID, []domain.JobStatus{domain.JobStatusQueued})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestStore_MoveToDLQAndRequeue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, domain.JobSpec{JobType: "upload", MaxAttempts: 1})

	_, err := s.Transition(ctx, job.ID, nil, domain.JobStatusProcessing, storage.TransitionOptions{})
	require.NoError(t, err)

	dlq, err := s.MoveToDLQ(ctx, job.ID, "Max retries (1) exceeded: boom", storage.Failure{Error: "boom", Details: json.RawMessage(`{"code":500}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDLQ, dlq.Status)
	require.NotNil(t, dlq.MovedToDLQAt)
	assert.Equal(t, *dlq.MovedToDLQAt, *dlq.CompletedAt)
	assert.Equal(t, "Max retries (1) exceeded: boom", *dlq.DLQReason)

	requeued, err := s.Requeue(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)
	assert.Nil(t, requeued.Error)
	assert.Nil(t, requeued.ErrorDetails)
	assert.Nil(t, requeued.Result)
	assert.Nil(t, requeued.DLQReason)
	assert.Nil(t, requeued.MovedToDLQAt)
	assert.Nil(t, requeued.CompletedAt)
	assert.False(t, requeued.DLQAlertSent)

	_, err = s.Requeue(ctx, "missing", true)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_RequeueKeepsAttemptsWhenNotReset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	agent := registerAgent(t, s, "a1", 2)
	job := createJob(t, s, domain.JobSpec{JobType: "upload"})

	_, err := s.Assign(ctx, job.ID, agent.ID, nil)
	require.NoError(t, err)

	requeued, err := s.Requeue(ctx, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Nil(t, requeued.AgentID)
}

func TestStore_RequeueDueFailed(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	due := createJob(t, s, domain.JobSpec{JobType: "upload"})
	later := createJob(t, s, domain.JobSpec{JobType: "upload"})
	exhausted := createJob(t, s, domain.JobSpec{JobType: "upload", MaxAttempts: 1})

	for _, job := range []*domain.Job{due, later, exhausted} {
		_, err := s.Transition(ctx, job.ID, nil, domain.JobStatusProcessing, storage.TransitionOptions{})
		require.NoError(t, err)
	}

	soon := clock.Now().Add(10 * time.Second)
	farOff := clock.Now().Add(time.Hour)
	errMsg := "boom"
	_, err := s.Transition(ctx, due.ID, nil, domain.JobStatusFailed, storage.TransitionOptions{Error: &errMsg, ScheduledAt: &soon})
	require.NoError(t, err)
	_, err = s.Transition(ctx, later.ID, nil, domain.JobStatusFailed, storage.TransitionOptions{Error: &errMsg, ScheduledAt: &farOff})
	require.NoError(t, err)
	_, err = s.Transition(ctx, exhausted.ID, nil, domain.JobStatusFailed, storage.TransitionOptions{Error: &errMsg})
	require.NoError(t, err)

	requeued, err := s.RequeueDueFailed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, requeued)

	clock.Advance(time.Minute)
	requeued, err = s.RequeueDueFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Equal(t, due.ID, requeued[0].ID)
	assert.Equal(t, domain.JobStatusQueued, requeued[0].Status)
	assert.Equal(t, 1, requeued[0].Attempts)

	stillFailed, err := s.Get(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stillFailed.Status)
}

func TestStore_ListPagination(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	user := "user-1"
	for i := 0; i < 5; i++ {
		createJob(t, s, domain.JobSpec{JobType: "upload", UserID: &user})
		clock.Advance(time.Second)
	}
	createJob(t, s, domain.JobSpec{JobType: "render"})

	seen := make(map[string]bool)
	var cursor *storage.JobCursor
	var pages int
	var last time.Time
	for {
		page, err := s.List(ctx, storage.JobFilter{UserID: user, PageSize: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++

		for _, job := range page.Jobs {
			assert.False(t, seen[job.ID], "job %s returned twice", job.ID)
			seen[job.ID] = true
			if !last.IsZero() {
				assert.True(t, job.CreatedAt.Before(last), "jobs must be newest first")
			}
			last = job.CreatedAt
		}

		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor, err = storage.DecodeJobCursor(page.NextCursor)
		require.NoError(t, err)
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestStore_ListUnalertedDLQ(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := createJob(t, s, domain.JobSpec{JobType: "upload", MaxAttempts: 1})
		_, err := s.Transition(ctx, job.ID, nil, domain.JobStatusProcessing, storage.TransitionOptions{})
		require.NoError(t, err)
		_, err = s.MoveToDLQ(ctx, job.ID, fmt.Sprintf("reason %d", i), storage.Failure{Error: "boom"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	require.NoError(t, s.MarkDLQAlertSent(ctx, ids[0]))

	jobs, err := s.ListUnalertedDLQ(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.NotEqual(t, ids[0], job.ID)
	}
}

func TestStore_StatsInvariants(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	errMsg := "boom"

	for i := 0; i < 4; i++ {
		job := createJob(t, s, domain.JobSpec{JobType: "upload"})
		_, err := s.Transition(ctx, job.ID, nil, domain.JobStatusProcessing, storage.TransitionOptions{})
		require.NoError(t, err)
		clock.Advance(2 * time.Second)
		_, err = s.Transition(ctx, job.ID, nil, domain.JobStatusCompleted, storage.TransitionOptions{})
		require.NoError(t, err)
	}

	failed := createJob(t, s, domain.JobSpec{JobType: "render"})
	_, err := s.Transition(ctx, failed.ID, nil, domain.JobStatusProcessing, storage.TransitionOptions{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, failed.ID, nil, domain.JobStatusFailed, storage.TransitionOptions{Error: &errMsg})
	require.NoError(t, err)

	createJob(t, s, domain.JobSpec{JobType: "render"})

	stats, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)

	sum := 0
	for _, count := range stats.ByStatus {
		sum += count
	}
	assert.Equal(t, stats.Total, sum)
	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 4, stats.ByType["upload"])
	assert.Equal(t, 2, stats.ByType["render"])
	assert.Equal(t, 4, stats.CompletedInWindow)
	assert.Equal(t, 1, stats.FailedInWindow)
	assert.InDelta(t, 20.0, stats.FailureRate, 0.001)
	assert.GreaterOrEqual(t, stats.ProcessingRate, 0.0)
	assert.InDelta(t, 4.0/60.0, stats.ProcessingRate, 0.0001)
	require.NotNil(t, stats.AvgProcessingSeconds)
	assert.InDelta(t, 2.0, *stats.AvgProcessingSeconds, 0.001)

	clock.Advance(2 * time.Hour)
	stats, err = s.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.CompletedInWindow)
	assert.Nil(t, stats.AvgProcessingSeconds)
	assert.Equal(t, 0.0, stats.FailureRate)
}

func TestStore_AgentLifecycle(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	agent := registerAgent(t, s, "a1", 4)
	assert.Equal(t, domain.AgentStatusHealthy, agent.Status)

	again, err := s.Upsert(ctx, domain.AgentRegistration{CredentialHash: "hash-a1", Hostname: "renamed", MaxCapacity: 8})
	require.NoError(t, err)
	assert.Equal(t, agent.ID, again.ID, "registration is keyed by credential hash")
	assert.Equal(t, "renamed", again.Hostname)
	assert.Equal(t, 8, again.MaxCapacity)

	require.NoError(t, s.AdjustLoad(ctx, agent.ID, -5))
	stored, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentLoad, "load never goes below zero")

	clock.Advance(2 * time.Minute)
	stale, err := s.StaleAgents(ctx, domain.HeartbeatTimeout)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	_, err = s.Heartbeat(ctx, agent.ID, 3, nil)
	require.NoError(t, err)
	stale, err = s.StaleAgents(ctx, domain.HeartbeatTimeout)
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.SetAgentStatus(ctx, agent.ID, domain.AgentStatusUnhealthy))
	healthy, err := s.HealthyAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, healthy)

	_, err = s.Heartbeat(ctx, "missing", 0, nil)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestStore_MarkUnhealthyIfStale(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	agent := registerAgent(t, s, "a1", 4)

	marked, err := s.MarkUnhealthyIfStale(ctx, agent.ID, domain.HeartbeatTimeout)
	require.NoError(t, err)
	assert.False(t, marked, "fresh heartbeat keeps the agent healthy")

	clock.Advance(2 * time.Minute)
	_, err = s.Heartbeat(ctx, agent.ID, 1, nil)
	require.NoError(t, err)
	marked, err = s.MarkUnhealthyIfStale(ctx, agent.ID, domain.HeartbeatTimeout)
	require.NoError(t, err)
	assert.False(t, marked)

	clock.Advance(2 * time.Minute)
	marked, err = s.MarkUnhealthyIfStale(ctx, agent.ID, domain.HeartbeatTimeout)
	require.NoError(t, err)
	assert.True(t, marked)
	stored, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusUnhealthy, stored.Status)

	_, err = s.MarkUnhealthyIfStale(ctx, "missing", domain.HeartbeatTimeout)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestStore_ReturnedRecordsAreDetached(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	t.Run("job byte slices and pointers", func(t *testing.T) {
		job := createJob(t, s, domain.JobSpec{JobType: "upload", Payload: json.RawMessage(`{"a":1}`)})
		job.Payload[2] = 'X'

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(got.Payload), "caller buffer is not retained")

		got.Payload[2] = 'Y'
		errMsg := "boom"
		failed, err := s.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusQueued}, domain.JobStatusFailed, storage.TransitionOptions{
			Error:   &errMsg,
			Details: json.RawMessage(`{"code":1}`),
		})
		require.NoError(t, err)
		*failed.Error = "mutated"
		failed.ErrorDetails[2] = 'Z'

		again, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(again.Payload))
		assert.Equal(t, "boom", *again.Error)
		assert.JSONEq(t, `{"code":1}`, string(again.ErrorDetails))
	})

	t.Run("agent metadata", func(t *testing.T) {
		metadata := map[string]any{"version": "1.0"}
		agent, err := s.Upsert(ctx, domain.AgentRegistration{CredentialHash: "hash-meta", MaxCapacity: 2, Metadata: metadata})
		require.NoError(t, err)
		metadata["version"] = "changed"
		agent.Metadata["region"] = "eu"

		stored, err := s.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"version": "1.0"}, stored.Metadata)

		beat := map[string]any{"version": "2.0"}
		_, err = s.Heartbeat(ctx, agent.ID, 0, beat)
		require.NoError(t, err)
		beat["version"] = "changed"

		stored, err = s.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, "2.0", stored.Metadata["version"])
	})
}

func TestStore_AlertUniquePerJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateAlertIfAbsent(ctx, &domain.DLQAlert{JobID: "job-1", JobType: "upload"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateAlertIfAbsent(ctx, &domain.DLQAlert{JobID: "job-1", JobType: "upload"})
	require.NoError(t, err)
	assert.False(t, created)

	alerts, err := s.ListAlerts(ctx, storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestStore_AcknowledgeFirstWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	alert := &domain.DLQAlert{JobID: "job-1"}
	_, err := s.CreateAlertIfAbsent(ctx, alert)
	require.NoError(t, err)

	first, err := s.AcknowledgeAlert(ctx, alert.ID, "admin-1")
	require.NoError(t, err)
	second, err := s.AcknowledgeAlert(ctx, alert.ID, "admin-2")
	require.NoError(t, err)

	assert.Equal(t, "admin-1", *second.AcknowledgedBy)
	assert.Equal(t, *first.AcknowledgedAt, *second.AcknowledgedAt)

	_, err = s.AcknowledgeAlert(ctx, "missing", "admin-1")
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)
}

func TestStore_Sessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	session := &domain.StreamSession{EventID: "event-1"}
	require.NoError(t, s.CreateSession(ctx, session))
	assert.Equal(t, domain.StreamSessionLive, session.Status)

	session.ReconnectAttempts = 2
	session.Status = domain.StreamSessionReconnecting
	require.NoError(t, s.UpdateSession(ctx, session))

	stored, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ReconnectAttempts)

	require.NoError(t, s.SetEventStatus(ctx, "event-1", domain.LiveEventStatusFailed))
	status, ok := s.EventStatus("event-1")
	assert.True(t, ok)
	assert.Equal(t, domain.LiveEventStatusFailed, status)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

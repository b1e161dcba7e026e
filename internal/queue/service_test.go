package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/channelops/internal/agent"
	"github.com/cuongbtq/channelops/internal/alert"
	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/retry"
	"github.com/cuongbtq/channelops/internal/storage"
	"github.com/cuongbtq/channelops/internal/storage/memory"
)

type fixture struct {
	store      *memory.Store
	registry   *agent.Registry
	dispatcher *dispatch.Dispatcher
	alerts     *alert.Manager
	service    *Service
	now        *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New(memory.WithClock(clock))
	registry := agent.NewRegistry(store, 5, logger)
	dispatcher := dispatch.NewDispatcher(store, registry, nil, logger)
	alerts := alert.NewManager(store, store, nil, logger)
	service := NewService(store, registry, dispatcher, alerts, Config{
		DefaultMaxAttempts: 3,
		StatsWindow:        time.Hour,
		Retry: retry.Config{
			MaxAttempts:       3,
			InitialDelay:      10 * time.Second,
			MaxDelay:          time.Minute,
			BackoffMultiplier: 2,
		},
	}, logger, WithClock(clock))

	return &fixture{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		alerts:     alerts,
		service:    service,
		now:        &now,
	}
}

func (f *fixture) agent(t *testing.T, name string, capacity int) *domain.Agent {
	t.Helper()
	a, err := f.registry.Register(context.Background(), agent.RegisterRequest{
		Credential:  "cred-" + name,
		Hostname:    name,
		MaxCapacity: capacity,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) load(t *testing.T, agentID string) int {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	return a.CurrentLoad
}

func (f *fixture) alertCount(t *testing.T) int {
	t.Helper()
	alerts, err := f.alerts.List(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	return len(alerts)
}

func TestService_Enqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		spec        domain.JobSpec
		wantErr     bool
		maxAttempts int
	}{
		{name: "defaults", spec: domain.JobSpec{JobType: "upload"}, maxAttempts: 3},
		{name: "explicit attempts", spec: domain.JobSpec{JobType: "upload", MaxAttempts: 7}, maxAttempts: 7},
		{name: "missing type", spec: domain.JobSpec{}, wantErr: true},
		{name: "bad payload", spec: domain.JobSpec{JobType: "upload", Payload: json.RawMessage(`{`)}, wantErr: true},
		{name: "negative attempts", spec: domain.JobSpec{JobType: "upload", MaxAttempts: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := f.service.Enqueue(ctx, tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrInvalidJobSpec)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusQueued, job.Status)
			assert.Equal(t, 0, job.Attempts)
			assert.Equal(t, tt.maxAttempts, job.MaxAttempts)
			assert.JSONEq(t, `{}`, string(job.Payload))
		})
	}
}

func TestService_Start(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)

	started, err := f.service.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, started.Status)
	assert.Equal(t, 1, started.Attempts)

	_, err = f.service.Start(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

// enqueue with max_attempts=2, fail twice, land in the DLQ with one alert
func TestService_EndToEndRetryIntoDLQ(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, "a1", 4)

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload", MaxAttempts: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)

	assignment, err := f.dispatcher.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, assignment.AgentID)
	job, err = f.service.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, f.load(t, a.ID))

	outcome, err := f.service.Fail(ctx, job.ID, FailRequest{AgentID: a.ID, Error: "transcode failed"})
	require.NoError(t, err)
	assert.Equal(t, domain.FailureRetryable, outcome.Kind)
	assert.Equal(t, domain.JobStatusFailed, outcome.Job.Status)
	require.NotNil(t, outcome.RetryAt)
	assert.Equal(t, f.now.Add(10*time.Second), *outcome.RetryAt)
	assert.Equal(t, 0, f.load(t, a.ID))
	assert.Equal(t, 0, f.alertCount(t))

	_, err = f.dispatcher.Dispatch(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotReady, "retry waits for its backoff")

	*f.now = f.now.Add(10 * time.Second)
	_, err = f.dispatcher.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	job, err = f.service.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 2, job.Attempts)

	outcome, err = f.service.Fail(ctx, job.ID, FailRequest{AgentID: a.ID, Error: "transcode failed"})
	require.NoError(t, err)
	assert.Equal(t, domain.FailureTerminal, outcome.Kind)
	assert.Equal(t, domain.JobStatusDLQ, outcome.Job.Status)
	require.NotNil(t, outcome.Job.DLQReason)
	assert.Equal(t, "Max retries (2) exceeded: transcode failed", *outcome.Job.DLQReason)
	assert.True(t, outcome.Job.DLQAlertSent)

	require.NotNil(t, outcome.Alert)
	assert.Equal(t, 2, outcome.Alert.Attempts)
	assert.Equal(t, 1, f.alertCount(t))
	assert.Equal(t, 0, f.load(t, a.ID))
}

func TestService_DLQReachability(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		failures    int
		want        domain.JobStatus
	}{
		{name: "single attempt goes straight to dlq", maxAttempts: 1, failures: 1, want: domain.JobStatusDLQ},
		{name: "attempts remaining stays failed", maxAttempts: 3, failures: 2, want: domain.JobStatusFailed},
		{name: "last attempt dead letters", maxAttempts: 3, failures: 3, want: domain.JobStatusDLQ},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload", MaxAttempts: tt.maxAttempts})
			require.NoError(t, err)

			var outcome *FailOutcome
			for i := 0; i < tt.failures; i++ {
				if i == 0 {
					_, err = f.service.Start(ctx, job.ID)
				} else {
					_, err = f.store.Transition(ctx, job.ID, []domain.JobStatus{domain.JobStatusFailed}, domain.JobStatusProcessing, storage.TransitionOptions{})
				}
				require.NoError(t, err)

				outcome, err = f.service.Fail(ctx, job.ID, FailRequest{Error: "boom"})
				require.NoError(t, err)
				if i < tt.failures-1 {
					assert.Equal(t, domain.JobStatusFailed, outcome.Job.Status)
				}
			}

			assert.Equal(t, tt.want, outcome.Job.Status)
			if tt.want == domain.JobStatusDLQ {
				assert.Equal(t, domain.FailureTerminal, outcome.Kind)
				assert.GreaterOrEqual(t, outcome.Job.Attempts, outcome.Job.MaxAttempts)
			} else {
				assert.Equal(t, domain.FailureRetryable, outcome.Kind)
				assert.Less(t, outcome.Job.Attempts, outcome.Job.MaxAttempts)
			}
		})
	}
}

func TestService_FailRequiresProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)

	_, err = f.service.Fail(ctx, job.ID, FailRequest{Error: "boom"})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.service.Complete(ctx, job.ID, CompleteRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.service.Fail(ctx, "missing", FailRequest{Error: "boom"})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_OwnershipCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.agent(t, "owner", 5)

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	_, err = f.service.Complete(ctx, job.ID, CompleteRequest{AgentID: "intruder"})
	assert.ErrorIs(t, err, domain.ErrNotJobOwner)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.service.Fail(ctx, job.ID, FailRequest{AgentID: "intruder", Error: "boom"})
	assert.ErrorIs(t, err, domain.ErrNotJobOwner)

	stored, err := f.service.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, stored.Status)
	assert.Equal(t, 1, f.load(t, owner.ID))

	outcome, err := f.service.Complete(ctx, job.ID, CompleteRequest{AgentID: owner.ID, Result: json.RawMessage(`{"url":"https://example.com/v"}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, outcome.Job.Status)
	assert.JSONEq(t, `{"url":"https://example.com/v"}`, string(outcome.Job.Result))
	assert.Equal(t, 0, f.load(t, owner.ID))
}

func TestService_CompleteAfterReassignmentIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.agent(t, "first", 5)

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	_, err = f.dispatcher.ReassignAgentJobs(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, f.registry.SetStatus(ctx, first.ID, domain.AgentStatusUnhealthy))

	second := f.agent(t, "second", 5)
	assignment, err := f.dispatcher.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, assignment.AgentID)

	_, err = f.service.Complete(ctx, job.ID, CompleteRequest{AgentID: first.ID})
	assert.ErrorIs(t, err, domain.ErrNotJobOwner)

	_, err = f.service.Complete(ctx, job.ID, CompleteRequest{AgentID: second.ID})
	require.NoError(t, err)
}

func TestService_WorkflowChaining(t *testing.T) {
	t.Run("next job dispatched when capacity exists", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		a := f.agent(t, "a1", 1)

		next, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "publish"})
		require.NoError(t, err)
		first, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "render", NextJobID: &next.ID})
		require.NoError(t, err)

		_, err = f.dispatcher.Dispatch(ctx, first.ID)
		require.NoError(t, err)

		outcome, err := f.service.Complete(ctx, first.ID, CompleteRequest{AgentID: a.ID})
		require.NoError(t, err)
		require.NoError(t, outcome.ChainError)
		require.NotNil(t, outcome.NextAssignment)
		assert.Equal(t, next.ID, outcome.NextAssignment.JobID)
		assert.Equal(t, a.ID, outcome.NextAssignment.AgentID, "load released before chaining")

		stored, err := f.service.Get(ctx, next.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, stored.Status)
		assert.Equal(t, 1, stored.Attempts)
	})

	t.Run("next job scheduled later is left for the sweep", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		a := f.agent(t, "a1", 2)

		later := f.now.Add(time.Hour)
		next, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "publish", ScheduledAt: &later})
		require.NoError(t, err)
		first, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "render", NextJobID: &next.ID})
		require.NoError(t, err)
		_, err = f.dispatcher.Dispatch(ctx, first.ID)
		require.NoError(t, err)

		outcome, err := f.service.Complete(ctx, first.ID, CompleteRequest{AgentID: a.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, outcome.Job.Status)
		assert.ErrorIs(t, outcome.ChainError, domain.ErrJobNotReady)
		assert.Nil(t, outcome.NextAssignment)

		stored, err := f.service.Get(ctx, next.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, stored.Status)
		assert.Equal(t, 0, stored.Attempts)
		assert.Equal(t, 0, f.load(t, a.ID))
	})

	t.Run("next job stays queued without capacity", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		next, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "publish"})
		require.NoError(t, err)
		first, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "render", NextJobID: &next.ID})
		require.NoError(t, err)
		_, err = f.service.Start(ctx, first.ID)
		require.NoError(t, err)

		outcome, err := f.service.Complete(ctx, first.ID, CompleteRequest{})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, outcome.Job.Status, "chaining failure never rolls back completion")
		assert.ErrorIs(t, outcome.ChainError, domain.ErrCapacityExhausted)
		assert.Nil(t, outcome.NextAssignment)

		stored, err := f.service.Get(ctx, next.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, stored.Status)
		assert.Equal(t, 0, stored.Attempts)
	})
}

func TestService_RequeueResetsTerminalFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = f.service.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.service.Fail(ctx, job.ID, FailRequest{Error: "boom", Details: json.RawMessage(`{"code":42}`)})
	require.NoError(t, err)

	requeued, err := f.service.Requeue(ctx, job.ID, true)
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
}

func TestService_RequeueProcessingReleasesLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, "a1", 3)

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, f.load(t, a.ID))

	requeued, err := f.service.Requeue(ctx, job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.Attempts)
	assert.Equal(t, 0, f.load(t, a.ID))
}

func TestService_RequeueCompletedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)
	_, err = f.service.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.service.Complete(ctx, job.ID, CompleteRequest{Result: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, err)

	requeued, err := f.service.Requeue(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, requeued.Status)
	assert.Nil(t, requeued.Result)
}

func TestService_BulkRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload", MaxAttempts: 1})
		require.NoError(t, err)
		_, err = f.service.Start(ctx, job.ID)
		require.NoError(t, err)
		_, err = f.service.Fail(ctx, job.ID, FailRequest{Error: "boom"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	result := f.service.BulkRequeue(ctx, append(ids, "missing-1", "missing-2"), true)
	assert.Equal(t, 3, result.Requeued)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, []string{"missing-1", "missing-2"}, result.FailedIDs)

	dlq, err := f.service.ListDLQ(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, dlq.Jobs)
}

func TestService_RetryDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
	require.NoError(t, err)
	_, err = f.service.Start(ctx, job.ID)
	require.NoError(t, err)
	_, err = f.service.Fail(ctx, job.ID, FailRequest{Error: "flaky"})
	require.NoError(t, err)

	due, err := f.service.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "backoff has not elapsed")

	*f.now = f.now.Add(11 * time.Second)
	due, err = f.service.RetryDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.JobStatusQueued, due[0].Status)
	assert.Equal(t, 1, due[0].Attempts)

	started, err := f.service.Start(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, started.Attempts)
}

func TestService_QueueStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.agent(t, "a1", 4)

	for i := 0; i < 3; i++ {
		job, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload"})
		require.NoError(t, err)
		_, err = f.dispatcher.Dispatch(ctx, job.ID)
		require.NoError(t, err)
		*f.now = f.now.Add(5 * time.Second)
		_, err = f.service.Complete(ctx, job.ID, CompleteRequest{AgentID: a.ID})
		require.NoError(t, err)
	}

	failing, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "render", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = f.service.Start(ctx, failing.ID)
	require.NoError(t, err)
	_, err = f.service.Fail(ctx, failing.ID, FailRequest{Error: "boom"})
	require.NoError(t, err)

	_, err = f.service.Enqueue(ctx, domain.JobSpec{JobType: "render"})
	require.NoError(t, err)

	dashboard, err := f.service.QueueStats(ctx)
	require.NoError(t, err)

	stats := dashboard.Stats
	sum := 0
	for _, n := range stats.ByStatus {
		sum += n
	}
	assert.Equal(t, stats.Total, sum)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[domain.JobStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[domain.JobStatusDLQ])
	assert.Equal(t, 1, stats.ByStatus[domain.JobStatusQueued])
	assert.GreaterOrEqual(t, stats.FailureRate, 0.0)
	assert.LessOrEqual(t, stats.FailureRate, 100.0)
	assert.InDelta(t, 25.0, stats.FailureRate, 0.001)
	assert.GreaterOrEqual(t, stats.ProcessingRate, 0.0)
	require.NotNil(t, stats.AvgProcessingSeconds)
	assert.InDelta(t, 5.0, *stats.AvgProcessingSeconds, 0.001)

	assert.Equal(t, 1, dashboard.Agents.Total)
	assert.Equal(t, 1, dashboard.Agents.Healthy)
	assert.Equal(t, 0, dashboard.Agents.TotalLoad)
	assert.Equal(t, 4, dashboard.Agents.TotalCapacity)
}

func TestService_ListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := "user-1"
	account := "acct-9"
	_, err := f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload", UserID: &user})
	require.NoError(t, err)
	_, err = f.service.Enqueue(ctx, domain.JobSpec{JobType: "upload", UserID: &user, AccountID: &account})
	require.NoError(t, err)
	_, err = f.service.Enqueue(ctx, domain.JobSpec{JobType: "render"})
	require.NoError(t, err)

	page, err := f.service.List(ctx, storage.JobFilter{UserID: user})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 2)

	page, err = f.service.List(ctx, storage.JobFilter{UserID: user, AccountID: account})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 1)

	page, err = f.service.List(ctx, storage.JobFilter{JobType: "render", Status: domain.JobStatusQueued})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 1)
}

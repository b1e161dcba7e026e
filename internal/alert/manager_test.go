package alert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
	"github.com/cuongbtq/channelops/internal/storage/memory"
)

type fakeNotifier struct {
	created      []*domain.DLQAlert
	acknowledged []*domain.DLQAlert
	err          error
}

func (n *fakeNotifier) AlertCreated(_ context.Context, a *domain.DLQAlert) error {
	n.created = append(n.created, a)
	return n.err
}

func (n *fakeNotifier) AlertAcknowledged(_ context.Context, a *domain.DLQAlert) error {
	n.acknowledged = append(n.acknowledged, a)
	return n.err
}

func newTestManager(t *testing.T) (*Manager, *memory.Store, *fakeNotifier) {
	t.Helper()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	notifier := &fakeNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, store, notifier, logger), store, notifier
}

func dlqJob(t *testing.T, store *memory.Store, errMsg string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job := (&domain.JobSpec{JobType: "upload", MaxAttempts: 1}).NewJob()
	require.NoError(t, store.Create(ctx, job))
	_, err := store.Transition(ctx, job.ID, nil, domain.JobStatusProcessing, storage.TransitionOptions{})
	require.NoError(t, err)
	moved, err := store.MoveToDLQ(ctx, job.ID, "Max retries (1) exceeded: "+errMsg, storage.Failure{Error: errMsg})
	require.NoError(t, err)
	return moved
}

func TestManager_GenerateIfAbsentIsIdempotent(t *testing.T) {
	manager, store, notifier := newTestManager(t)
	ctx := context.Background()
	job := dlqJob(t, store, "upload rejected")

	first, err := manager.GenerateIfAbsent(ctx, job)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, job.ID, first.JobID)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "upload rejected", first.ErrorMessage)
	assert.True(t, first.NotificationSent)

	second, err := manager.GenerateIfAbsent(ctx, job)
	require.NoError(t, err)
	assert.Nil(t, second)

	alerts, err := manager.List(ctx, storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, notifier.created, 1)

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, stored.DLQAlertSent)
}

func TestManager_GenerateIfAbsentConcurrent(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()
	job := dlqJob(t, store, "boom")

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alert, err := manager.GenerateIfAbsent(ctx, job)
			assert.NoError(t, err)
			if alert != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	alerts, err := manager.List(ctx, storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestManager_NotificationFailureKeepsAlert(t *testing.T) {
	manager, store, notifier := newTestManager(t)
	notifier.err = errors.New("broker down")
	job := dlqJob(t, store, "boom")

	alert, err := manager.GenerateIfAbsent(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.False(t, alert.NotificationSent)

	stored, err := manager.Get(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.False(t, stored.NotificationSent)
}

func TestManager_AcknowledgeIsIdempotent(t *testing.T) {
	manager, store, notifier := newTestManager(t)
	ctx := context.Background()
	job := dlqJob(t, store, "boom")

	alert, err := manager.GenerateIfAbsent(ctx, job)
	require.NoError(t, err)

	first, err := manager.Acknowledge(ctx, alert.ID, "admin-1")
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)
	assert.Equal(t, "admin-1", *first.AcknowledgedBy)

	second, err := manager.Acknowledge(ctx, alert.ID, "admin-2")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, notifier.acknowledged, 1)
}

func TestManager_AcknowledgeErrors(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Acknowledge(ctx, "missing", "admin-1")
	assert.ErrorIs(t, err, domain.ErrAlertNotFound)

	_, err = manager.Acknowledge(ctx, "missing", "")
	assert.True(t, domain.IsValidation(err))
}

func TestManager_SweepUnalerted(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	alerted := dlqJob(t, store, "first")
	_, err := manager.GenerateIfAbsent(ctx, alerted)
	require.NoError(t, err)

	missed := []*domain.Job{dlqJob(t, store, "second"), dlqJob(t, store, "third")}

	alerts, err := manager.SweepUnalerted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.ElementsMatch(t, []string{missed[0].ID, missed[1].ID}, []string{alerts[0].JobID, alerts[1].JobID})

	alerts, err = manager.SweepUnalerted(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestManager_ListFilters(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	a1, err := manager.GenerateIfAbsent(ctx, dlqJob(t, store, "one"))
	require.NoError(t, err)
	_, err = manager.GenerateIfAbsent(ctx, dlqJob(t, store, "two"))
	require.NoError(t, err)
	_, err = manager.Acknowledge(ctx, a1.ID, "admin-1")
	require.NoError(t, err)

	unacked := false
	alerts, err := manager.List(ctx, storage.AlertFilter{Acknowledged: &unacked})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.NotEqual(t, a1.ID, alerts[0].ID)
}

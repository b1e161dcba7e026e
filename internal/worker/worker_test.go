package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/events"
	"github.com/cuongbtq/channelops/internal/queue"
)

const testJobID = "6f1c2a4e-0c1b-4b8e-9a57-0f5d7f3a1b22"

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: make(map[uint64]*ackRecord)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[tag] = &ackRecord{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[tag] = &ackRecord{nacked: true, requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[tag]
}

type fakeReporter struct {
	mu          sync.Mutex
	completeErr error
	failErr     error
	completed   []queue.CompleteRequest
	failed      []queue.FailRequest
}

func (r *fakeReporter) Complete(_ context.Context, id string, req queue.CompleteRequest) (*queue.CompleteOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return nil, r.completeErr
	}
	r.completed = append(r.completed, req)
	return &queue.CompleteOutcome{Job: &domain.Job{ID: id, Status: domain.JobStatusCompleted}}, nil
}

func (r *fakeReporter) Fail(_ context.Context, id string, req queue.FailRequest) (*queue.FailOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}
	r.failed = append(r.failed, req)
	return &queue.FailOutcome{Job: &domain.Job{ID: id, Status: domain.JobStatusFailed, Attempts: 1}}, nil
}

func (r *fakeReporter) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.failed)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
}

func (s *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

type countingHealth struct {
	mu    sync.Mutex
	calls int
}

func (h *countingHealth) RunCheck(context.Context) (*dispatch.HealthSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return &dispatch.HealthSummary{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWorker(reporter ResultReporter, source DeliverySource) *Worker {
	return NewWorker(&Config{
		Logger:      testLogger(),
		WorkerID:    "worker-test",
		Source:      source,
		Reporter:    reporter,
		Concurrency: 2,
		JobTimeout:  time.Second,
	})
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "completed", body: fmt.Sprintf(`{"job_id":%q,"agent_id":"a1","status":"completed","result":{"ok":true}}`, testJobID)},
		{name: "failed", body: fmt.Sprintf(`{"job_id":%q,"agent_id":"a1","status":"failed","error":"boom"}`, testJobID)},
		{name: "not json", body: `{`, wantErr: true},
		{name: "job id not uuid", body: `{"job_id":"abc","status":"completed"}`, wantErr: true},
		{name: "failed without error", body: fmt.Sprintf(`{"job_id":%q,"status":"failed"}`, testJobID), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResult([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestShouldRequeue(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "transient store error", err: errors.New("connection reset"), want: true},
		{name: "job not found", err: domain.ErrJobNotFound, want: false},
		{name: "not owner", err: domain.ErrNotJobOwner, want: false},
		{name: "stale transition", err: fmt.Errorf("wrap: %w", domain.ErrInvalidStateTransition), want: false},
		{name: "validation", err: domain.NewValidationError("bad"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeue(classify(tt.err)))
		})
	}
}

func TestWorker_HandleAcksAppliedResult(t *testing.T) {
	reporter := &fakeReporter{}
	w := newTestWorker(reporter, nil)
	ack := newFakeAcknowledger()

	w.handle(context.Background(), "w-0", &resultMessage{
		Result:   eventsCompleted(),
		Delivery: delivery(ack, 1, ""),
	})

	rec := ack.get(1)
	require.NotNil(t, rec)
	assert.True(t, rec.acked)
	completed, _ := reporter.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, "agent-1", reporter.completed[0].AgentID)
}

func TestWorker_HandleNacksByErrorKind(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantRequeue bool
	}{
		{name: "transient", err: errors.New("db unavailable"), wantRequeue: true},
		{name: "not owner", err: domain.ErrNotJobOwner, wantRequeue: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorker(&fakeReporter{completeErr: tt.err}, nil)
			ack := newFakeAcknowledger()

			w.handle(context.Background(), "w-0", &resultMessage{
				Result:   eventsCompleted(),
				Delivery: delivery(ack, 7, ""),
			})

			rec := ack.get(7)
			require.NotNil(t, rec)
			assert.True(t, rec.nacked)
			assert.Equal(t, tt.wantRequeue, rec.requeue)
		})
	}
}

func TestWorker_StartConsumesResults(t *testing.T) {
	reporter := &fakeReporter{}
	source := &fakeSource{deliveries: make(chan amqp.Delivery, 3)}
	w := newTestWorker(reporter, source)
	ack := newFakeAcknowledger()

	source.deliveries <- delivery(ack, 1, fmt.Sprintf(`{"job_id":%q,"agent_id":"a1","status":"completed"}`, testJobID))
	source.deliveries <- delivery(ack, 2, fmt.Sprintf(`{"job_id":%q,"agent_id":"a1","status":"failed","error":"timeout"}`, testJobID))
	source.deliveries <- delivery(ack, 3, `not json`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return ack.get(1) != nil && ack.get(2) != nil && ack.get(3) != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	w.Stop()

	assert.True(t, ack.get(1).acked)
	assert.True(t, ack.get(2).acked)
	assert.True(t, ack.get(3).nacked)
	assert.False(t, ack.get(3).requeue)

	completed, failed := reporter.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, "timeout", reporter.failed[0].Error)
}

func TestWorker_RunLeasedSkipsWhenHeldElsewhere(t *testing.T) {
	w := newTestWorker(&fakeReporter{}, nil)
	w.locker = heldLocker{}

	ran := false
	w.runLeased(context.Background(), "health_check", func(context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran)

	w.locker = LocalLocker{}
	w.runLeased(context.Background(), "health_check", func(context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}

func TestWorker_RegisterSweeps(t *testing.T) {
	health := &countingHealth{}

	w := NewWorker(&Config{
		Logger:   testLogger(),
		WorkerID: "worker-test",
		Sweeps:   Sweeps{Health: health},
		Schedule: Schedule{HealthCheck: "@every 30s", DispatchSweep: "@every 5s"},
	})
	require.NoError(t, w.registerSweeps(context.Background()))
	// dispatch sweep has no implementation wired and is skipped
	assert.Len(t, w.cron.Entries(), 1)

	w.cron.Entries()[0].Job.Run()
	assert.Equal(t, 1, health.calls)

	bad := NewWorker(&Config{
		Logger:   testLogger(),
		Sweeps:   Sweeps{Health: health},
		Schedule: Schedule{HealthCheck: "every now and then"},
	})
	assert.Error(t, bad.registerSweeps(context.Background()))
}

func eventsCompleted() events.JobResult {
	return events.JobResult{JobID: testJobID, AgentID: "agent-1", Status: events.ResultCompleted}
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robfig/cron/v3"

	"github.com/cuongbtq/channelops/internal/alert"
	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/queue"
)

// DeliverySource yields result messages from the broker
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// ResultReporter applies agent results to the queue
type ResultReporter interface {
	Complete(ctx context.Context, id string, req queue.CompleteRequest) (*queue.CompleteOutcome, error)
	Fail(ctx context.Context, id string, req queue.FailRequest) (*queue.FailOutcome, error)
}

// Sweeps are the periodic maintenance tasks the worker schedules
type Sweeps struct {
	Health   interface{ RunCheck(context.Context) (*dispatch.HealthSummary, error) }
	Dispatch interface{ Sweep(context.Context, int) (*dispatch.SweepResult, error) }
	Retry    interface{ RetryDue(context.Context, int) ([]*domain.Job, error) }
	Alerts   interface{ SweepUnalerted(context.Context, int) ([]*domain.DLQAlert, error) }
}

var (
	_ ResultReporter = (*queue.Service)(nil)
	_                = Sweeps{
		Health:   (*dispatch.HealthMonitor)(nil),
		Dispatch: (*dispatch.Dispatcher)(nil),
		Retry:    (*queue.Service)(nil),
		Alerts:   (*alert.Manager)(nil),
	}
)

// Schedule holds the cron specs for each sweep. An empty spec disables it.
type Schedule struct {
	HealthCheck   string
	DispatchSweep string
	RetrySweep    string
	AlertSweep    string
	SweepLimit    int
	LeaseTTL      time.Duration
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	WorkerID    string
	Source      DeliverySource
	Reporter    ResultReporter
	Sweeps      Sweeps
	Locker      Locker
	Schedule    Schedule
	Concurrency int
	JobTimeout  time.Duration
}

// Worker consumes agent results and runs the periodic sweeps
type Worker struct {
	logger      *slog.Logger
	workerID    string
	source      DeliverySource
	reporter    ResultReporter
	sweeps      Sweeps
	locker      Locker
	schedule    Schedule
	concurrency int
	jobTimeout  time.Duration
	cron        *cron.Cron
	jobsChan    chan *resultMessage
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	locker := cfg.Locker
	if locker == nil {
		locker = LocalLocker{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	w := &Worker{
		logger:      cfg.Logger,
		workerID:    cfg.WorkerID,
		source:      cfg.Source,
		reporter:    cfg.Reporter,
		sweeps:      cfg.Sweeps,
		locker:      locker,
		schedule:    cfg.Schedule,
		concurrency: concurrency,
		jobTimeout:  cfg.JobTimeout,
		jobsChan:    make(chan *resultMessage, concurrency),
		stopChan:    make(chan struct{}),
	}
	w.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{w.logger}),
		cron.SkipIfStillRunning(cronLogger{w.logger}),
	))
	return w
}

// Start registers the sweeps, starts consuming results and blocks until ctx is done
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if err := w.registerSweeps(ctx); err != nil {
		return err
	}

	var deliveries <-chan amqp.Delivery
	if w.source != nil {
		var err error
		deliveries, err = w.setupConsumer()
		if err != nil {
			return err
		}
		w.spawnWorkerPool(ctx)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startMessageDispatcher(ctx, deliveries)
		}()
	}

	w.cron.Start()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	return nil
}

// Stop waits for scheduled sweeps and in-flight results to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		<-w.cron.Stop().Done()
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) registerSweeps(ctx context.Context) error {
	limit := w.schedule.SweepLimit

	sweeps := []struct {
		name string
		spec string
		run  func(context.Context) error
		ok   bool
	}{
		{"health_check", w.schedule.HealthCheck, w.runHealthCheck, w.sweeps.Health != nil},
		{"dispatch_sweep", w.schedule.DispatchSweep, func(ctx context.Context) error {
			res, err := w.sweeps.Dispatch.Sweep(ctx, limit)
			if err == nil && res.Dispatched > 0 {
				w.logger.Info("Dispatch sweep assigned jobs", slog.Int("dispatched", res.Dispatched))
			}
			return err
		}, w.sweeps.Dispatch != nil},
		{"retry_sweep", w.schedule.RetrySweep, func(ctx context.Context) error {
			jobs, err := w.sweeps.Retry.RetryDue(ctx, limit)
			if err == nil && len(jobs) > 0 {
				w.logger.Info("Retry sweep requeued jobs", slog.Int("count", len(jobs)))
			}
			return err
		}, w.sweeps.Retry != nil},
		{"alert_sweep", w.schedule.AlertSweep, func(ctx context.Context) error {
			alerts, err := w.sweeps.Alerts.SweepUnalerted(ctx, limit)
			if err == nil && len(alerts) > 0 {
				w.logger.Info("Alert sweep raised alerts", slog.Int("count", len(alerts)))
			}
			return err
		}, w.sweeps.Alerts != nil},
	}

	for _, s := range sweeps {
		if s.spec == "" || !s.ok {
			continue
		}
		name, run := s.name, s.run
		if _, err := w.cron.AddFunc(s.spec, func() { w.runLeased(ctx, name, run) }); err != nil {
			return fmt.Errorf("failed to schedule %s %q: %w", name, s.spec, err)
		}
		w.logger.Info("Sweep scheduled",
			slog.String("sweep", name),
			slog.String("spec", s.spec),
		)
	}
	return nil
}

// runLeased runs one sweep if this replica holds its lease
func (w *Worker) runLeased(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}

	ttl := w.schedule.LeaseTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	release, ok, err := w.locker.TryLock(ctx, name, ttl)
	if err != nil {
		w.logger.Warn("Failed to acquire sweep lease",
			slog.String("sweep", name),
			slog.Any("error", err),
		)
		return
	}
	if !ok {
		w.logger.Debug("Sweep lease held elsewhere", slog.String("sweep", name))
		return
	}
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	if err := run(runCtx); err != nil {
		w.logger.Error("Sweep failed",
			slog.String("sweep", name),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) runHealthCheck(ctx context.Context) error {
	summary, err := w.sweeps.Health.RunCheck(ctx)
	if err != nil {
		return err
	}
	if len(summary.Transitions) > 0 {
		w.logger.Warn("Health check marked agents unhealthy",
			slog.Int("unhealthy", summary.UnhealthyAgents),
			slog.Int("transitions", len(summary.Transitions)),
		)
	}
	return nil
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

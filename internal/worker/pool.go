package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/channelops/internal/domain"
)

// spawnWorkerPool spawns N goroutines that apply results
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}
			w.handle(ctx, workerName, msg)
		}
	}
}

// handle applies one result and ACKs or NACKs its delivery
func (w *Worker) handle(ctx context.Context, workerName string, msg *resultMessage) {
	err := w.processResult(ctx, &msg.Result)
	if err == nil {
		if ackErr := msg.Delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.Result.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeue(err)
	w.logger.Error("Result processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.Result.JobID),
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)

	if nackErr := msg.Delivery.Nack(false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.Result.JobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeue redelivers only transient failures
func shouldRequeue(err error) bool {
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}

package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/events"
	"github.com/cuongbtq/channelops/internal/queue"
)

// processResult applies an agent's report to the job it names
func (w *Worker) processResult(ctx context.Context, result *events.JobResult) error {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	var err error
	switch result.Status {
	case events.ResultCompleted:
		err = w.complete(ctx, result)
	case events.ResultFailed:
		err = w.fail(ctx, result)
	default:
		err = domain.NewValidationError("unknown result status " + result.Status)
	}
	return classify(err)
}

func (w *Worker) complete(ctx context.Context, result *events.JobResult) error {
	outcome, err := w.reporter.Complete(ctx, result.JobID, queue.CompleteRequest{
		AgentID: result.AgentID,
		Result:  result.Result,
	})
	if err != nil {
		return err
	}

	attrs := []any{
		slog.String("job_id", outcome.Job.ID),
		slog.String("agent_id", result.AgentID),
	}
	if outcome.NextAssignment != nil {
		attrs = append(attrs, slog.String("next_job_id", outcome.NextAssignment.JobID))
	}
	w.logger.Info("Completion applied", attrs...)
	return nil
}

func (w *Worker) fail(ctx context.Context, result *events.JobResult) error {
	outcome, err := w.reporter.Fail(ctx, result.JobID, queue.FailRequest{
		AgentID: result.AgentID,
		Error:   result.Error,
		Details: result.ErrorDetails,
	})
	if err != nil {
		return err
	}

	w.logger.Info("Failure applied",
		slog.String("job_id", outcome.Job.ID),
		slog.String("agent_id", result.AgentID),
		slog.String("status", string(outcome.Job.Status)),
		slog.Int("attempts", outcome.Job.Attempts),
	)
	if outcome.AlertError != nil {
		w.logger.Warn("DLQ alert not raised; alert sweep will retry",
			slog.String("job_id", outcome.Job.ID),
			slog.Any("error", outcome.AlertError),
		)
	}
	return nil
}

// classify marks errors worth a redelivery. Stale or duplicate reports and
// malformed input are dropped.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsNotFound(err) || domain.IsValidation(err) || errors.Is(err, domain.ErrInvalidStateTransition) {
		return err
	}
	return domain.NewRetryableError(err)
}

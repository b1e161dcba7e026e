package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/channelops/internal/events"
)

// resultMessage is a decoded agent report paired with its delivery for ACK/NACK
type resultMessage struct {
	Result   events.JobResult
	Delivery amqp.Delivery
}

// setupConsumer starts consuming from the result queue
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)
	return deliveries, nil
}

// decodeResult parses and validates a delivery body
func decodeResult(body []byte) (events.JobResult, error) {
	var result events.JobResult
	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("failed to parse message JSON: %w", err)
	}
	if err := result.Validate(); err != nil {
		return result, err
	}
	if _, err := uuid.Parse(result.JobID); err != nil {
		return result, fmt.Errorf("invalid job_id %q: %w", result.JobID, err)
	}
	return result, nil
}

// startMessageDispatcher hands decoded deliveries to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			result, err := decodeResult(delivery.Body)
			if err != nil {
				w.logger.Error("Discarding malformed result message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages go to the broker's dead-letter exchange
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &resultMessage{Result: result, Delivery: delivery}:
				w.logger.Debug("Result dispatched to worker pool",
					slog.String("job_id", result.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching result")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

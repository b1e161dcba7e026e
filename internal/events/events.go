// Package events defines the RabbitMQ message formats and publishes
// assignments and DLQ alert events onto the topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/channelops/internal/dispatch"
	"github.com/cuongbtq/channelops/internal/domain"
)

// Routing keys on the topic exchange
const (
	AssignmentKeyPrefix  = "agent."
	ResultKey            = "job.result"
	AlertCreatedKey      = "dlq.alert.created"
	AlertAcknowledgedKey = "dlq.alert.acknowledged"

	contentTypeJSON = "application/json"
)

// Result statuses reported by agents
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// AssignmentKey is the routing key an agent binds to for its own work
func AssignmentKey(agentID string) string {
	return AssignmentKeyPrefix + agentID
}

// JobResult is the report an agent publishes when an attempt finishes
type JobResult struct {
	JobID        string          `json:"job_id"`
	AgentID      string          `json:"agent_id"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorDetails json.RawMessage `json:"error_details,omitempty"`
}

// Validate checks the report for required fields
func (r *JobResult) Validate() error {
	if r.JobID == "" {
		return domain.NewValidationError("job_id is required")
	}
	switch r.Status {
	case ResultCompleted:
		return nil
	case ResultFailed:
		if r.Error == "" {
			return domain.NewValidationError("error is required for failed results")
		}
		return nil
	default:
		return domain.NewValidationError(fmt.Sprintf("unknown result status %q", r.Status))
	}
}

// AlertEvent is published when a DLQ alert is raised or acknowledged
type AlertEvent struct {
	Event          string     `json:"event"`
	AlertID        string     `json:"alert_id"`
	JobID          string     `json:"job_id"`
	JobType        string     `json:"job_type"`
	ErrorMessage   string     `json:"error_message"`
	Attempts       int        `json:"attempts"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newAlertEvent(event string, a *domain.DLQAlert) AlertEvent {
	return AlertEvent{
		Event:          event,
		AlertID:        a.ID,
		JobID:          a.JobID,
		JobType:        a.JobType,
		ErrorMessage:   a.ErrorMessage,
		Attempts:       a.Attempts,
		Acknowledged:   a.Acknowledged,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: a.AcknowledgedAt,
		CreatedAt:      a.CreatedAt,
	}
}

// Broker is the subset of the RabbitMQ client the publisher needs
type Broker interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Publisher implements dispatch.AssignmentPublisher and alert.Notifier
type Publisher struct {
	broker Broker
	logger *slog.Logger
}

func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger,
	}
}

func (p *Publisher) PublishAssignment(ctx context.Context, assignment *dispatch.Assignment) error {
	return p.publish(ctx, AssignmentKey(assignment.AgentID), assignment)
}

func (p *Publisher) AlertCreated(ctx context.Context, a *domain.DLQAlert) error {
	return p.publish(ctx, AlertCreatedKey, newAlertEvent(AlertCreatedKey, a))
}

func (p *Publisher) AlertAcknowledged(ctx context.Context, a *domain.DLQAlert) error {
	return p.publish(ctx, AlertAcknowledgedKey, newAlertEvent(AlertAcknowledgedKey, a))
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", routingKey, err)
	}

	if err := p.broker.PublishWithRetry(ctx, routingKey, body, contentTypeJSON); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", routingKey, err)
	}

	p.logger.Debug("Event published", slog.String("routing_key", routingKey))
	return nil
}

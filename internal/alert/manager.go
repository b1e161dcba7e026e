// Package alert raises one DLQ alert per dead-lettered job and records
// operator acknowledgements.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

// Notifier fans alert events out to operators
type Notifier interface {
	AlertCreated(ctx context.Context, alert *domain.DLQAlert) error
	AlertAcknowledged(ctx context.Context, alert *domain.DLQAlert) error
}

// Manager owns the DLQ alert lifecycle
type Manager struct {
	alerts   storage.AlertStore
	jobs     storage.JobStore
	notifier Notifier
	logger   *slog.Logger
}

// NewManager creates an alert manager. notifier may be nil.
func NewManager(alerts storage.AlertStore, jobs storage.JobStore, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		alerts:   alerts,
		jobs:     jobs,
		notifier: notifier,
		logger:   logger,
	}
}

// GenerateIfAbsent creates the alert for a DLQ job. It returns nil without
// error when the job already has an alert.
func (m *Manager) GenerateIfAbsent(ctx context.Context, job *domain.Job) (*domain.DLQAlert, error) {
	alert := domain.NewDLQAlert(job)

	created, err := m.alerts.CreateAlertIfAbsent(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq alert: %w", err)
	}

	if err := m.jobs.MarkDLQAlertSent(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to mark dlq alert sent: %w", err)
	}

	if !created {
		m.logger.Debug("DLQ alert already exists", slog.String("job_id", job.ID))
		return nil, nil
	}

	m.logger.Warn("DLQ alert raised",
		slog.String("alert_id", alert.ID),
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("attempts", alert.Attempts),
		slog.String("error", alert.ErrorMessage),
	)

	if m.notifier != nil {
		if err := m.notifier.AlertCreated(ctx, alert); err != nil {
			m.logger.Error("Failed to send DLQ alert notification",
				slog.String("alert_id", alert.ID),
				slog.Any("error", err),
			)
			return alert, nil
		}
		if err := m.alerts.MarkNotificationSent(ctx, alert.ID); err != nil {
			m.logger.Error("Failed to record DLQ alert notification",
				slog.String("alert_id", alert.ID),
				slog.Any("error", err),
			)
			return alert, nil
		}
		alert.NotificationSent = true
	}

	return alert, nil
}

// Acknowledge marks the alert handled by adminID. The first acknowledgement
// wins; later calls return the alert unchanged.
func (m *Manager) Acknowledge(ctx context.Context, alertID, adminID string) (*domain.DLQAlert, error) {
	if adminID == "" {
		return nil, domain.NewValidationError("admin id is required")
	}

	before, err := m.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if before.Acknowledged {
		return before, nil
	}

	alert, err := m.alerts.AcknowledgeAlert(ctx, alertID, adminID)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge dlq alert: %w", err)
	}

	m.logger.Info("DLQ alert acknowledged",
		slog.String("alert_id", alert.ID),
		slog.String("job_id", alert.JobID),
		slog.String("admin_id", adminID),
	)

	if m.notifier != nil {
		if err := m.notifier.AlertAcknowledged(ctx, alert); err != nil {
			m.logger.Error("Failed to publish DLQ alert acknowledgement",
				slog.String("alert_id", alert.ID),
				slog.Any("error", err),
			)
		}
	}

	return alert, nil
}

// SweepUnalerted raises alerts for DLQ jobs that reached the DLQ without one
func (m *Manager) SweepUnalerted(ctx context.Context, limit int) ([]*domain.DLQAlert, error) {
	jobs, err := m.jobs.ListUnalertedDLQ(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unalerted dlq jobs: %w", err)
	}

	alerts := make([]*domain.DLQAlert, 0, len(jobs))
	for _, job := range jobs {
		alert, err := m.GenerateIfAbsent(ctx, job)
		if err != nil {
			m.logger.Error("Failed to generate DLQ alert in sweep",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		if alert != nil {
			alerts = append(alerts, alert)
		}
	}

	if len(alerts) > 0 {
		m.logger.Info("DLQ alert sweep raised alerts", slog.Int("count", len(alerts)))
	}

	return alerts, nil
}

func (m *Manager) Get(ctx context.Context, alertID string) (*domain.DLQAlert, error) {
	return m.alerts.GetAlert(ctx, alertID)
}

func (m *Manager) List(ctx context.Context, filter storage.AlertFilter) ([]*domain.DLQAlert, error) {
	alerts, err := m.alerts.ListAlerts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list dlq alerts: %w", err)
	}
	return alerts, nil
}

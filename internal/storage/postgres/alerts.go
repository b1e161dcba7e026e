package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

func (s *Store) CreateAlertIfAbsent(ctx context.Context, alert *domain.DLQAlert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	query := `
		INSERT INTO dlq_alerts (
			id, job_id, job_type, error_message, attempts, created_at
		) VALUES (
			$1, $2, $3, $4, $5, NOW()
		)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING created_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		alert.ID,
		alert.JobID,
		alert.JobType,
		alert.ErrorMessage,
		alert.Attempts,
	).Scan(&alert.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create dlq alert: %w", err)
	}

	return true, nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*domain.DLQAlert, error) {
	var row alertRow
	query := `SELECT ` + alertColumns + ` FROM dlq_alerts WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get dlq alert: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]*domain.DLQAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM dlq_alerts WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Acknowledged != nil {
		query += fmt.Sprintf(" AND acknowledged = $%d", argIdx)
		args = append(args, *filter.Acknowledged)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, limitArg(filter.Limit))

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dlq alerts: %w", err)
	}

	alerts := make([]*domain.DLQAlert, 0, len(rows))
	for i := range rows {
		alerts = append(alerts, rows[i].toDomain())
	}
	return alerts, nil
}

func (s *Store) AcknowledgeAlert(ctx context.Context, id, adminID string) (*domain.DLQAlert, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq_alerts
		SET acknowledged = TRUE, acknowledged_by = $1, acknowledged_at = NOW()
		WHERE id = $2 AND acknowledged = FALSE
	`, adminID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge dlq alert: %w", err)
	}

	return s.GetAlert(ctx, id)
}

func (s *Store) MarkNotificationSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dlq_alerts SET notification_sent = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert notification sent: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark alert notification sent: %w", err)
	}
	if affected == 0 {
		return domain.ErrAlertNotFound
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/channelops/internal/domain"
)

func (s *Store) CreateSession(ctx context.Context, session *domain.StreamSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = domain.StreamSessionLive
	}

	return s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO stream_sessions (
				id, event_id, account_id, status, reconnect_attempts,
				last_disconnect_at, failure_reason, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, NOW(), NOW()
			)
			RETURNING created_at, updated_at
		`,
			session.ID,
			session.EventID,
			session.AccountID,
			session.Status,
			session.ReconnectAttempts,
			session.LastDisconnectAt,
			session.FailureReason,
		).Scan(&session.CreatedAt, &session.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create stream session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO live_events (id, status, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (id) DO NOTHING
		`, session.EventID, domain.StreamSessionLive)
		if err != nil {
			return fmt.Errorf("failed to create live event: %w", err)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.StreamSession, error) {
	var row sessionRow
	query := `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get stream session: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) UpdateSession(ctx context.Context, session *domain.StreamSession) error {
	query := `
		UPDATE stream_sessions SET
			status = $1,
			reconnect_attempts = $2,
			last_disconnect_at = $3,
			failure_reason = $4,
			updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`

	err := s.db.QueryRowxContext(ctx, query,
		session.Status,
		session.ReconnectAttempts,
		session.LastDisconnectAt,
		session.FailureReason,
		session.ID,
	).Scan(&session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update stream session: %w", err)
	}

	return nil
}

func (s *Store) SetEventStatus(ctx context.Context, eventID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_events (id, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()
	`, eventID, status)
	if err != nil {
		return fmt.Errorf("failed to set live event status: %w", err)
	}
	return nil
}

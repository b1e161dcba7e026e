// Package postgres implements storage.Store on PostgreSQL. Every status
// change is a conditional UPDATE so concurrent callers see at most one winner.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/channelops/internal/storage"
	"github.com/cuongbtq/channelops/shared/postgresql"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

type Store struct {
	pg     *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStore(pg *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		pg:     pg,
		db:     pg.GetDB(),
		logger: logger,
	}
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

// nullJSON maps an empty raw message to SQL NULL
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as no limit
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

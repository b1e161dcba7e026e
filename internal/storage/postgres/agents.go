package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/channelops/internal/domain"
)

func (s *Store) Upsert(ctx context.Context, reg domain.AgentRegistration) (*domain.Agent, error) {
	metadata, err := encodeMetadata(reg.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO agents (
			id, credential_hash, hostname, ip_address, agent_type,
			status, current_load, max_capacity, metadata,
			last_heartbeat, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, 0, $7, $8,
			NOW(), NOW(), NOW()
		)
		ON CONFLICT (credential_hash) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip_address = EXCLUDED.ip_address,
			agent_type = EXCLUDED.agent_type,
			max_capacity = EXCLUDED.max_capacity,
			metadata = COALESCE(EXCLUDED.metadata, agents.metadata),
			status = EXCLUDED.status,
			last_heartbeat = NOW(),
			updated_at = NOW()
		RETURNING ` + agentColumns

	var row agentRow
	err = s.db.GetContext(ctx, &row, query,
		uuid.NewString(),
		reg.CredentialHash,
		reg.Hostname,
		reg.IPAddress,
		reg.AgentType,
		domain.AgentStatusHealthy,
		reg.MaxCapacity,
		metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	return row.toDomain()
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var row agentRow
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	return row.toDomain()
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	return s.selectAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
}

func (s *Store) Heartbeat(ctx context.Context, id string, currentLoad int, metadata map[string]any) (*domain.Agent, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE agents SET
			current_load = GREATEST($1, 0),
			metadata = COALESCE($2::jsonb, metadata),
			status = $3,
			last_heartbeat = NOW(),
			updated_at = NOW()
		WHERE id = $4
		RETURNING ` + agentColumns

	var row agentRow
	if err := s.db.GetContext(ctx, &row, query, currentLoad, encoded, domain.AgentStatusHealthy, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return row.toDomain()
}

func (s *Store) HealthyAgents(ctx context.Context) ([]*domain.Agent, error) {
	return s.selectAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = $1 ORDER BY created_at, id`,
		domain.AgentStatusHealthy)
}

func (s *Store) StaleAgents(ctx context.Context, threshold time.Duration) ([]*domain.Agent, error) {
	return s.selectAgents(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE last_heartbeat IS NULL
		   OR last_heartbeat < NOW() - make_interval(secs => $1)
		ORDER BY created_at, id
	`, threshold.Seconds())
}

func (s *Store) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) error {
	return s.updateAgent(ctx, "failed to set agent status",
		`UPDATE agents SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
}

// MarkUnhealthyIfStale re-checks the heartbeat in the UPDATE itself. No row
// affected means a heartbeat won the race or the agent is gone.
func (s *Store) MarkUnhealthyIfStale(ctx context.Context, id string, threshold time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = $1, updated_at = NOW()
		WHERE id = $2
		  AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - make_interval(secs => $3))
	`, domain.AgentStatusUnhealthy, id, threshold.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to mark agent unhealthy: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark agent unhealthy: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) AdjustLoad(ctx context.Context, id string, delta int) error {
	return s.updateAgent(ctx, "failed to adjust agent load",
		`UPDATE agents SET current_load = GREATEST(current_load + $1, 0), updated_at = NOW() WHERE id = $2`, delta, id)
}

func (s *Store) selectAgents(ctx context.Context, query string, args ...interface{}) ([]*domain.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agentsToDomain(rows)
}

func (s *Store) updateAgent(ctx context.Context, errPrefix, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", errPrefix, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", errPrefix, err)
	}
	if affected == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/channelops/internal/domain"
	"github.com/cuongbtq/channelops/internal/storage"
)

func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobStatusQueued

	query := `
		INSERT INTO jobs (
			id, job_type, payload, priority, status, attempts, max_attempts,
			scheduled_at, workflow_id, parent_job_id, next_job_id,
			user_id, account_id, created_at, updated_at
		) VALUES (
			$1, $2, COALESCE($3::jsonb, '{}'::jsonb), $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowxContext(
		ctx,
		query,
		job.ID,
		job.JobType,
		nullJSON(job.Payload),
		job.Priority,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.ScheduledAt,
		job.WorkflowID,
		job.ParentJobID,
		job.NextJobID,
		job.UserID,
		job.AccountID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) List(ctx context.Context, filter storage.JobFilter) (*storage.JobPage, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	// Filters
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argIdx)
		args = append(args, filter.AccountID)
		argIdx++
	}

	if filter.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filter.WorkflowID)
		argIdx++
	}

	if filter.CreatedFrom != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filter.CreatedFrom)
		argIdx++
	}

	if filter.CreatedTo != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *filter.CreatedTo)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	pageSize := filter.NormalizedPageSize()
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := &storage.JobPage{}
	if len(rows) > pageSize {
		page.HasMore = true
		rows = rows[:pageSize]
	}
	page.Jobs = jobsToDomain(rows)
	if page.HasMore {
		page.NextCursor = storage.EncodeJobCursor(storage.CursorFor(page.Jobs[len(page.Jobs)-1]))
	}

	return page, nil
}

func (s *Store) NextReady(ctx context.Context, jobType string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1
		  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
	`
	args := []interface{}{domain.JobStatusQueued}
	if jobType != "" {
		query += " AND job_type = $2"
		args = append(args, jobType)
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1"

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get next ready job: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) Transition(ctx context.Context, id string, from []domain.JobStatus, to domain.JobStatus, opts storage.TransitionOptions) (*domain.Job, error) {
	return transition(ctx, s.db, id, from, to, opts)
}

// transition issues the conditional UPDATE for a status change. When no row
// matches it distinguishes a missing job from one in a disallowed status.
func transition(ctx context.Context, q sqlx.QueryerContext, id string, from []domain.JobStatus, to domain.JobStatus, opts storage.TransitionOptions) (*domain.Job, error) {
	sets := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{to}
	argIdx := 2

	if opts.AgentID != nil {
		sets = append(sets, fmt.Sprintf("agent_id = $%d", argIdx))
		args = append(args, *opts.AgentID)
		argIdx++
	}

	switch to {
	case domain.JobStatusProcessing:
		sets = append(sets,
			"attempts = attempts + 1",
			"started_at = COALESCE(started_at, NOW())",
			"completed_at = NULL",
			"scheduled_at = NULL",
		)
	case domain.JobStatusCompleted:
		sets = append(sets, "completed_at = NOW()", fmt.Sprintf("result = $%d", argIdx))
		args = append(args, nullJSON(opts.Result))
		argIdx++
	case domain.JobStatusFailed, domain.JobStatusDLQ:
		sets = append(sets,
			"completed_at = NOW()",
			fmt.Sprintf("error = $%d", argIdx),
			fmt.Sprintf("error_details = $%d", argIdx+1),
			fmt.Sprintf("scheduled_at = $%d", argIdx+2),
		)
		args = append(args, opts.Error, nullJSON(opts.Details), opts.ScheduledAt)
		argIdx += 3
	case domain.JobStatusQueued:
		sets = append(sets, fmt.Sprintf("scheduled_at = $%d", argIdx))
		args = append(args, opts.ScheduledAt)
		argIdx++
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + fmt.Sprintf(" WHERE id = $%d", argIdx)
	args = append(args, id)
	argIdx++

	if len(from) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(statusStrings(from)))
		argIdx++
	}
	if opts.OwnerAgentID != "" {
		query += fmt.Sprintf(" AND agent_id = $%d", argIdx)
		args = append(args, opts.OwnerAgentID)
	}
	query += " RETURNING " + jobColumns

	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, query, args...)
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition job to %s: %w", to, err)
	}

	current, getErr := getJob(ctx, q, id)
	if getErr != nil {
		return nil, getErr
	}
	if opts.OwnerAgentID != "" && (len(from) == 0 || slices.Contains(from, current.Status)) && !current.OwnedBy(opts.OwnerAgentID) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotJobOwner, id)
	}
	return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidStateTransition, id, current.Status)
}

func (s *Store) Assign(ctx context.Context, jobID, agentID string, from []domain.JobStatus) (*domain.Job, error) {
	var assigned *domain.Job

	err := s.pg.WithTx(ctx, func(tx *sqlx.Tx) error {
		var due bool
		err := tx.GetContext(ctx, &due, `
			SELECT scheduled_at IS NULL OR scheduled_at <= NOW()
			FROM jobs
			WHERE id = $1
			FOR UPDATE
		`, jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if !due {
			return fmt.Errorf("%w: job %s", domain.ErrJobNotReady, jobID)
		}

		job, err := transition(ctx, tx, jobID, from, domain.JobStatusProcessing, storage.TransitionOptions{AgentID: &agentID})
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE agents
			SET current_load = current_load + 1, updated_at = NOW()
			WHERE id = $1 AND status = $2 AND current_load < max_capacity
		`, agentID, domain.AgentStatusHealthy)
		if err != nil {
			return fmt.Errorf("failed to reserve agent capacity: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to reserve agent capacity: %w", err)
		}
		if affected == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, agentID); err != nil {
				return fmt.Errorf("failed to check agent: %w", err)
			}
			if !exists {
				return domain.ErrAgentNotFound
			}
			return fmt.Errorf("%w: agent %s is at capacity or unhealthy", domain.ErrCapacityExhausted, agentID)
		}

		assigned = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return assigned, nil
}

func (s *Store) MoveToDLQ(ctx context.Context, id, reason string, failure storage.Failure) (*domain.Job, error) {
	query := `
		UPDATE jobs SET
			status = $1,
			moved_to_dlq_at = NOW(),
			completed_at = NOW(),
			dlq_reason = $2,
			error = $3,
			error_details = $4,
			dlq_alert_sent = FALSE,
			scheduled_at = NULL,
			updated_at = NOW()
		WHERE id = $5 AND status = ANY($6)
		RETURNING ` + jobColumns

	from := []string{string(domain.JobStatusProcessing), string(domain.JobStatusFailed)}

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		domain.JobStatusDLQ, reason, failure.Error, nullJSON(failure.Details), id, pq.Array(from))
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to move job to dlq: %w", err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidStateTransition, id, current.Status)
}

func (s *Store) Requeue(ctx context.Context, id string, resetAttempts bool) (*domain.Job, error) {
	query := `
		UPDATE jobs SET
			status = $1,
			result = NULL,
			error = NULL,
			error_details = NULL,
			completed_at = NULL,
			moved_to_dlq_at = NULL,
			dlq_reason = NULL,
			dlq_alert_sent = FALSE,
			agent_id = NULL,
			scheduled_at = NULL,
			attempts = CASE WHEN $2 THEN 0 ELSE attempts END,
			updated_at = NOW()
		WHERE id = $3
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, domain.JobStatusQueued, resetAttempts, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}

	return row.toDomain(), nil
}

func (s *Store) RequeueDueFailed(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		UPDATE jobs SET
			status = $1,
			agent_id = NULL,
			scheduled_at = NULL,
			completed_at = NULL,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $2
			  AND attempts < max_attempts
			  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
			ORDER BY scheduled_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, domain.JobStatusQueued, domain.JobStatusFailed, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("failed to requeue due failed jobs: %w", err)
	}

	return jobsToDomain(rows), nil
}

func (s *Store) ListProcessingByAgent(ctx context.Context, agentID string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND agent_id = $2 ORDER BY id`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, domain.JobStatusProcessing, agentID); err != nil {
		return nil, fmt.Errorf("failed to list agent jobs: %w", err)
	}

	return jobsToDomain(rows), nil
}

func (s *Store) ListUnalertedDLQ(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1 AND dlq_alert_sent = FALSE
		ORDER BY moved_to_dlq_at ASC
		LIMIT $2
	`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, domain.JobStatusDLQ, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("failed to list unalerted dlq jobs: %w", err)
	}

	return jobsToDomain(rows), nil
}

func (s *Store) MarkDLQAlertSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET dlq_alert_sent = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark dlq alert sent: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark dlq alert sent: %w", err)
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}

	return nil
}

type statusTypeCount struct {
	Status  string `db:"status"`
	JobType string `db:"job_type"`
	Count   int    `db:"count"`
}

type windowCounts struct {
	Completed       int     `db:"completed"`
	Failed          int     `db:"failed"`
	DurationSum     float64 `db:"duration_sum"`
	DurationSamples int     `db:"duration_samples"`
}

func (s *Store) Stats(ctx context.Context, window time.Duration) (*domain.QueueStats, error) {
	stats := domain.NewQueueStats(window)

	var counts []statusTypeCount
	if err := s.db.SelectContext(ctx, &counts, `
		SELECT status, job_type, COUNT(*) AS count
		FROM jobs
		GROUP BY status, job_type
	`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	for _, c := range counts {
		stats.Total += c.Count
		stats.ByStatus[domain.JobStatus(c.Status)] += c.Count
		stats.ByType[c.JobType] += c.Count
	}

	var wc windowCounts
	if err := s.db.GetContext(ctx, &wc, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'COMPLETED') AS completed,
			COUNT(*) FILTER (WHERE status IN ('FAILED', 'DLQ')) AS failed,
			COALESCE(SUM(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE status = 'COMPLETED' AND started_at IS NOT NULL), 0)::float8 AS duration_sum,
			COUNT(*) FILTER (WHERE status = 'COMPLETED' AND started_at IS NOT NULL) AS duration_samples
		FROM jobs
		WHERE completed_at >= NOW() - make_interval(secs => $1)
	`, window.Seconds()); err != nil {
		return nil, fmt.Errorf("failed to compute window stats: %w", err)
	}

	stats.CompletedInWindow = wc.Completed
	stats.FailedInWindow = wc.Failed
	stats.Finalize(wc.DurationSum, wc.DurationSamples)

	return stats, nil
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

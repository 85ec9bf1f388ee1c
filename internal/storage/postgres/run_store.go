package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// UpsertRunStart inserts or restarts a check run.
func (s *Store) UpsertRunStart(ctx context.Context, id uuid.UUID, startedAt time.Time, total int) error {
	query := `
		INSERT INTO check_runs (id, started_at, status, sources_total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, sources_total = EXCLUDED.sources_total;
	`
	_, err := s.pool.Exec(ctx, query, id, startedAt.UTC(), string(watch.RunRunning), total)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// AddRunProgress increments the counters of a running check.
func (s *Store) AddRunProgress(ctx context.Context, id uuid.UUID, delta watch.RunDelta) error {
	query := `
		UPDATE check_runs
		SET sources_checked = sources_checked + $1,
			sources_failed = sources_failed + $2,
			items_found = items_found + $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, delta.Checked, delta.Failed, delta.Items, id)
	if err != nil {
		return fmt.Errorf("failed to add run progress: %w", err)
	}
	return expectRow(tag)
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *Store) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status watch.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE check_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt.UTC(), string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return expectRow(tag)
}

// GetRun retrieves a single run by its ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (watch.CheckRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, sources_total, sources_checked, sources_failed, items_found, error_message
		FROM check_runs
		WHERE id = $1;
	`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return watch.CheckRun{}, notFound(err, "failed to get run")
	}
	return run, nil
}

// ListRuns retrieves runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]watch.CheckRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, sources_total, sources_checked, sources_failed, items_found, error_message
		FROM check_runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, pgLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []watch.CheckRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (watch.CheckRun, error) {
	var (
		run    watch.CheckRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.SourcesTotal,
		&run.SourcesChecked,
		&run.SourcesFailed,
		&run.ItemsFound,
		&run.Error,
	)
	if err != nil {
		return watch.CheckRun{}, err
	}
	run.Status = watch.RunStatus(status)
	return run, nil
}

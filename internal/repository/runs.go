package repository

import (
	"context"
	"fmt"

	"diamondscan/internal/models"
)

// CreateRun inserts a new run row. runID is caller-generated (uuid.New())
// so the scheduler can reference it before the row exists, matching the
// teacher's idempotent-insert style in postgres_leasing.go.
func (r *Repository) CreateRun(ctx context.Context, run models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.runs (id, feed, run_type, expected_workers, watermark_before, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Feed, run.RunType, run.ExpectedWorkers, run.WatermarkBefore, run.StartedAt,
	)
	return err
}

func (r *Repository) GetRun(ctx context.Context, runID string) (models.Run, error) {
	var run models.Run
	err := r.db.QueryRow(ctx, `
		SELECT id, feed, run_type, expected_workers, completed_workers, failed_workers,
		       watermark_before, watermark_after, started_at, completed_at, cancelled
		FROM app.runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.Feed, &run.RunType, &run.ExpectedWorkers, &run.CompletedWorkers,
		&run.FailedWorkers, &run.WatermarkBefore, &run.WatermarkAfter, &run.StartedAt,
		&run.CompletedAt, &run.Cancelled)
	return run, err
}

// IncrementWorkerCounter atomically bumps completed_workers or
// failed_workers and returns the post-increment totals, so the caller can
// detect "last worker done" without a separate read (spec §5 SERIALIZABLE
// counter requirement).
func (r *Repository) IncrementWorkerCounter(ctx context.Context, runID string, success bool) (completed, failed, expected int, err error) {
	column := "completed_workers"
	if !success {
		column = "failed_workers"
	}
	query := fmt.Sprintf(`
		UPDATE app.runs
		SET %s = %s + 1
		WHERE id = $1
		RETURNING completed_workers, failed_workers, expected_workers`, column, column)
	err = r.db.QueryRow(ctx, query, runID).Scan(&completed, &failed, &expected)
	return completed, failed, expected, err
}

// MarkRunCompleted records the run's terminal watermark and completion
// timestamp. Called only when consolidation fully succeeds (SPEC_FULL.md
// §9 decision: advance watermark on full success only).
func (r *Repository) MarkRunCompleted(ctx context.Context, runID string, watermarkAfter interface{}) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.runs SET watermark_after = $2, completed_at = NOW() WHERE id = $1`,
		runID, watermarkAfter,
	)
	return err
}

func (r *Repository) ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, feed, run_type, expected_workers, completed_workers, failed_workers,
		       watermark_before, watermark_after, started_at, completed_at, cancelled
		FROM app.runs WHERE feed = $1 ORDER BY started_at DESC LIMIT $2`, feed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		if err := rows.Scan(&run.ID, &run.Feed, &run.RunType, &run.ExpectedWorkers, &run.CompletedWorkers,
			&run.FailedWorkers, &run.WatermarkBefore, &run.WatermarkAfter, &run.StartedAt,
			&run.CompletedAt, &run.Cancelled); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

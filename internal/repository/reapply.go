package repository

import (
	"context"
	"fmt"

	"diamondscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// CreateReapplyJob inserts a new job row; the unique partial index on
// (kind) WHERE status IN ('pending','running') enforces spec §4.5's
// single-job-per-kind concurrency gate at the database level.
func (r *Repository) CreateReapplyJob(ctx context.Context, job models.ReapplyJob) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.reapply_jobs (kind, status, feeds_affected, trigger_type, trigger_rule_snapshot)
		VALUES ($1, 'pending', $2, $3, $4)
		RETURNING id`,
		job.Kind, job.FeedsAffected, job.TriggerType, sanitizeJSONB(job.TriggerRuleSnapshot),
	).Scan(&id)
	return id, err
}

func (r *Repository) GetReapplyJob(ctx context.Context, id int64) (models.ReapplyJob, error) {
	var job models.ReapplyJob
	err := r.db.QueryRow(ctx, `
		SELECT id, kind, status, total, processed, updated, failed, feeds_affected,
		       trigger_type, trigger_rule_snapshot, created_at, last_progress_at, completed_at
		FROM app.reapply_jobs WHERE id = $1`, id,
	).Scan(&job.ID, &job.Kind, &job.Status, &job.Total, &job.Processed, &job.Updated, &job.Failed,
		&job.FeedsAffected, &job.TriggerType, &job.TriggerRuleSnapshot, &job.CreatedAt,
		&job.LastProgressAt, &job.CompletedAt)
	return job, err
}

// ListRunningReapplyJobs returns every job still pending or running, for
// the stall-watchdog to check against models.IsStalled.
func (r *Repository) ListRunningReapplyJobs(ctx context.Context) ([]models.ReapplyJob, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, status, total, processed, updated, failed, feeds_affected,
		       trigger_type, trigger_rule_snapshot, created_at, last_progress_at, completed_at
		FROM app.reapply_jobs WHERE status IN ('pending', 'running')`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ReapplyJob
	for rows.Next() {
		var job models.ReapplyJob
		if err := rows.Scan(&job.ID, &job.Kind, &job.Status, &job.Total, &job.Processed, &job.Updated, &job.Failed,
			&job.FeedsAffected, &job.TriggerType, &job.TriggerRuleSnapshot, &job.CreatedAt,
			&job.LastProgressAt, &job.CompletedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *Repository) StartReapplyJob(ctx context.Context, id int64, total int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs SET status = 'running', total = $2, last_progress_at = NOW() WHERE id = $1`,
		id, total,
	)
	return err
}

// AdvanceReapplyProgress bumps the job's counters after one batch and
// resets the stall clock (spec §4.5 stall detection via last_progress_at).
func (r *Repository) AdvanceReapplyProgress(ctx context.Context, id int64, processedDelta, updatedDelta, failedDelta int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs
		SET processed = processed + $2, updated = updated + $3, failed = failed + $4, last_progress_at = NOW()
		WHERE id = $1`,
		id, processedDelta, updatedDelta, failedDelta,
	)
	return err
}

func (r *Repository) CompleteReapplyJob(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs SET status = 'completed', completed_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *Repository) FailReapplyJob(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.reapply_jobs SET status = 'failed', completed_at = NOW() WHERE id = $1`, id)
	return err
}

// InsertReapplySnapshots records each affected diamond's pre-change values
// before the job mutates them, so Revert can restore them exactly.
func (r *Repository) InsertReapplySnapshots(ctx context.Context, jobID int64, snapshots []models.ReapplySnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range snapshots {
		batch.Queue(`
			INSERT INTO app.reapply_snapshots (job_id, diamond_id, pre_retail_price, pre_markup_ratio, pre_rating)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id, diamond_id) DO NOTHING`,
			jobID, s.DiamondID, s.PreRetailPrice, s.PreMarkupRatio, s.PreRating,
		)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(snapshots); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert reapply snapshot batch: %w", err)
		}
	}
	return nil
}

// RevertReapplyJob restores every snapshotted diamond to its pre-job
// values inside one transaction and marks the job reverted. Grounded
// directly on the teacher's RollbackFromHeight: a bounded, surgical,
// transactional multi-row restore rather than a blanket re-derive.
func (r *Repository) RevertReapplyJob(ctx context.Context, jobID int64) (restored int64, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE app.diamonds d
		SET retail_price = s.pre_retail_price,
		    markup_ratio = s.pre_markup_ratio,
		    rating = s.pre_rating,
		    updated_at = NOW()
		FROM app.reapply_snapshots s
		WHERE s.job_id = $1 AND s.diamond_id = d.id`,
		jobID,
	)
	if err != nil {
		return 0, fmt.Errorf("revert diamonds: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE app.reapply_jobs SET status = 'reverted' WHERE id = $1`, jobID); err != nil {
		return 0, fmt.Errorf("mark job reverted: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// HasActiveReapplyJob checks the single-job-per-kind gate before the
// engine even attempts the unique-index insert, giving a clean application
// error instead of a raw constraint violation.
func (r *Repository) HasActiveReapplyJob(ctx context.Context, kind models.ReapplyKind) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM app.reapply_jobs WHERE kind = $1 AND status IN ('pending', 'running'))`,
		kind,
	).Scan(&exists)
	return exists, err
}

// Partition and worker-run leasing. This replaces the teacher's
// partitions.go, which managed Postgres table partitioning DDL for raw
// chain tables — a false cognate with this spec's Partition entity (a
// price-range work unit, not a storage partition). The leasing pattern
// below is grounded directly on the teacher's postgres_leasing.go instead:
// insert-or-skip acquire, conditional reclaim of failed leases, and
// atomic complete/fail transitions.
package repository

import (
	"context"
	"fmt"

	"diamondscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// InsertPartitions bulk-inserts the partition set produced by the heatmap
// partitioner for one run, all starting in PartitionPending.
func (r *Repository) InsertPartitions(ctx context.Context, runID string, partitions []models.Partition) error {
	if len(partitions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range partitions {
		batch.Queue(`
			INSERT INTO app.partitions (run_id, partition_id, price_min, price_max, expected_records, next_offset, status)
			VALUES ($1, $2, $3, $4, $5, 0, 'pending')
			ON CONFLICT (run_id, partition_id) DO NOTHING`,
			runID, p.PartitionID, p.PriceMin, p.PriceMax, p.ExpectedRecords,
		)
	}
	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(partitions); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert partition batch: %w", err)
		}
	}
	return nil
}

// ListPartitions returns every partition for a run, ordered for resumable
// work-item publishing (spec §4.2: "publish where no WorkerRun exists yet").
func (r *Repository) ListPartitions(ctx context.Context, runID string) ([]models.Partition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT run_id, partition_id, price_min, price_max, expected_records, next_offset, status
		FROM app.partitions WHERE run_id = $1 ORDER BY partition_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Partition
	for rows.Next() {
		var p models.Partition
		if err := rows.Scan(&p.RunID, &p.PartitionID, &p.PriceMin, &p.PriceMax, &p.ExpectedRecords, &p.NextOffset, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) UpdatePartitionStatus(ctx context.Context, runID string, partitionID int, status models.PartitionStatus) error {
	_, err := r.db.Exec(ctx, `UPDATE app.partitions SET status = $3 WHERE run_id = $1 AND partition_id = $2`, runID, partitionID, status)
	return err
}

func (r *Repository) AdvancePartitionOffset(ctx context.Context, runID string, partitionID int, nextOffset int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.partitions SET next_offset = GREATEST(next_offset, $3) WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID, nextOffset,
	)
	return err
}

// AcquireWorkerRun attempts to claim a fresh attempt at a partition
// (insert-on-claim). Returns workerRunID == 0 on conflict (another worker
// already owns the current attempt), matching the teacher's AcquireLease.
func (r *Repository) AcquireWorkerRun(ctx context.Context, runID string, partitionID int, attempt int, workerID string, payload []byte) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.worker_runs (run_id, partition_id, worker_id, status, work_item_payload, attempt, lease_expires_at)
		VALUES ($1, $2, $3, 'running', $4, $5, NOW() + INTERVAL '10 minutes')
		ON CONFLICT (run_id, partition_id, attempt) DO NOTHING
		RETURNING id`,
		runID, partitionID, workerID, payload, attempt,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// ReclaimWorkerRun takes over a FAILED attempt whose lease has expired,
// mirroring the teacher's ReclaimLease (the row keeps its attempt slot;
// worker_id, status and lease expiry are updated).
func (r *Repository) ReclaimWorkerRun(ctx context.Context, runID string, partitionID, attempt int, workerID string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		UPDATE app.worker_runs
		SET worker_id = $4, status = 'running', lease_expires_at = NOW() + INTERVAL '10 minutes'
		WHERE run_id = $1 AND partition_id = $2 AND attempt = $3
		  AND status = 'failed' AND lease_expires_at < NOW()
		RETURNING id`,
		runID, partitionID, attempt, workerID,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return id, err
}

func (r *Repository) CompleteWorkerRun(ctx context.Context, workerRunID int64, recordsProcessed int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.worker_runs
		SET status = 'completed', records_processed = $2, completed_at = NOW()
		WHERE id = $1`,
		workerRunID, recordsProcessed,
	)
	return err
}

func (r *Repository) FailWorkerRun(ctx context.Context, workerRunID int64, errMessage string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.worker_runs
		SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1`,
		workerRunID, sanitizeForPG(errMessage),
	)
	return err
}

// LatestWorkerRun returns the highest-attempt worker_run row for a
// partition, or pgx.ErrNoRows if none exists yet.
func (r *Repository) LatestWorkerRun(ctx context.Context, runID string, partitionID int) (models.WorkerRun, error) {
	var wr models.WorkerRun
	err := r.db.QueryRow(ctx, `
		SELECT id, run_id, partition_id, worker_id, status, records_processed, error_message,
		       work_item_payload, started_at, completed_at
		FROM app.worker_runs
		WHERE run_id = $1 AND partition_id = $2
		ORDER BY attempt DESC LIMIT 1`,
		runID, partitionID,
	).Scan(&wr.ID, &wr.RunID, &wr.PartitionID, &wr.WorkerID, &wr.Status, &wr.RecordsProcessed,
		&wr.ErrorMessage, &wr.WorkItemPayload, &wr.StartedAt, &wr.CompletedAt)
	return wr, err
}

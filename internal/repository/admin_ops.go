// Operator-triggered mutations that touch more than one table: run
// cancellation, run deletion, and partition retry. Grounded on the
// teacher's internal/repository/rollback.go transactional multi-row
// cascade shape (RollbackFromHeight touching blocks+transactions+events
// in one transaction); here the cascade is runs+partitions+worker_runs.
package repository

import (
	"context"
	"fmt"

	"diamondscan/internal/models"
)

// CancelRunCascade implements spec §5's cancellation cascade: the run
// and every pending/running partition and worker run for it flip to
// cancelled in one transaction. Workers do not read the flag: a worker
// already processing one of the run's partitions keeps paging and then
// records its own completed or failed status.
func (r *Repository) CancelRunCascade(ctx context.Context, runID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE app.runs SET cancelled = TRUE, completed_at = NOW() WHERE id = $1`, runID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE app.partitions SET status = 'cancelled'
		WHERE run_id = $1 AND status IN ('pending', 'running')`, runID,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE app.worker_runs SET status = 'cancelled'
		WHERE run_id = $1 AND status = 'running'`, runID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteRun permanently removes a run and its partitions/worker runs.
// Callers must check Run.Status() == failed first (spec §6
// /triggers/delete-run); raw items are retained since they may already
// have been overwritten by a later run against the same feed.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM app.worker_runs WHERE run_id = $1`, runID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM app.partitions WHERE run_id = $1`, runID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM app.runs WHERE id = $1`, runID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListFailedPartitions returns every partition in a run eligible for
// retry (optionally scoped to one partitionID), used by
// /triggers/retry-workers to decide what to republish.
func (r *Repository) ListFailedPartitions(ctx context.Context, runID string, partitionID *int) ([]models.Partition, error) {
	query := `
		SELECT run_id, partition_id, price_min, price_max, expected_records, next_offset, status
		FROM app.partitions WHERE run_id = $1 AND status = 'failed'`
	args := []interface{}{runID}
	if partitionID != nil {
		query += " AND partition_id = $2"
		args = append(args, *partitionID)
	}

	rows, err := r.db.Query(ctx, query, args...)
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

// ResetPartitionToPending flips a failed partition back to pending so
// the scheduler's PublishPending republishes it, resuming from
// next_offset rather than from zero (spec §4.2/§6 retry-workers).
func (r *Repository) ResetPartitionToPending(ctx context.Context, runID string, partitionID int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.partitions SET status = 'pending'
		WHERE run_id = $1 AND partition_id = $2 AND status = 'failed'`,
		runID, partitionID,
	)
	return err
}

// ResetFailedRawItems flips failed raw items for a run back to
// unconsolidated (spec §4.4 "Resume" path), so a re-dispatched
// consolidate message with force=false still picks them up.
func (r *Repository) ResetFailedRawItems(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.raw_items SET consolidated = 'false' WHERE run_id = $1 AND consolidated = 'failed'`,
		runID,
	)
	return err
}

// ListDiamonds is the storefront browsing query: simple feed/availability
// filters plus pagination, distinct from the operator-only declarative
// query-filter AST in internal/api's table-query handler.
func (r *Repository) ListDiamonds(ctx context.Context, feed string, availability models.Availability, limit, offset int) ([]models.Diamond, error) {
	query := `
		SELECT id, feed, supplier_stone_id, shape, color, clarity, cut, polish, symmetry,
		       fluorescence, lab, lab_grown, fancy_color, carat_weight, "table", depth,
		       crown_angle, pavilion_angle, girdle_thickness, culet, length, width, ratio,
		       certificate_number, media_urls, supplier_price, price_per_carat, retail_price,
		       markup_ratio, rating, availability, hold_id, status, created_at, updated_at
		FROM app.diamonds WHERE status = 'active'`
	args := []interface{}{}
	if feed != "" {
		args = append(args, feed)
		query += fmt.Sprintf(" AND feed = $%d", len(args))
	}
	if availability != "" {
		args = append(args, availability)
		query += fmt.Sprintf(" AND availability = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Diamond
	for rows.Next() {
		var d models.Diamond
		if err := rows.Scan(&d.ID, &d.Feed, &d.SupplierStoneID, &d.Shape, &d.Color, &d.Clarity, &d.Cut,
			&d.Polish, &d.Symmetry, &d.Fluorescence, &d.Lab, &d.LabGrown, &d.FancyColor, &d.CaratWeight,
			&d.Table, &d.Depth, &d.CrownAngle, &d.PavilionAngle, &d.GirdleThickness, &d.Culet, &d.Length,
			&d.Width, &d.Ratio, &d.CertificateNumber, &d.MediaURLs, &d.SupplierPrice, &d.PricePerCarat,
			&d.RetailPrice, &d.MarkupRatio, &d.Rating, &d.Availability, &d.HoldID, &d.Status,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueryTable executes a pre-validated filter AST (built and whitelisted
// by internal/api) against one of the tables operators may inspect. The
// table name and column names have already been checked against a
// closed allow-list by the caller; this just assembles parameterized
// SQL from the AST, never interpolating user-controlled identifiers.
func (r *Repository) QueryTable(ctx context.Context, table string, whereSQL string, args []interface{}, limit int) ([]map[string]interface{}, error) {
	query := fmt.Sprintf("SELECT * FROM app.%s", table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]interface{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

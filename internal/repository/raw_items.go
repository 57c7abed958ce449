package repository

import (
	"context"
	"fmt"

	"diamondscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// UpsertRawItems bulk-upserts raw staging rows for one partition's page of
// results, keyed by (feed, supplier_stone_id) so re-fetching an overlapping
// page on retry is a no-op update rather than a duplicate (spec §8
// testable property #4, idempotent upserts). Grounded on the teacher's
// UpsertTokenTransfers pgx.Batch pattern.
func (r *Repository) UpsertRawItems(ctx context.Context, items []models.RawItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			INSERT INTO raw.items (feed, supplier_stone_id, run_id, offer_id, source_updated_at, payload, payload_hash, consolidated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'false')
			ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
				run_id = EXCLUDED.run_id,
				offer_id = EXCLUDED.offer_id,
				source_updated_at = EXCLUDED.source_updated_at,
				payload = EXCLUDED.payload,
				payload_hash = EXCLUDED.payload_hash,
				consolidated = CASE
					WHEN raw.items.payload_hash = EXCLUDED.payload_hash THEN raw.items.consolidated
					ELSE 'false'
				END`,
			it.Feed, it.SupplierStoneID, it.RunID, it.OfferID, it.SourceUpdatedAt,
			sanitizeJSONB(it.Payload), it.PayloadHash,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < len(items); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert raw items batch: %w", err)
		}
	}
	return nil
}

// GetUnconsolidatedRawItems fetches a bounded, keyset-paginated batch of
// raw items for one run: unconsolidated (false/failed) by default, or
// every item (including already-consolidated ones) when force is true
// (spec §4.4 force re-consolidate mode). The afterSupplierStoneID cursor
// always advances past processed rows within a single consolidation
// pass, so a row that flips false -> failed mid-pass is never refetched
// in the same pass (only a later, separate resume call revisits it).
func (r *Repository) GetUnconsolidatedRawItems(ctx context.Context, runID string, force bool, afterSupplierStoneID string, limit int) ([]models.RawItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT feed, supplier_stone_id, run_id, offer_id, source_updated_at, payload, payload_hash, consolidated, consolidate_error
		FROM raw.items
		WHERE run_id = $1 AND supplier_stone_id > $2 AND ($3 OR consolidated != 'true')
		ORDER BY supplier_stone_id
		LIMIT $4`,
		runID, afterSupplierStoneID, force, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RawItem
	for rows.Next() {
		var it models.RawItem
		if err := rows.Scan(&it.Feed, &it.SupplierStoneID, &it.RunID, &it.OfferID, &it.SourceUpdatedAt,
			&it.Payload, &it.PayloadHash, &it.Consolidated, &it.ConsolidateError); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repository) MarkRawItemConsolidated(ctx context.Context, feed, supplierStoneID string, state models.ConsolidationState, errMessage string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE raw.items SET consolidated = $3, consolidate_error = $4
		WHERE feed = $1 AND supplier_stone_id = $2`,
		feed, supplierStoneID, state, sanitizeForPG(errMessage),
	)
	return err
}

// CountRawItemsByConsolidationState supports the scheduler/consolidator's
// success-percentage check (spec §4.4, CONSOLIDATE_MIN_SUCCESS_PCT).
func (r *Repository) CountRawItemsByConsolidationState(ctx context.Context, runID string) (total, succeeded, failed int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE consolidated = 'true'),
			COUNT(*) FILTER (WHERE consolidated = 'failed')
		FROM raw.items WHERE run_id = $1`,
		runID,
	).Scan(&total, &succeeded, &failed)
	return total, succeeded, failed, err
}

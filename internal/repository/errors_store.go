package repository

import (
	"context"

	"diamondscan/internal/models"
)

// LogError persists a failure to the append-only error log. Grounded on
// the teacher's LogIndexingError, retargeted from (worker_name, height,
// tx_id, error_hash) conflict-dedup to a plain append-only insert, since
// this spec has no height axis to dedupe against.
func (r *Repository) LogError(ctx context.Context, entry models.ErrorLogEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.error_log (service, message, stack, context_json)
		VALUES ($1, $2, $3, $4)`,
		entry.Service, sanitizeForPG(entry.Message), entry.Stack, sanitizeJSONB(entry.ContextJSON),
	)
	return err
}

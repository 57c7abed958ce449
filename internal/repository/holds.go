package repository

import (
	"context"
	"time"

	"diamondscan/internal/models"
)

// CreateHold places a reservation on a diamond and flips its availability
// in one transaction so the two never observably diverge.
func (r *Repository) CreateHold(ctx context.Context, holdID, diamondID string, expiresAt *time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO app.holds (id, diamond_id, status, expires_at) VALUES ($1, $2, 'active', $3)`,
		holdID, diamondID, expiresAt,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE app.diamonds SET availability = 'on_hold', hold_id = $2, updated_at = NOW() WHERE id = $1`,
		diamondID, holdID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ReleaseHold(ctx context.Context, holdID, diamondID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE app.holds SET status = 'released' WHERE id = $1`, holdID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE app.diamonds SET availability = 'available', hold_id = NULL, updated_at = NOW() WHERE id = $1`,
		diamondID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreatePurchase converts a hold (if any) into a sale.
func (r *Repository) CreatePurchase(ctx context.Context, purchase models.Purchase) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO app.purchases (id, diamond_id, hold_id, price) VALUES ($1, $2, $3, $4)`,
		purchase.ID, purchase.DiamondID, purchase.HoldID, purchase.Price,
	); err != nil {
		return err
	}
	if purchase.HoldID != nil {
		if _, err := tx.Exec(ctx, `UPDATE app.holds SET status = 'converted' WHERE id = $1`, *purchase.HoldID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE app.diamonds SET availability = 'sold', updated_at = NOW() WHERE id = $1`,
		purchase.DiamondID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

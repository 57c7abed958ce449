package repository

import (
	"context"

	"diamondscan/internal/models"
)

// UpsertDiamond writes the consolidated canonical record, preserving
// trading fields (availability, hold_id) across re-consolidation: a stone
// that's on hold stays on hold even if the supplier resends its listing
// (spec §4.4 "preserve trading fields").
func (r *Repository) UpsertDiamond(ctx context.Context, d models.Diamond) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO app.diamonds (
			id, feed, supplier_stone_id,
			shape, color, clarity, cut, polish, symmetry, fluorescence, lab, lab_grown, fancy_color,
			carat_weight, "table", depth, crown_angle, pavilion_angle, girdle_thickness, culet, length, width, ratio,
			certificate_number, media_urls,
			supplier_price, price_per_carat, retail_price, markup_ratio, rating,
			availability, status, created_at, updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23,
			$24, $25,
			$26, $27, $28, $29, $30,
			$31, 'active', NOW(), NOW()
		)
		ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
			shape = EXCLUDED.shape, color = EXCLUDED.color, clarity = EXCLUDED.clarity,
			cut = EXCLUDED.cut, polish = EXCLUDED.polish, symmetry = EXCLUDED.symmetry,
			fluorescence = EXCLUDED.fluorescence, lab = EXCLUDED.lab, lab_grown = EXCLUDED.lab_grown,
			fancy_color = EXCLUDED.fancy_color,
			carat_weight = EXCLUDED.carat_weight, "table" = EXCLUDED."table", depth = EXCLUDED.depth,
			crown_angle = EXCLUDED.crown_angle, pavilion_angle = EXCLUDED.pavilion_angle,
			girdle_thickness = EXCLUDED.girdle_thickness, culet = EXCLUDED.culet,
			length = EXCLUDED.length, width = EXCLUDED.width, ratio = EXCLUDED.ratio,
			certificate_number = EXCLUDED.certificate_number, media_urls = EXCLUDED.media_urls,
			supplier_price = EXCLUDED.supplier_price, price_per_carat = EXCLUDED.price_per_carat,
			retail_price = EXCLUDED.retail_price, markup_ratio = EXCLUDED.markup_ratio,
			rating = EXCLUDED.rating,
			updated_at = NOW()
			-- availability, hold_id, status are deliberately NOT overwritten: trading
			-- state survives re-consolidation.
		`,
		d.ID, d.Feed, d.SupplierStoneID,
		d.Shape, d.Color, d.Clarity, d.Cut, d.Polish, d.Symmetry, d.Fluorescence, d.Lab, d.LabGrown, d.FancyColor,
		d.CaratWeight, d.Table, d.Depth, d.CrownAngle, d.PavilionAngle, d.GirdleThickness, d.Culet, d.Length, d.Width, d.Ratio,
		d.CertificateNumber, d.MediaURLs,
		d.SupplierPrice, d.PricePerCarat, d.RetailPrice, d.MarkupRatio, d.Rating,
		d.Availability,
	)
	return err
}

func (r *Repository) GetDiamond(ctx context.Context, id string) (models.Diamond, error) {
	var d models.Diamond
	err := r.db.QueryRow(ctx, `
		SELECT id, feed, supplier_stone_id,
		       shape, color, clarity, cut, polish, symmetry, fluorescence, lab, lab_grown, fancy_color,
		       carat_weight, "table", depth, crown_angle, pavilion_angle, girdle_thickness, culet, length, width, ratio,
		       certificate_number, media_urls,
		       supplier_price, price_per_carat, retail_price, markup_ratio, rating,
		       availability, hold_id, status, created_at, updated_at
		FROM app.diamonds WHERE id = $1`, id,
	).Scan(&d.ID, &d.Feed, &d.SupplierStoneID,
		&d.Shape, &d.Color, &d.Clarity, &d.Cut, &d.Polish, &d.Symmetry, &d.Fluorescence, &d.Lab, &d.LabGrown, &d.FancyColor,
		&d.CaratWeight, &d.Table, &d.Depth, &d.CrownAngle, &d.PavilionAngle, &d.GirdleThickness, &d.Culet, &d.Length, &d.Width, &d.Ratio,
		&d.CertificateNumber, &d.MediaURLs,
		&d.SupplierPrice, &d.PricePerCarat, &d.RetailPrice, &d.MarkupRatio, &d.Rating,
		&d.Availability, &d.HoldID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// ListActiveDiamondsForReapply streams active diamonds in id order, bounded
// by limit/afterID, for the reapply engine's batch walk (spec §4.5).
func (r *Repository) ListActiveDiamondsForReapply(ctx context.Context, afterID string, limit int) ([]models.Diamond, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, feed, supplier_stone_id,
		       shape, color, clarity, cut, polish, symmetry, fluorescence, lab, lab_grown, fancy_color,
		       carat_weight, "table", depth, crown_angle, pavilion_angle, girdle_thickness, culet, length, width, ratio,
		       certificate_number, media_urls,
		       supplier_price, price_per_carat, retail_price, markup_ratio, rating,
		       availability, hold_id, status, created_at, updated_at
		FROM app.diamonds
		WHERE status = 'active' AND id > $1
		ORDER BY id
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Diamond
	for rows.Next() {
		var d models.Diamond
		if err := rows.Scan(&d.ID, &d.Feed, &d.SupplierStoneID,
			&d.Shape, &d.Color, &d.Clarity, &d.Cut, &d.Polish, &d.Symmetry, &d.Fluorescence, &d.Lab, &d.LabGrown, &d.FancyColor,
			&d.CaratWeight, &d.Table, &d.Depth, &d.CrownAngle, &d.PavilionAngle, &d.GirdleThickness, &d.Culet, &d.Length, &d.Width, &d.Ratio,
			&d.CertificateNumber, &d.MediaURLs,
			&d.SupplierPrice, &d.PricePerCarat, &d.RetailPrice, &d.MarkupRatio, &d.Rating,
			&d.Availability, &d.HoldID, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDiamondPricing applies a reapply job's new retail price/markup.
func (r *Repository) UpdateDiamondPricing(ctx context.Context, id string, retailPrice, markupRatio float64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.diamonds SET retail_price = $2, markup_ratio = $3, updated_at = NOW() WHERE id = $1`,
		id, retailPrice, markupRatio,
	)
	return err
}

func (r *Repository) UpdateDiamondRating(ctx context.Context, id string, rating *int) error {
	_, err := r.db.Exec(ctx, `UPDATE app.diamonds SET rating = $2, updated_at = NOW() WHERE id = $1`, id, rating)
	return err
}

// SetAvailability transitions trading state; used by the holds workflow,
// never by consolidation.
func (r *Repository) SetAvailability(ctx context.Context, id string, availability models.Availability, holdID *string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.diamonds SET availability = $2, hold_id = $3, updated_at = NOW() WHERE id = $1`,
		id, availability, holdID,
	)
	return err
}

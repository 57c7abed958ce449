package repository

import (
	"context"

	"diamondscan/internal/models"
)

func (r *Repository) ListActivePricingRules(ctx context.Context) ([]models.PricingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, priority, stone_type, price_min, price_max, feed, margin_modifier, rating, active
		FROM app.pricing_rules WHERE active ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PricingRule
	for rows.Next() {
		var rule models.PricingRule
		if err := rows.Scan(&rule.ID, &rule.Priority, &rule.StoneType, &rule.PriceMin, &rule.PriceMax,
			&rule.Feed, &rule.MarginModifier, &rule.Rating, &rule.Active); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) CreatePricingRule(ctx context.Context, rule models.PricingRule) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.pricing_rules (priority, stone_type, price_min, price_max, feed, margin_modifier, rating, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		rule.Priority, rule.StoneType, rule.PriceMin, rule.PriceMax, rule.Feed, rule.MarginModifier, rule.Rating, rule.Active,
	).Scan(&id)
	return id, err
}

func (r *Repository) UpdatePricingRule(ctx context.Context, rule models.PricingRule) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.pricing_rules SET
			priority = $2, stone_type = $3, price_min = $4, price_max = $5,
			feed = $6, margin_modifier = $7, rating = $8, active = $9, updated_at = NOW()
		WHERE id = $1`,
		rule.ID, rule.Priority, rule.StoneType, rule.PriceMin, rule.PriceMax,
		rule.Feed, rule.MarginModifier, rule.Rating, rule.Active,
	)
	return err
}

func (r *Repository) UpdateRatingRule(ctx context.Context, rule models.RatingRule) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.rating_rules SET
			priority = $2, rating = $3, active = $4,
			shapes = $5, colors = $6, clarities = $7, cuts = $8, polishes = $9, symmetries = $10,
			fluorescences = $11, labs = $12, lab_grown = $13,
			carat_min = $14, carat_max = $15, table_min = $16, table_max = $17, depth_min = $18, depth_max = $19,
			crown_min = $20, crown_max = $21, pavilion_min = $22, pavilion_max = $23, ratio_min = $24, ratio_max = $25,
			price_min = $26, price_max = $27, feed = $28, updated_at = NOW()
		WHERE id = $1`,
		rule.ID, rule.Priority, rule.Rating, rule.Active,
		rule.Shapes, rule.Colors, rule.Clarities, rule.Cuts, rule.Polishes, rule.Symmetries,
		rule.Fluorescences, rule.Labs, rule.LabGrown,
		rule.CaratMin, rule.CaratMax, rule.TableMin, rule.TableMax, rule.DepthMin, rule.DepthMax,
		rule.CrownMin, rule.CrownMax, rule.PavilionMin, rule.PavilionMax, rule.RatioMin, rule.RatioMax,
		rule.PriceMin, rule.PriceMax, rule.Feed,
	)
	return err
}

func (r *Repository) ListActiveRatingRules(ctx context.Context) ([]models.RatingRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, priority, rating, active,
		       shapes, colors, clarities, cuts, polishes, symmetries, fluorescences, labs, lab_grown,
		       carat_min, carat_max, table_min, table_max, depth_min, depth_max,
		       crown_min, crown_max, pavilion_min, pavilion_max, ratio_min, ratio_max,
		       price_min, price_max, feed
		FROM app.rating_rules WHERE active ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RatingRule
	for rows.Next() {
		var rule models.RatingRule
		if err := rows.Scan(&rule.ID, &rule.Priority, &rule.Rating, &rule.Active,
			&rule.Shapes, &rule.Colors, &rule.Clarities, &rule.Cuts, &rule.Polishes, &rule.Symmetries,
			&rule.Fluorescences, &rule.Labs, &rule.LabGrown,
			&rule.CaratMin, &rule.CaratMax, &rule.TableMin, &rule.TableMax, &rule.DepthMin, &rule.DepthMax,
			&rule.CrownMin, &rule.CrownMax, &rule.PavilionMin, &rule.PavilionMax, &rule.RatioMin, &rule.RatioMax,
			&rule.PriceMin, &rule.PriceMax, &rule.Feed); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *Repository) CreateRatingRule(ctx context.Context, rule models.RatingRule) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO app.rating_rules (
			priority, rating, active,
			shapes, colors, clarities, cuts, polishes, symmetries, fluorescences, labs, lab_grown,
			carat_min, carat_max, table_min, table_max, depth_min, depth_max,
			crown_min, crown_max, pavilion_min, pavilion_max, ratio_min, ratio_max,
			price_min, price_max, feed
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24,
			$25, $26, $27
		) RETURNING id`,
		rule.Priority, rule.Rating, rule.Active,
		rule.Shapes, rule.Colors, rule.Clarities, rule.Cuts, rule.Polishes, rule.Symmetries,
		rule.Fluorescences, rule.Labs, rule.LabGrown,
		rule.CaratMin, rule.CaratMax, rule.TableMin, rule.TableMax, rule.DepthMin, rule.DepthMax,
		rule.CrownMin, rule.CrownMax, rule.PavilionMin, rule.PavilionMax, rule.RatioMin, rule.RatioMax,
		rule.PriceMin, rule.PriceMax, rule.Feed,
	).Scan(&id)
	return id, err
}

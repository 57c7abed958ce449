// Package rules implements the pricing and rating evaluators (spec
// §4.4): each walks its rule set in ascending priority and returns the
// first rule whose every specified facet matches, generalizing the
// teacher's webhooks/matcher ConditionMatcher/Registry idea (string-keyed
// condition matching) to typed, strongly-specified diamond facets where
// an absent facet never disqualifies a rule.
package rules

import (
	"sort"

	"diamondscan/internal/models"
)

// RatingEvaluator walks active rating rules in ascending priority.
type RatingEvaluator struct {
	rules []models.RatingRule
}

func NewRatingEvaluator(rules []models.RatingRule) *RatingEvaluator {
	active := make([]models.RatingRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	return &RatingEvaluator{rules: active}
}

// Evaluate returns the matched rating, or nil if no rule matches (spec:
// "leave rating = null").
func (e *RatingEvaluator) Evaluate(d models.Diamond) *int {
	for _, r := range e.rules {
		if ratingRuleMatches(r, d) {
			rating := r.Rating
			return &rating
		}
	}
	return nil
}

func ratingRuleMatches(r models.RatingRule, d models.Diamond) bool {
	if len(r.Shapes) > 0 && !contains(r.Shapes, d.Shape) {
		return false
	}
	if len(r.Colors) > 0 && !contains(r.Colors, d.Color) {
		return false
	}
	if len(r.Clarities) > 0 && !contains(r.Clarities, d.Clarity) {
		return false
	}
	if len(r.Cuts) > 0 && !contains(r.Cuts, d.Cut) {
		return false
	}
	if len(r.Polishes) > 0 && !contains(r.Polishes, d.Polish) {
		return false
	}
	if len(r.Symmetries) > 0 && !contains(r.Symmetries, d.Symmetry) {
		return false
	}
	if len(r.Fluorescences) > 0 && !contains(r.Fluorescences, d.Fluorescence) {
		return false
	}
	if len(r.Labs) > 0 && !contains(r.Labs, d.Lab) {
		return false
	}
	if r.LabGrown != nil && *r.LabGrown != d.LabGrown {
		return false
	}
	if !inRange(r.CaratMin, r.CaratMax, d.CaratWeight) {
		return false
	}
	if !inRange(r.TableMin, r.TableMax, d.Table) {
		return false
	}
	if !inRange(r.DepthMin, r.DepthMax, d.Depth) {
		return false
	}
	if !inRange(r.CrownMin, r.CrownMax, d.CrownAngle) {
		return false
	}
	if !inRange(r.PavilionMin, r.PavilionMax, d.PavilionAngle) {
		return false
	}
	if !inRange(r.RatioMin, r.RatioMax, d.Ratio) {
		return false
	}
	if !inRange(r.PriceMin, r.PriceMax, d.SupplierPrice) {
		return false
	}
	if r.Feed != nil && *r.Feed != d.Feed {
		return false
	}
	return true
}

// PricingEvaluator walks active pricing rules in ascending priority and
// adds the winning margin_modifier to the stone type's base margin.
type PricingEvaluator struct {
	rules       []models.PricingRule
	baseMargins map[string]float64
}

func NewPricingEvaluator(rules []models.PricingRule, baseMargins map[string]float64) *PricingEvaluator {
	active := make([]models.PricingRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Priority < active[j].Priority })
	return &PricingEvaluator{rules: active, baseMargins: baseMargins}
}

// EffectiveMargin returns the stone's base margin plus the first matching
// rule's modifier (spec §4.4); RetailPrice computes the price from it.
func (e *PricingEvaluator) EffectiveMargin(d models.Diamond) float64 {
	stoneType := d.Classify()
	base := e.baseMargins[string(stoneType)]

	for _, r := range e.rules {
		if pricingRuleMatches(r, d, stoneType) {
			return base + r.MarginModifier
		}
	}
	return base
}

// RetailPrice applies §4.4's formula: supplier_price * (1 + margin/100).
func (e *PricingEvaluator) RetailPrice(d models.Diamond) float64 {
	margin := e.EffectiveMargin(d)
	return d.SupplierPrice * (1 + margin/100)
}

func pricingRuleMatches(r models.PricingRule, d models.Diamond, stoneType models.StoneType) bool {
	if r.StoneType != nil && *r.StoneType != stoneType {
		return false
	}
	if !inRange(r.PriceMin, r.PriceMax, d.SupplierPrice) {
		return false
	}
	if r.Feed != nil && *r.Feed != d.Feed {
		return false
	}
	if r.Rating != nil {
		if d.Rating == nil || *d.Rating != *r.Rating {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// inRange reports whether v is within [min, max] when both bounds are
// set; a nil bound on either side is unconstrained (spec: "unspecified
// facets never disqualify").
func inRange(min, max *float64, v float64) bool {
	if min != nil && v < *min {
		return false
	}
	if max != nil && v > *max {
		return false
	}
	return true
}

package rules

import (
	"testing"

	"diamondscan/internal/models"
)

func floatp(f float64) *float64 { return &f }
func intp(i int) *int           { return &i }

// TestScenarioD_RatingRulePriority implements spec §8 Scenario D: a round,
// D-color, VS1-clarity diamond matches two rules; the lower-priority one
// (10, colors D/E) wins over the higher-priority one (50, shapes ROUND).
func TestScenarioD_RatingRulePriority(t *testing.T) {
	t.Parallel()
	d := models.Diamond{Shape: "ROUND", Color: "D", Clarity: "VS1"}

	r1 := models.RatingRule{ID: 1, Priority: 10, Rating: 9, Active: true, Colors: []string{"D", "E"}}
	r2 := models.RatingRule{ID: 2, Priority: 50, Rating: 5, Active: true, Shapes: []string{"ROUND"}}

	eval := NewRatingEvaluator([]models.RatingRule{r2, r1})
	rating := eval.Evaluate(d)
	if rating == nil {
		t.Fatalf("expected a rating, got nil")
	}
	if *rating != 9 {
		t.Fatalf("expected rating 9 (priority-10 rule wins), got %d", *rating)
	}
}

// TestScenarioE_PricingRuleAndBaseMargin implements spec §8 Scenario E: a
// natural diamond at $5000 supplier price hits a rule with margin_modifier
// +6 on top of the 40% natural base margin, giving 46% effective margin
// and a $7300 retail price.
func TestScenarioE_PricingRuleAndBaseMargin(t *testing.T) {
	t.Parallel()
	d := models.Diamond{SupplierPrice: 5000, Feed: "demo"}

	natural := models.StoneNatural
	rule := models.PricingRule{
		ID: 1, Priority: 100, Active: true,
		StoneType:      &natural,
		PriceMax:       floatp(10000),
		MarginModifier: 6,
	}
	baseMargins := map[string]float64{"natural": 40, "lab": 79, "fancy": 40}

	eval := NewPricingEvaluator([]models.PricingRule{rule}, baseMargins)
	margin := eval.EffectiveMargin(d)
	if margin != 46 {
		t.Fatalf("expected effective margin 46, got %v", margin)
	}
	retail := eval.RetailPrice(d)
	if retail != 7300 {
		t.Fatalf("expected retail price 7300, got %v", retail)
	}
}

func TestPricingFallsBackToBaseMarginWhenNoRuleMatches(t *testing.T) {
	t.Parallel()
	d := models.Diamond{SupplierPrice: 1000, LabGrown: true}
	eval := NewPricingEvaluator(nil, map[string]float64{"lab": 79})
	if got := eval.EffectiveMargin(d); got != 79 {
		t.Fatalf("expected base margin 79, got %v", got)
	}
}

func TestRatingReturnsNilWhenNoRuleMatches(t *testing.T) {
	t.Parallel()
	d := models.Diamond{Shape: "PEAR", Color: "M", Clarity: "I1"}
	eval := NewRatingEvaluator([]models.RatingRule{
		{ID: 1, Priority: 1, Rating: 10, Active: true, Shapes: []string{"ROUND"}},
	})
	if got := eval.Evaluate(d); got != nil {
		t.Fatalf("expected nil rating, got %v", *got)
	}
}

func TestInactiveRulesAreIgnored(t *testing.T) {
	t.Parallel()
	d := models.Diamond{Shape: "ROUND"}
	eval := NewRatingEvaluator([]models.RatingRule{
		{ID: 1, Priority: 1, Rating: 10, Active: false, Shapes: []string{"ROUND"}},
	})
	if got := eval.Evaluate(d); got != nil {
		t.Fatalf("expected inactive rule to be skipped, got rating %v", *got)
	}
}

// TestUnspecifiedFacetsNeverDisqualify covers the invariant directly: a
// rule naming only color, with every other facet left nil, still matches
// regardless of shape/clarity/price.
func TestUnspecifiedFacetsNeverDisqualify(t *testing.T) {
	t.Parallel()
	d := models.Diamond{Shape: "EMERALD", Color: "G", Clarity: "SI2", SupplierPrice: 99999}
	eval := NewRatingEvaluator([]models.RatingRule{
		{ID: 1, Priority: 1, Rating: 7, Active: true, Colors: []string{"G"}},
	})
	rating := eval.Evaluate(d)
	if rating == nil || *rating != 7 {
		t.Fatalf("expected rating 7 from color-only rule, got %v", rating)
	}
}

// TestPriorityOrderingAcrossManyOverlappingRules is a property-style check
// (spec §8 testable property #6): among any set of matching rules, the one
// with the lowest priority value always wins, regardless of input order.
func TestPriorityOrderingAcrossManyOverlappingRules(t *testing.T) {
	t.Parallel()
	d := models.Diamond{Shape: "ROUND", Color: "D", Clarity: "VS1", CaratWeight: 1.2}

	var all []models.RatingRule
	for p := 100; p >= 1; p-- {
		all = append(all, models.RatingRule{
			ID: int64(p), Priority: p, Rating: p, Active: true, Shapes: []string{"ROUND"},
		})
	}

	eval := NewRatingEvaluator(all)
	rating := eval.Evaluate(d)
	if rating == nil || *rating != 1 {
		t.Fatalf("expected lowest-priority rule (1) to win, got %v", rating)
	}
}

func TestPricingRuleRatingFacetRequiresExactMatch(t *testing.T) {
	t.Parallel()
	rating8 := 8
	rule := models.PricingRule{ID: 1, Priority: 1, Active: true, Rating: &rating8, MarginModifier: 10}
	eval := NewPricingEvaluator([]models.PricingRule{rule}, map[string]float64{"natural": 40})

	unrated := models.Diamond{SupplierPrice: 1000}
	if got := eval.EffectiveMargin(unrated); got != 40 {
		t.Fatalf("expected unrated diamond to fall back to base margin 40, got %v", got)
	}

	rated := models.Diamond{SupplierPrice: 1000, Rating: intp(8)}
	if got := eval.EffectiveMargin(rated); got != 50 {
		t.Fatalf("expected matching-rating diamond to get modifier applied, got %v", got)
	}
}

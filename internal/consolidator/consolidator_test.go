package consolidator

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"diamondscan/internal/models"
	"diamondscan/internal/objectstore"
)

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fakeStore struct {
	items        []models.RawItem
	states       map[string]models.ConsolidationState
	diamonds     map[string]models.Diamond
	runCompleted bool
	watermarkArg interface{}
	ratingRules  []models.RatingRule
	pricingRules []models.PricingRule
}

func newFakeStore(items []models.RawItem) *fakeStore {
	states := make(map[string]models.ConsolidationState, len(items))
	for _, it := range items {
		states[it.SupplierStoneID] = it.Consolidated
	}
	return &fakeStore{items: items, states: states, diamonds: make(map[string]models.Diamond)}
}

func (f *fakeStore) GetUnconsolidatedRawItems(ctx context.Context, runID string, force bool, afterSupplierStoneID string, limit int) ([]models.RawItem, error) {
	sorted := append([]models.RawItem(nil), f.items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SupplierStoneID < sorted[j].SupplierStoneID })

	var out []models.RawItem
	for _, it := range sorted {
		if it.SupplierStoneID <= afterSupplierStoneID {
			continue
		}
		state := f.states[it.SupplierStoneID]
		if !force && state == models.ConsolidatedTrue {
			continue
		}
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkRawItemConsolidated(ctx context.Context, feed, supplierStoneID string, state models.ConsolidationState, errMessage string) error {
	f.states[supplierStoneID] = state
	return nil
}

func (f *fakeStore) UpsertDiamond(ctx context.Context, d models.Diamond) error {
	f.diamonds[d.SupplierStoneID] = d
	return nil
}

func (f *fakeStore) CountRawItemsByConsolidationState(ctx context.Context, runID string) (total, succeeded, failed int64, err error) {
	for _, it := range f.items {
		total++
		switch f.states[it.SupplierStoneID] {
		case models.ConsolidatedTrue:
			succeeded++
		case models.ConsolidatedFailed:
			failed++
		}
	}
	return total, succeeded, failed, nil
}

func (f *fakeStore) MarkRunCompleted(ctx context.Context, runID string, watermarkAfter interface{}) error {
	f.runCompleted = true
	f.watermarkArg = watermarkAfter
	return nil
}

func (f *fakeStore) ListActivePricingRules(ctx context.Context) ([]models.PricingRule, error) {
	return f.pricingRules, nil
}

func (f *fakeStore) ListActiveRatingRules(ctx context.Context) ([]models.RatingRule, error) {
	return f.ratingRules, nil
}

func goodPayload(id string) json.RawMessage {
	return json.RawMessage(`{"supplierStoneId":"` + id + `","shape":"round","color":"D","clarity":"VS1","caratWeight":1,"supplierPrice":3000,"length":6,"width":4}`)
}

func TestConsolidateRunFullSuccessAdvancesWatermark(t *testing.T) {
	t.Parallel()
	items := []models.RawItem{
		{Feed: "demo", SupplierStoneID: "a", RunID: "run-1", Payload: goodPayload("a"), Consolidated: models.ConsolidatedFalse, SourceUpdatedAt: mustParseTime("2026-01-01T00:00:00Z")},
		{Feed: "demo", SupplierStoneID: "b", RunID: "run-1", Payload: goodPayload("b"), Consolidated: models.ConsolidatedFalse, SourceUpdatedAt: mustParseTime("2026-01-02T00:00:00Z")},
	}
	store := newFakeStore(items)
	objects := objectstore.NewMemStore()
	c := New(store, objects, zap.NewNop(), Options{BatchSize: 1})

	result, err := c.ConsolidateRun(context.Background(), "run-1", "demo", false)
	if err != nil {
		t.Fatalf("ConsolidateRun: %v", err)
	}
	if result.Processed != 2 || result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !store.runCompleted {
		t.Fatalf("expected run marked completed")
	}
	if _, err := objects.Get(context.Background(), objectstore.WatermarkKey("demo")); err != nil {
		t.Fatalf("expected watermark blob persisted: %v", err)
	}
	if len(store.diamonds) != 2 {
		t.Fatalf("expected 2 diamonds upserted, got %d", len(store.diamonds))
	}
}

func TestConsolidateRunPartialFailureDoesNotAdvanceWatermark(t *testing.T) {
	t.Parallel()
	items := []models.RawItem{
		{Feed: "demo", SupplierStoneID: "a", RunID: "run-1", Payload: goodPayload("a"), Consolidated: models.ConsolidatedFalse},
		{Feed: "demo", SupplierStoneID: "b", RunID: "run-1", Payload: json.RawMessage(`{"caratWeight": 0}`), Consolidated: models.ConsolidatedFalse},
	}
	store := newFakeStore(items)
	objects := objectstore.NewMemStore()
	c := New(store, objects, zap.NewNop(), Options{})

	result, err := c.ConsolidateRun(context.Background(), "run-1", "demo", false)
	if err != nil {
		t.Fatalf("ConsolidateRun: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if store.runCompleted {
		t.Fatalf("expected run not marked completed on partial failure")
	}
	if _, err := objects.Get(context.Background(), objectstore.WatermarkKey("demo")); err == nil {
		t.Fatalf("expected no watermark blob on partial failure")
	}
	if store.states["b"] != models.ConsolidatedFailed {
		t.Fatalf("expected item b marked failed, got %v", store.states["b"])
	}
}

func TestResumeFailedItemsReconsolidatesOnlyFailedOnes(t *testing.T) {
	t.Parallel()
	items := []models.RawItem{
		{Feed: "demo", SupplierStoneID: "a", RunID: "run-1", Payload: goodPayload("a"), Consolidated: models.ConsolidatedTrue},
		{Feed: "demo", SupplierStoneID: "b", RunID: "run-1", Payload: goodPayload("b"), Consolidated: models.ConsolidatedFailed},
	}
	store := newFakeStore(items)
	objects := objectstore.NewMemStore()
	c := New(store, objects, zap.NewNop(), Options{})

	result, err := c.ResumeFailedItems(context.Background(), "run-1", "demo")
	if err != nil {
		t.Fatalf("ResumeFailedItems: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected only the previously-failed item reprocessed, got %d", result.Processed)
	}
	if store.states["b"] != models.ConsolidatedTrue {
		t.Fatalf("expected item b now consolidated, got %v", store.states["b"])
	}
	if !store.runCompleted {
		t.Fatalf("expected run completed once all items succeeded")
	}
}

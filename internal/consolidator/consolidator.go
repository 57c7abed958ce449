// Package consolidator transforms staged raw items into the canonical
// Diamond store (spec §4.4): decode and normalize each payload,
// evaluate rating/pricing rules, upsert preserving trading fields, and
// advance the feed's watermark once every item from the run has been
// processed. Grounded on the teacher's batch-transform-then-commit
// shape in internal/ingester/history_deriver.go, generalized from
// "replay historical chain events into derived tables" to "replay
// staged upstream listings into canonical diamonds."
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"diamondscan/internal/logging"
	"diamondscan/internal/models"
	"diamondscan/internal/objectstore"
	"diamondscan/internal/rules"
)

const (
	defaultBatchSize    = 200
	defaultLockDuration = 10 * time.Minute // spec §5: queue message lock
)

var defaultBaseMargins = map[string]float64{
	string(models.StoneNatural): 40,
	string(models.StoneLab):     79,
	string(models.StoneFancy):   40,
}

// Store is the subset of the bookkeeping store the consolidator needs.
type Store interface {
	GetUnconsolidatedRawItems(ctx context.Context, runID string, force bool, afterSupplierStoneID string, limit int) ([]models.RawItem, error)
	MarkRawItemConsolidated(ctx context.Context, feed, supplierStoneID string, state models.ConsolidationState, errMessage string) error
	UpsertDiamond(ctx context.Context, d models.Diamond) error
	CountRawItemsByConsolidationState(ctx context.Context, runID string) (total, succeeded, failed int64, err error)
	MarkRunCompleted(ctx context.Context, runID string, watermarkAfter interface{}) error
	ListActivePricingRules(ctx context.Context) ([]models.PricingRule, error)
	ListActiveRatingRules(ctx context.Context) ([]models.RatingRule, error)
}

// Options tunes batch size, base margins by stone type (one map for all
// feeds), and the consolidate-message lock renewal interval.
type Options struct {
	BatchSize    int
	BaseMargins  map[string]float64
	LockDuration time.Duration
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BaseMargins == nil {
		o.BaseMargins = defaultBaseMargins
	}
	if o.LockDuration <= 0 {
		o.LockDuration = defaultLockDuration
	}
}

// Result summarizes one ConsolidateRun call.
type Result struct {
	Processed int64
	Succeeded int64
	Failed    int64
}

type Consolidator struct {
	store   Store
	objects objectstore.Store
	log     *zap.Logger
	opts    Options
}

func New(store Store, objects objectstore.Store, log *zap.Logger, opts Options) *Consolidator {
	opts.applyDefaults()
	return &Consolidator{store: store, objects: objects, log: log, opts: opts}
}

// ConsolidateRun processes every unconsolidated raw item for runID
// (or, with force=true, every item regardless of prior consolidation
// state) into the canonical Diamond store, then — only if every raw
// item in the run ultimately succeeded — advances the feed's watermark
// and marks the run completed.
func (c *Consolidator) ConsolidateRun(ctx context.Context, runID, feed string, force bool) (Result, error) {
	ratingRules, err := c.store.ListActiveRatingRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("consolidator: load rating rules: %w", err)
	}
	pricingRules, err := c.store.ListActivePricingRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("consolidator: load pricing rules: %w", err)
	}
	ratingEval := rules.NewRatingEvaluator(ratingRules)
	pricingEval := rules.NewPricingEvaluator(pricingRules, c.opts.BaseMargins)

	var result Result
	var maxSourceUpdatedAt time.Time
	cursor := ""

	for {
		batch, err := c.store.GetUnconsolidatedRawItems(ctx, runID, force, cursor, c.opts.BatchSize)
		if err != nil {
			return result, fmt.Errorf("consolidator: fetch batch after %q: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, item := range batch {
			cursor = item.SupplierStoneID
			result.Processed++

			if item.SourceUpdatedAt.After(maxSourceUpdatedAt) {
				maxSourceUpdatedAt = item.SourceUpdatedAt
			}

			if err := c.consolidateItem(ctx, item, ratingEval, pricingEval); err != nil {
				result.Failed++
				c.log.Warn("item failed consolidation",
					logging.NewFields().Component("consolidator").Operation("consolidate_item").
						Resource("raw_item", item.SupplierStoneID).Err(err).Slice()...)
				if merr := c.store.MarkRawItemConsolidated(ctx, item.Feed, item.SupplierStoneID, models.ConsolidatedFailed, err.Error()); merr != nil {
					return result, fmt.Errorf("mark item failed: %w", merr)
				}
				continue
			}

			result.Succeeded++
			if merr := c.store.MarkRawItemConsolidated(ctx, item.Feed, item.SupplierStoneID, models.ConsolidatedTrue, ""); merr != nil {
				return result, fmt.Errorf("mark item consolidated: %w", merr)
			}
		}

		if len(batch) < c.opts.BatchSize {
			break
		}
	}

	total, succeeded, _, err := c.store.CountRawItemsByConsolidationState(ctx, runID)
	if err != nil {
		return result, fmt.Errorf("consolidator: count consolidation state: %w", err)
	}

	if total > 0 && succeeded == total {
		if err := c.advanceWatermark(ctx, feed, runID, maxSourceUpdatedAt); err != nil {
			return result, fmt.Errorf("consolidator: advance watermark: %w", err)
		}
		var watermarkAfter interface{}
		if !maxSourceUpdatedAt.IsZero() {
			watermarkAfter = maxSourceUpdatedAt
		}
		if err := c.store.MarkRunCompleted(ctx, runID, watermarkAfter); err != nil {
			return result, fmt.Errorf("consolidator: mark run completed: %w", err)
		}
	}

	return result, nil
}

// consolidateItem is the deterministic per-item transform plus rule
// evaluation and write-phase upsert (spec §4.4).
func (c *Consolidator) consolidateItem(ctx context.Context, item models.RawItem, ratingEval *rules.RatingEvaluator, pricingEval *rules.PricingEvaluator) error {
	draft, err := decodeAndNormalize(item.Feed, item.Payload)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}

	draft.Rating = ratingEval.Evaluate(draft)
	draft.MarkupRatio = pricingEval.EffectiveMargin(draft)
	draft.RetailPrice = pricingEval.RetailPrice(draft)

	if err := c.store.UpsertDiamond(ctx, draft); err != nil {
		return fmt.Errorf("upsert diamond: %w", err)
	}
	return nil
}

// advanceWatermark persists the feed's new high-water mark to object
// storage only when consolidation fully succeeded (SPEC_FULL.md §9
// decision: advance watermark on full success only, so a partial-success
// run doesn't silently skip the unconsolidated slice on the next
// incremental run).
func (c *Consolidator) advanceWatermark(ctx context.Context, feed, runID string, maxSourceUpdatedAt time.Time) error {
	if maxSourceUpdatedAt.IsZero() {
		return nil
	}
	wm := models.Watermark{
		Feed:               feed,
		LastUpdatedAt:      maxSourceUpdatedAt,
		LastRunID:          runID,
		LastRunCompletedAt: time.Now(),
	}
	body, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}
	return c.objects.Put(ctx, objectstore.WatermarkKey(feed), body)
}

// ResumeFailedItems re-runs consolidation for a run without force. Since
// GetUnconsolidatedRawItems already includes consolidated=failed rows in
// its default (non-force) scan, this revisits every failed or not yet
// consolidated item and skips the ones already consolidated; it does not
// reset any row first. The HTTP API's /triggers/resume-consolidation
// handler does not call it: that handler resets failed rows through the
// repository and publishes a consolidate message instead.
func (c *Consolidator) ResumeFailedItems(ctx context.Context, runID, feed string) (Result, error) {
	return c.ConsolidateRun(ctx, runID, feed, false)
}

// Package reapply implements the bulk pricing/rating re-evaluation engine
// (spec §4.5): stream active diamonds in batches, re-run the current rule
// set against each, snapshot the pre-change value, write the new value in
// place, and support an exact revert from the snapshot. Grounded on the
// teacher's internal/repository/repair.go bounded-LIMIT batch-streaming
// shape, generalized from "find and fix indexing anomalies" to "find and
// re-evaluate every active diamond."
package reapply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"diamondscan/internal/apperr"
	"diamondscan/internal/logging"
	"diamondscan/internal/models"
	"diamondscan/internal/rules"
)

const (
	defaultBatchSize   = 200
	defaultConcurrency = 4
)

// Store is the subset of the bookkeeping store the reapply engine needs.
type Store interface {
	HasActiveReapplyJob(ctx context.Context, kind models.ReapplyKind) (bool, error)
	CreateReapplyJob(ctx context.Context, job models.ReapplyJob) (int64, error)
	GetReapplyJob(ctx context.Context, id int64) (models.ReapplyJob, error)
	StartReapplyJob(ctx context.Context, id int64, total int64) error
	AdvanceReapplyProgress(ctx context.Context, id int64, processedDelta, updatedDelta, failedDelta int64) error
	CompleteReapplyJob(ctx context.Context, id int64) error
	FailReapplyJob(ctx context.Context, id int64) error
	InsertReapplySnapshots(ctx context.Context, jobID int64, snapshots []models.ReapplySnapshot) error
	RevertReapplyJob(ctx context.Context, jobID int64) (int64, error)

	ListActiveDiamondsForReapply(ctx context.Context, afterID string, limit int) ([]models.Diamond, error)
	UpdateDiamondPricing(ctx context.Context, id string, retailPrice, markupRatio float64) error
	UpdateDiamondRating(ctx context.Context, id string, rating *int) error

	ListActivePricingRules(ctx context.Context) ([]models.PricingRule, error)
	ListActiveRatingRules(ctx context.Context) ([]models.RatingRule, error)

	LogError(ctx context.Context, entry models.ErrorLogEntry) error
}

// Options tunes batch size, batch parallelism, and the base margins by
// stone type (one map for all feeds; only consulted for pricing jobs).
type Options struct {
	BatchSize   int
	Concurrency int
	BaseMargins map[string]float64
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
}

// Engine runs reapply jobs against the canonical diamond store.
type Engine struct {
	store Store
	log   *zap.Logger
	opts  Options
}

func New(store Store, log *zap.Logger, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{store: store, log: log, opts: opts}
}

// Trigger starts a new reapply job of the given kind, rejecting the
// request with a Conflict error if another job of the same kind is
// already pending or running (spec §4.5 concurrency gate).
func (e *Engine) Trigger(ctx context.Context, kind models.ReapplyKind, trigger models.ReapplyTrigger, ruleSnapshot []byte, feedsAffected []string) (int64, error) {
	active, err := e.store.HasActiveReapplyJob(ctx, kind)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Internal, "check active reapply job")
	}
	if active {
		return 0, apperr.New(apperr.Conflict, fmt.Sprintf("a %s reapply job is already pending or running", kind))
	}

	id, err := e.store.CreateReapplyJob(ctx, models.ReapplyJob{
		Kind:                kind,
		FeedsAffected:       feedsAffected,
		TriggerType:         trigger,
		TriggerRuleSnapshot: ruleSnapshot,
	})
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Internal, "create reapply job")
	}
	return id, nil
}

// Run streams every active diamond through the evaluator for jobID's kind,
// snapshotting and updating each one that changes. It is safe to call from
// a queue consumer or a direct HTTP trigger; it blocks until the job
// reaches a terminal state.
func (e *Engine) Run(ctx context.Context, jobID int64) error {
	job, err := e.store.GetReapplyJob(ctx, jobID)
	if err != nil {
		return apperr.Wrap(err, apperr.Internal, "load reapply job")
	}

	pricingEval, ratingEval, err := e.loadEvaluators(ctx, job.Kind)
	if err != nil {
		e.fail(ctx, jobID, err)
		return err
	}

	if err := e.store.StartReapplyJob(ctx, jobID, 0); err != nil {
		return apperr.Wrap(err, apperr.Internal, "start reapply job")
	}

	log := e.log.With(
		logging.NewFields().Component("reapply").Operation("run").Resource("job", fmt.Sprint(jobID)).Slice()...,
	)

	afterID := ""
	var totalProcessed, totalUpdated, totalFailed int64
	for {
		batch, err := e.store.ListActiveDiamondsForReapply(ctx, afterID, e.opts.BatchSize)
		if err != nil {
			e.fail(ctx, jobID, err)
			return apperr.Wrap(err, apperr.Transient, "list diamonds for reapply")
		}
		if len(batch) == 0 {
			break
		}

		processed, updated, failed, snapshots := e.runBatch(ctx, job.Kind, batch, pricingEval, ratingEval, log)
		if err := e.store.InsertReapplySnapshots(ctx, jobID, snapshots); err != nil {
			e.fail(ctx, jobID, err)
			return apperr.Wrap(err, apperr.Internal, "insert reapply snapshots")
		}
		if err := e.store.AdvanceReapplyProgress(ctx, jobID, processed, updated, failed); err != nil {
			e.fail(ctx, jobID, err)
			return apperr.Wrap(err, apperr.Internal, "advance reapply progress")
		}

		totalProcessed += processed
		totalUpdated += updated
		totalFailed += failed
		afterID = batch[len(batch)-1].ID

		log.Info("reapply batch done",
			zap.Int64("processed", totalProcessed), zap.Int64("updated", totalUpdated), zap.Int64("failed", totalFailed))

		if len(batch) < e.opts.BatchSize {
			break
		}
	}

	if err := e.store.CompleteReapplyJob(ctx, jobID); err != nil {
		return apperr.Wrap(err, apperr.Internal, "complete reapply job")
	}
	log.Info("reapply job completed", zap.Int64("total_processed", totalProcessed))
	return nil
}

// runBatch evaluates one batch with bounded parallelism (opts.Concurrency)
// and returns per-batch counters plus the snapshots for rows that changed.
func (e *Engine) runBatch(ctx context.Context, kind models.ReapplyKind, batch []models.Diamond, pricingEval *rules.PricingEvaluator, ratingEval *rules.RatingEvaluator, log *zap.Logger) (processed, updated, failed int64, snapshots []models.ReapplySnapshot) {
	type outcome struct {
		diamond  models.Diamond
		snapshot *models.ReapplySnapshot
		err      error
	}

	sem := make(chan struct{}, e.opts.Concurrency)
	results := make([]outcome, len(batch))
	var wg sync.WaitGroup

	for i, d := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, d models.Diamond) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.evaluateOne(ctx, kind, d, pricingEval, ratingEval)
		}(i, d)
	}
	wg.Wait()

	for _, res := range results {
		processed++
		if res.err != nil {
			failed++
			log.Warn("reapply item failed", zap.String("diamond_id", res.diamond.ID), zap.Error(res.err))
			_ = e.store.LogError(ctx, models.ErrorLogEntry{
				Service: "reapply",
				Message: res.err.Error(),
			})
			continue
		}
		if res.snapshot != nil {
			updated++
			snapshots = append(snapshots, *res.snapshot)
		}
	}
	return processed, updated, failed, snapshots
}

// evaluateOne re-evaluates a single diamond and writes the new value,
// returning a snapshot of the pre-change state when the value changed.
func (e *Engine) evaluateOne(ctx context.Context, kind models.ReapplyKind, d models.Diamond, pricingEval *rules.PricingEvaluator, ratingEval *rules.RatingEvaluator) (res struct {
	diamond  models.Diamond
	snapshot *models.ReapplySnapshot
	err      error
}) {
	res.diamond = d
	switch kind {
	case models.ReapplyPricing:
		margin := pricingEval.EffectiveMargin(d)
		retail := d.SupplierPrice * (1 + margin/100)
		if retail == d.RetailPrice {
			return res
		}
		res.snapshot = &models.ReapplySnapshot{
			DiamondID:      d.ID,
			PreRetailPrice: d.RetailPrice,
			PreMarkupRatio: d.MarkupRatio,
			PreRating:      d.Rating,
		}
		if err := e.store.UpdateDiamondPricing(ctx, d.ID, retail, margin); err != nil {
			res.err = err
			res.snapshot = nil
		}
	case models.ReapplyRating:
		rating := ratingEval.Evaluate(d)
		if samePtrInt(rating, d.Rating) {
			return res
		}
		res.snapshot = &models.ReapplySnapshot{
			DiamondID:      d.ID,
			PreRetailPrice: d.RetailPrice,
			PreMarkupRatio: d.MarkupRatio,
			PreRating:      d.Rating,
		}
		if err := e.store.UpdateDiamondRating(ctx, d.ID, rating); err != nil {
			res.err = err
			res.snapshot = nil
		}
	default:
		res.err = fmt.Errorf("unknown reapply kind %q", kind)
	}
	return res
}

// Revert restores every row captured by jobID's snapshot to its pre-job
// value and marks the job reverted (spec §4.5, testable property 7).
func (e *Engine) Revert(ctx context.Context, jobID int64) (int64, error) {
	job, err := e.store.GetReapplyJob(ctx, jobID)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.NotFound, "reapply job not found")
	}
	if job.Status != models.ReapplyCompleted && job.Status != models.ReapplyFailed {
		return 0, apperr.New(apperr.Conflict, fmt.Sprintf("cannot revert a %s job", job.Status))
	}
	restored, err := e.store.RevertReapplyJob(ctx, jobID)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.Internal, "revert reapply job")
	}
	return restored, nil
}

// Cancel marks the job failed whatever its current status; no
// cancellation reason is recorded. It does not revert applied changes;
// Revert must be called separately.
func (e *Engine) Cancel(ctx context.Context, jobID int64) error {
	if err := e.store.FailReapplyJob(ctx, jobID); err != nil {
		return apperr.Wrap(err, apperr.Internal, "cancel reapply job")
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, jobID int64, cause error) {
	if err := e.store.FailReapplyJob(ctx, jobID); err != nil {
		e.log.Error("failed to mark reapply job failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
	_ = e.store.LogError(ctx, models.ErrorLogEntry{
		Service: "reapply",
		Message: cause.Error(),
	})
}

func (e *Engine) loadEvaluators(ctx context.Context, kind models.ReapplyKind) (*rules.PricingEvaluator, *rules.RatingEvaluator, error) {
	switch kind {
	case models.ReapplyPricing:
		pr, err := e.store.ListActivePricingRules(ctx)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.Internal, "list pricing rules")
		}
		return rules.NewPricingEvaluator(pr, e.opts.BaseMargins), nil, nil
	case models.ReapplyRating:
		rr, err := e.store.ListActiveRatingRules(ctx)
		if err != nil {
			return nil, nil, apperr.Wrap(err, apperr.Internal, "list rating rules")
		}
		return nil, rules.NewRatingEvaluator(rr), nil
	default:
		return nil, nil, apperr.New(apperr.Validation, fmt.Sprintf("unknown reapply kind %q", kind))
	}
}

func samePtrInt(a, b *int) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// StallThreshold is the duration after which a job with no progress
// should be considered stalled by an external monitor (spec §4.5
// "last_progress_at to detect stalls").
const StallThreshold = 2 * time.Minute

// IsStalled reports whether job has gone quiet for longer than
// StallThreshold while still pending or running.
func IsStalled(job models.ReapplyJob, now time.Time) bool {
	if job.Status != models.ReapplyRunning && job.Status != models.ReapplyPending {
		return false
	}
	return now.Sub(job.LastProgressAt) > StallThreshold
}

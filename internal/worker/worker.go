// Package worker implements the long-running work-item queue consumer
// (spec §4.3). One instance processes one message at a time; horizontal
// scaling is queue-depth driven, not concurrency-within-process. It is
// the diamond-domain retarget of the teacher's AsyncWorker
// (internal/ingester/async_worker.go): where the teacher leased height
// ranges and polled on a ticker, this worker leases partitions claimed
// off a queue and pages the upstream catalog within the leased range.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"diamondscan/internal/bus"
	"diamondscan/internal/logging"
	"diamondscan/internal/models"
	"diamondscan/internal/scheduler"
	"diamondscan/internal/upstream"
)

const (
	defaultPageSize      = 30
	maxPageSize          = 50
	defaultMinSuccessPct = 70.0
	defaultCooldown      = 5 * time.Minute
	defaultLockDuration  = 10 * time.Minute // spec §5: queue message lock
)

// Store is the subset of the bookkeeping store the worker needs.
type Store interface {
	AcquireWorkerRun(ctx context.Context, runID string, partitionID, attempt int, workerID string, payload []byte) (int64, error)
	ReclaimWorkerRun(ctx context.Context, runID string, partitionID, attempt int, workerID string) (int64, error)
	CompleteWorkerRun(ctx context.Context, workerRunID int64, recordsProcessed int64) error
	FailWorkerRun(ctx context.Context, workerRunID int64, errMessage string) error
	UpdatePartitionStatus(ctx context.Context, runID string, partitionID int, status models.PartitionStatus) error
	AdvancePartitionOffset(ctx context.Context, runID string, partitionID int, nextOffset int64) error
	UpsertRawItems(ctx context.Context, items []models.RawItem) error
	IncrementWorkerCounter(ctx context.Context, runID string, success bool) (completed, failed, expected int, err error)
}

// Fetcher is the subset of the upstream client the worker needs; tests
// substitute a fixture that doesn't hit a network.
type Fetcher interface {
	Search(ctx context.Context, q upstream.Query, offset, limit int) ([]upstream.RawPayload, error)
}

// Options tunes the worker's pagination and last-done thresholds.
type Options struct {
	PageSize      int
	MinSuccessPct float64
	Cooldown      time.Duration
	WorkerID      string
	LockDuration  time.Duration
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
	if o.MinSuccessPct <= 0 {
		o.MinSuccessPct = defaultMinSuccessPct
	}
	if o.Cooldown <= 0 {
		o.Cooldown = defaultCooldown
	}
	if o.LockDuration <= 0 {
		o.LockDuration = defaultLockDuration
	}
	if o.WorkerID == "" {
		hostname, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
}

// Worker consumes the work-items queue, pages a partition's upstream
// range into raw storage, and tips the run's completion counter.
type Worker struct {
	store   Store
	bus     bus.Bus
	fetcher Fetcher
	log     *zap.Logger
	opts    Options
}

func New(store Store, b bus.Bus, fetcher Fetcher, log *zap.Logger, opts Options) *Worker {
	opts.applyDefaults()
	return &Worker{store: store, bus: b, fetcher: fetcher, log: log, opts: opts}
}

// Run blocks consuming work items until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.bus.Consume(ctx, scheduler.WorkItemsQueue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("consume work item", logging.NewFields().Component("worker").Err(err).Slice()...)
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg bus.Message) {
	var item scheduler.WorkItem
	if err := json.Unmarshal(msg.Payload, &item); err != nil {
		w.log.Error("decode work item", logging.NewFields().Component("worker").Err(err).Slice()...)
		return
	}

	fields := logging.NewFields().Component("worker").Operation("process_partition").
		Resource("run", item.RunID)

	if err := w.processPartition(ctx, item, msg); err != nil {
		w.log.Error("partition failed", fields.Err(err).Slice()...)
		_ = w.bus.Nack(ctx, msg)
		return
	}
	_ = w.bus.Ack(ctx, msg)
}

// processPartition implements spec §4.3 steps 1-5: acquire/reclaim the
// lease, paginate the upstream range, advance the offset after every
// page, then tip the run's completion counter and — if this call
// observed the tipping value — publish (or schedule) the consolidate
// message.
func (w *Worker) processPartition(ctx context.Context, item scheduler.WorkItem, msg bus.Message) error {
	attempt := msg.Attempt
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item payload: %w", err)
	}

	workerRunID, err := w.store.AcquireWorkerRun(ctx, item.RunID, item.PartitionID, attempt, w.opts.WorkerID, payload)
	if err != nil {
		return fmt.Errorf("acquire worker run: %w", err)
	}
	if workerRunID == 0 {
		workerRunID, err = w.store.ReclaimWorkerRun(ctx, item.RunID, item.PartitionID, attempt, w.opts.WorkerID)
		if err != nil {
			return fmt.Errorf("reclaim worker run: %w", err)
		}
	}
	if workerRunID == 0 {
		// Another worker already owns this attempt; nothing to do.
		return nil
	}

	if err := w.store.UpdatePartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionRunning); err != nil {
		return fmt.Errorf("mark partition running: %w", err)
	}

	processed, procErr := w.paginate(ctx, item, msg)
	if procErr != nil {
		if err := w.store.FailWorkerRun(ctx, workerRunID, procErr.Error()); err != nil {
			return fmt.Errorf("fail worker run: %w", err)
		}
		if err := w.store.UpdatePartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionFailed); err != nil {
			return fmt.Errorf("mark partition failed: %w", err)
		}
		return w.tip(ctx, item, false)
	}

	if err := w.store.CompleteWorkerRun(ctx, workerRunID, processed); err != nil {
		return fmt.Errorf("complete worker run: %w", err)
	}
	if err := w.store.UpdatePartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionCompleted); err != nil {
		return fmt.Errorf("mark partition completed: %w", err)
	}
	return w.tip(ctx, item, true)
}

// paginate walks the partition's price range PAGE_SIZE items at a time,
// upserting each page and advancing next_offset atomically so a retry
// after a crash resumes from item.Offset rather than re-fetching from
// zero. An incremental work item carries the run's watermark cutoff, so
// the upstream query only returns records updated since that point. A
// page loop long enough to cross lockDuration/2 renews the queue
// message's lock on a ticker so a different consumer's claimStale pass
// doesn't steal the partition out from under it mid-page (spec §5).
func (w *Worker) paginate(ctx context.Context, item scheduler.WorkItem, msg bus.Message) (int64, error) {
	stop := w.startLockRenewal(ctx, msg)
	defer stop()

	q := upstream.Query{Feed: item.Feed, PriceMin: item.PriceMin, PriceMax: item.PriceMax}
	if item.IsIncremental {
		q.UpdatedAfter = item.WatermarkBefore
	}

	var processed int64
	offset := int(item.Offset)
	for {
		page, err := w.fetchPageWithRetry(ctx, q, offset)
		if err != nil {
			return processed, err
		}

		if len(page) > 0 {
			items := make([]models.RawItem, len(page))
			for i, p := range page {
				hash := hashPayload(p.Body)
				items[i] = models.RawItem{
					Feed:            item.Feed,
					SupplierStoneID: p.SupplierStoneID,
					RunID:           item.RunID,
					SourceUpdatedAt: p.SourceUpdatedAt,
					Payload:         p.Body,
					PayloadHash:     hash,
				}
			}
			if err := w.store.UpsertRawItems(ctx, items); err != nil {
				return processed, fmt.Errorf("upsert raw items at offset %d: %w", offset, err)
			}
			processed += int64(len(page))
		}

		offset += len(page)
		if err := w.store.AdvancePartitionOffset(ctx, item.RunID, item.PartitionID, int64(offset)); err != nil {
			return processed, fmt.Errorf("advance offset: %w", err)
		}

		if len(page) < w.opts.PageSize {
			return processed, nil
		}
		if item.ExpectedRecords > 0 && processed >= item.ExpectedRecords {
			return processed, nil
		}
	}
}

// startLockRenewal renews msg's queue lock every lockDuration/2 until
// the returned stop func is called. No-op on backends (InProcessBus)
// where Renew itself is a no-op.
func (w *Worker) startLockRenewal(ctx context.Context, msg bus.Message) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.opts.LockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.bus.Renew(ctx, msg); err != nil {
					w.log.Warn("renew work item lock",
						logging.NewFields().Component("worker").Resource("partition", msg.ID).Err(err).Slice()...)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// fetchPageWithRetry retries transient upstream errors up to 3 times
// with exponential backoff base 2s (spec §4.3 "Per-page retry"); a
// permanent upstream error (4xx) is returned immediately without
// retrying, matching the heatmap partitioner's probeCount policy.
func (w *Worker) fetchPageWithRetry(ctx context.Context, q upstream.Query, offset int) ([]upstream.RawPayload, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(bo, 3)

	var page []upstream.RawPayload
	err := backoff.Retry(func() error {
		p, err := w.fetcher.Search(ctx, q, offset, w.opts.PageSize)
		if err != nil {
			if upstream.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}, retrier)
	if err != nil {
		return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
	}
	return page, nil
}

// tip increments the run's completion counter and, if this call
// observed completed+failed == expected, publishes the consolidate
// message — the atomic UPDATE...RETURNING makes the tip itself the
// only ordering-sensitive event (spec §5).
func (w *Worker) tip(ctx context.Context, item scheduler.WorkItem, success bool) error {
	completed, failed, expected, err := w.store.IncrementWorkerCounter(ctx, item.RunID, success)
	if err != nil {
		return fmt.Errorf("increment worker counter: %w", err)
	}
	if completed+failed != expected {
		return nil
	}

	successPct := 100.0
	if expected > 0 {
		successPct = float64(completed) / float64(expected) * 100.0
	}

	publish := func() {
		msg := scheduler.ConsolidateMessage{
			Type:    scheduler.ConsolidateMessageType,
			RunID:   item.RunID,
			Feed:    item.Feed,
			TraceID: uuid.New().String(),
		}
		payload, merr := json.Marshal(msg)
		if merr != nil {
			w.log.Error("marshal consolidate message", logging.NewFields().Component("worker").Err(merr).Slice()...)
			return
		}
		if perr := w.bus.Publish(context.Background(), scheduler.ConsolidateQueue, payload); perr != nil {
			w.log.Error("publish consolidate message",
				logging.NewFields().Component("worker").Trace(msg.TraceID).Err(perr).Slice()...)
		}
	}

	if failed == 0 {
		publish()
		return nil
	}
	if successPct < w.opts.MinSuccessPct {
		w.log.Warn("run below success threshold, not consolidating",
			logging.NewFields().Component("worker").Resource("run", item.RunID).Slice()...)
		return nil
	}

	// Partial success: delay publish by the cooldown window, application
	// level (SPEC_FULL.md §9 decision — no shared delayed-delivery
	// primitive between the in-process and Redis bus backends). A crash
	// during the cooldown just means the operator retriggers manually.
	go func() {
		timer := time.NewTimer(w.opts.Cooldown)
		defer timer.Stop()
		select {
		case <-timer.C:
			publish()
		case <-ctx.Done():
		}
	}()
	return nil
}

// hashPayload content-addresses a raw payload so UpsertRawItems can
// detect an unchanged item across runs (spec §3 RawItem.payload_hash).
func hashPayload(body []byte) string {
	var v interface{}
	canonical := body
	if err := json.Unmarshal(body, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

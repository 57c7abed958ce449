package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"diamondscan/internal/bus"
	"diamondscan/internal/models"
	"diamondscan/internal/scheduler"
	"diamondscan/internal/upstream"
)

type fakeStore struct {
	mu         sync.Mutex
	expected   int
	completed  int
	failed     int
	statuses   map[int]models.PartitionStatus
	rawItems   []models.RawItem
	offsets    map[int]int64
	failedMsgs map[int64]string
}

func newFakeStore(expected int) *fakeStore {
	return &fakeStore{
		expected:   expected,
		statuses:   make(map[int]models.PartitionStatus),
		offsets:    make(map[int]int64),
		failedMsgs: make(map[int64]string),
	}
}

func (f *fakeStore) AcquireWorkerRun(ctx context.Context, runID string, partitionID, attempt int, workerID string, payload []byte) (int64, error) {
	return int64(partitionID + 1), nil
}

func (f *fakeStore) ReclaimWorkerRun(ctx context.Context, runID string, partitionID, attempt int, workerID string) (int64, error) {
	return int64(partitionID + 1), nil
}

func (f *fakeStore) CompleteWorkerRun(ctx context.Context, workerRunID int64, recordsProcessed int64) error {
	return nil
}

func (f *fakeStore) FailWorkerRun(ctx context.Context, workerRunID int64, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedMsgs[workerRunID] = errMessage
	return nil
}

func (f *fakeStore) UpdatePartitionStatus(ctx context.Context, runID string, partitionID int, status models.PartitionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[partitionID] = status
	return nil
}

func (f *fakeStore) AdvancePartitionOffset(ctx context.Context, runID string, partitionID int, nextOffset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nextOffset > f.offsets[partitionID] {
		f.offsets[partitionID] = nextOffset
	}
	return nil
}

func (f *fakeStore) UpsertRawItems(ctx context.Context, items []models.RawItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawItems = append(f.rawItems, items...)
	return nil
}

func (f *fakeStore) IncrementWorkerCounter(ctx context.Context, runID string, success bool) (completed, failed, expected int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.completed++
	} else {
		f.failed++
	}
	return f.completed, f.failed, f.expected, nil
}

type pagedFetcher struct {
	pages [][]upstream.RawPayload
	err   error
}

func (p *pagedFetcher) Search(ctx context.Context, q upstream.Query, offset, limit int) ([]upstream.RawPayload, error) {
	if p.err != nil {
		return nil, p.err
	}
	idx := offset / limit
	if idx >= len(p.pages) {
		return nil, nil
	}
	return p.pages[idx], nil
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func testMsg(attempt int) bus.Message {
	return bus.Message{Queue: scheduler.WorkItemsQueue, ID: "1", Attempt: attempt}
}

func rawPayload(id string) upstream.RawPayload {
	return upstream.RawPayload{SupplierStoneID: id, SourceUpdatedAt: time.Now(), Body: json.RawMessage(`{"shape":"ROUND"}`)}
}

func TestProcessPartitionSuccessPublishesImmediately(t *testing.T) {
	t.Parallel()
	store := newFakeStore(1)
	b := bus.NewInProcess()
	fetcher := &pagedFetcher{pages: [][]upstream.RawPayload{{rawPayload("a"), rawPayload("b")}}}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 5})

	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 0, PriceMin: 0, PriceMax: 100}
	if err := w.processPartition(context.Background(), item, testMsg(1)); err != nil {
		t.Fatalf("processPartition: %v", err)
	}

	if store.statuses[0] != models.PartitionCompleted {
		t.Fatalf("expected partition completed, got %v", store.statuses[0])
	}
	if len(store.rawItems) != 2 {
		t.Fatalf("expected 2 raw items upserted, got %d", len(store.rawItems))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	msg, err := b.Consume(ctx, "consolidate")
	if err != nil {
		t.Fatalf("expected consolidate message published immediately: %v", err)
	}
	var cm scheduler.ConsolidateMessage
	if err := json.Unmarshal(msg.Payload, &cm); err != nil {
		t.Fatalf("decode consolidate message: %v", err)
	}
	if cm.Type != scheduler.ConsolidateMessageType {
		t.Fatalf("expected type discriminator, got %q", cm.Type)
	}
	if cm.TraceID == "" {
		t.Fatalf("expected a non-empty trace id")
	}
	if cm.RunID != "run-1" {
		t.Fatalf("unexpected run id: %s", cm.RunID)
	}
}

func TestProcessPartitionFailureBelowThresholdDoesNotPublish(t *testing.T) {
	t.Parallel()
	store := newFakeStore(2)
	store.completed = 1 // simulate one partition already succeeded
	b := bus.NewInProcess()
	fetcher := &pagedFetcher{err: upstream.NewPermanentError(errors.New("not found"))}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 5, MinSuccessPct: 70})

	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 1, PriceMin: 100, PriceMax: 200}
	if err := w.processPartition(context.Background(), item, testMsg(1)); err != nil {
		t.Fatalf("processPartition should not bubble a permanent failure as a handler error: %v", err)
	}
	if store.statuses[1] != models.PartitionFailed {
		t.Fatalf("expected partition marked failed, got %v", store.statuses[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Consume(ctx, "consolidate"); err == nil {
		t.Fatalf("expected no consolidate message below success threshold")
	}
}

func TestProcessPartitionPartialSuccessSchedulesCooldownPublish(t *testing.T) {
	t.Parallel()
	store := newFakeStore(2)
	store.failed = 1 // simulate one partition already failed, within threshold
	b := bus.NewInProcess()
	fetcher := &pagedFetcher{pages: [][]upstream.RawPayload{{rawPayload("a")}}}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 5, MinSuccessPct: 40, Cooldown: 20 * time.Millisecond})

	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 0, PriceMin: 0, PriceMax: 100}
	if err := w.processPartition(context.Background(), item, testMsg(1)); err != nil {
		t.Fatalf("processPartition: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	if _, err := b.Consume(ctx, "consolidate"); err == nil {
		t.Fatalf("expected no immediate publish before cooldown elapses")
	}
	cancel()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	if _, err := b.Consume(ctx2, "consolidate"); err != nil {
		t.Fatalf("expected consolidate message after cooldown: %v", err)
	}
}

func TestPaginationStopsOnShortPage(t *testing.T) {
	t.Parallel()
	store := newFakeStore(1)
	b := bus.NewInProcess()
	fetcher := &pagedFetcher{pages: [][]upstream.RawPayload{
		{rawPayload("a"), rawPayload("b")},
		{rawPayload("c")},
	}}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 2})

	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 0, PriceMin: 0, PriceMax: 100}
	processed, err := w.paginate(context.Background(), item, testMsg(1))
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if processed != 3 {
		t.Fatalf("expected 3 items processed, got %d", processed)
	}
	if store.offsets[0] != 3 {
		t.Fatalf("expected offset advanced to 3, got %d", store.offsets[0])
	}
}

// TestPaginationStopsOnExpectedRecords asserts the second stop condition
// (records_processed >= expected_records) fires even when the final page
// consumed is a full PAGE_SIZE page — so a heatmap partition truncated
// for MAX_TOTAL_RECORDS doesn't keep paging past its truncated count just
// because the upstream range still has more to offer.
func TestPaginationStopsOnExpectedRecords(t *testing.T) {
	t.Parallel()
	store := newFakeStore(1)
	b := bus.NewInProcess()
	fetcher := &pagedFetcher{pages: [][]upstream.RawPayload{
		{rawPayload("a"), rawPayload("b")},
		{rawPayload("c"), rawPayload("d")},
		{rawPayload("e"), rawPayload("f")},
	}}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 2})

	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 0, PriceMin: 0, PriceMax: 100, ExpectedRecords: 4}
	processed, err := w.paginate(context.Background(), item, testMsg(1))
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if processed != 4 {
		t.Fatalf("expected pagination to stop at expected_records=4, got %d", processed)
	}
	if store.offsets[0] != 4 {
		t.Fatalf("expected offset advanced to 4, got %d", store.offsets[0])
	}
}

func TestPaginationResumesFromItemOffset(t *testing.T) {
	t.Parallel()
	store := newFakeStore(1)
	b := bus.NewInProcess()
	fetcher := &pagedFetcher{pages: [][]upstream.RawPayload{
		{rawPayload("a"), rawPayload("b")},
		{rawPayload("c")},
	}}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 2})

	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 0, PriceMin: 0, PriceMax: 100, Offset: 2}
	processed, err := w.paginate(context.Background(), item, testMsg(1))
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected only the remaining page processed, got %d", processed)
	}
	if store.offsets[0] != 3 {
		t.Fatalf("expected offset advanced to 3, got %d", store.offsets[0])
	}
}

func TestPaginationAppliesWatermarkWhenIncremental(t *testing.T) {
	t.Parallel()
	store := newFakeStore(1)
	b := bus.NewInProcess()
	var gotUpdatedAfter *time.Time
	fetcher := &capturingFetcher{pagedFetcher: pagedFetcher{pages: [][]upstream.RawPayload{{rawPayload("a")}}}, captured: &gotUpdatedAfter}
	w := New(store, b, fetcher, testLogger(), Options{PageSize: 5})

	wm := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	item := scheduler.WorkItem{RunID: "run-1", Feed: "demo", PartitionID: 0, PriceMin: 0, PriceMax: 100, IsIncremental: true, WatermarkBefore: &wm}
	if _, err := w.paginate(context.Background(), item, testMsg(1)); err != nil {
		t.Fatalf("paginate: %v", err)
	}
	if gotUpdatedAfter == nil || !gotUpdatedAfter.Equal(wm) {
		t.Fatalf("expected upstream query to carry the watermark cutoff, got %v", gotUpdatedAfter)
	}
}

type capturingFetcher struct {
	pagedFetcher
	captured **time.Time
}

func (c *capturingFetcher) Search(ctx context.Context, q upstream.Query, offset, limit int) ([]upstream.RawPayload, error) {
	*c.captured = q.UpdatedAfter
	return c.pagedFetcher.Search(ctx, q, offset, limit)
}

func TestHashPayloadCanonicalizesKeyOrder(t *testing.T) {
	t.Parallel()
	a := hashPayload(json.RawMessage(`{"a":1,"b":2}`))
	b := hashPayload(json.RawMessage(`{"b":2,"a":1}`))
	if a != b {
		t.Fatalf("expected canonicalized hashes to match: %s != %s", a, b)
	}
}

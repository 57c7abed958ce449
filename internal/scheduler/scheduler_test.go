package scheduler

import (
	"context"
	"fmt"
	"testing"

	"diamondscan/internal/bus"
	"diamondscan/internal/heatmap"
	"diamondscan/internal/models"
	"diamondscan/internal/objectstore"
	"diamondscan/internal/upstream"
)

type fakeStore struct {
	runs       []models.Run
	partitions map[string][]models.Partition
}

func newFakeStore() *fakeStore {
	return &fakeStore{partitions: make(map[string][]models.Partition)}
}

func (f *fakeStore) CreateRun(ctx context.Context, run models.Run) error {
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (models.Run, error) {
	for _, run := range f.runs {
		if run.ID == runID {
			return run, nil
		}
	}
	return models.Run{}, fmt.Errorf("run %s not found", runID)
}

func (f *fakeStore) InsertPartitions(ctx context.Context, runID string, partitions []models.Partition) error {
	f.partitions[runID] = append(f.partitions[runID], partitions...)
	return nil
}

func (f *fakeStore) ListPartitions(ctx context.Context, runID string) ([]models.Partition, error) {
	return f.partitions[runID], nil
}

type uniformCounter struct{ n int64 }

func (u uniformCounter) Count(ctx context.Context, q upstream.Query) (int64, error) {
	if q.PriceMax <= q.PriceMin {
		return 0, nil
	}
	return u.n, nil
}

func TestRegisterRunFullWhenNoWatermark(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	b := bus.NewInProcess()
	objects := objectstore.NewMemStore()
	sched := New(store, b, objects, uniformCounter{n: 30})

	runID, err := sched.RegisterRun(context.Background(), RegisterRunOptions{
		Feed:     "demo",
		PriceMin: 0,
		PriceMax: 1000,
		HeatmapOptions: heatmap.Options{
			WorkerCount:         3,
			MinRecordsPerWorker: 5,
			DenseZoneStep:       1000,
			DenseZoneThreshold:  20000,
		},
	})
	if err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	if len(store.runs) != 1 || store.runs[0].RunType != models.RunTypeFull {
		t.Fatalf("expected one full run, got %+v", store.runs)
	}
	if len(store.partitions[runID]) == 0 {
		t.Fatalf("expected partitions to be persisted")
	}
}

func TestRegisterRunIncrementalWhenWatermarkPresent(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	b := bus.NewInProcess()
	objects := objectstore.NewMemStore()

	wm := `{"feed":"demo","lastUpdatedAt":"2026-01-01T00:00:00Z"}`
	if err := objects.Put(context.Background(), objectstore.WatermarkKey("demo"), []byte(wm)); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	sched := New(store, b, objects, uniformCounter{n: 10})
	_, err := sched.RegisterRun(context.Background(), RegisterRunOptions{
		Feed: "demo", PriceMin: 0, PriceMax: 500,
		HeatmapOptions: heatmap.Options{WorkerCount: 2, MinRecordsPerWorker: 1},
	})
	if err != nil {
		t.Fatalf("RegisterRun: %v", err)
	}
	if len(store.runs) != 1 || store.runs[0].RunType != models.RunTypeIncremental {
		t.Fatalf("expected one incremental run, got %+v", store.runs)
	}
}

func TestPublishPendingSkipsNonPendingPartitions(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.runs = append(store.runs, models.Run{ID: "run-1", Feed: "demo", RunType: models.RunTypeFull})
	store.partitions["run-1"] = []models.Partition{
		{RunID: "run-1", PartitionID: 0, PriceMin: 0, PriceMax: 100, Status: models.PartitionCompleted},
		{RunID: "run-1", PartitionID: 1, PriceMin: 100, PriceMax: 200, Status: models.PartitionPending},
	}
	b := bus.NewInProcess()
	sched := New(store, b, objectstore.NewMemStore(), uniformCounter{n: 1})

	if err := sched.PublishPending(context.Background(), "run-1", "demo"); err != nil {
		t.Fatalf("PublishPending: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	msg, err := b.Consume(ctx, workItemsQueue)
	cancel()
	if err != nil {
		t.Fatalf("expected one published message, got error: %v", err)
	}
	if msg.Queue != workItemsQueue {
		t.Fatalf("unexpected queue: %s", msg.Queue)
	}
}

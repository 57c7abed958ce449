// Package scheduler registers one-shot pipeline runs (spec §4.2): it
// decides full vs incremental scope from the feed's watermark, invokes the
// heatmap partitioner, persists the Run/Partition rows, and publishes one
// work item per partition — resumably, so a crash mid-publish can be
// retried without re-registering the run. A retry republishes every
// partition still pending, including ones whose message is already on
// the queue.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"diamondscan/internal/bus"
	"diamondscan/internal/heatmap"
	"diamondscan/internal/models"
	"diamondscan/internal/objectstore"
	"diamondscan/internal/upstream"
)

// WorkItemsQueue and ConsolidateQueue name the two queues the pipeline
// uses (spec §4.2/§4.3/§4.4); exported so the worker and consolidator
// packages, which both import this one for WorkItem, don't duplicate
// the literal queue names.
const (
	WorkItemsQueue   = "work-items"
	ConsolidateQueue = "consolidate"
)

const workItemsQueue = WorkItemsQueue

// Store is the subset of the bookkeeping store the scheduler needs.
type Store interface {
	CreateRun(ctx context.Context, run models.Run) error
	GetRun(ctx context.Context, runID string) (models.Run, error)
	InsertPartitions(ctx context.Context, runID string, partitions []models.Partition) error
	ListPartitions(ctx context.Context, runID string) ([]models.Partition, error)
}

// WorkItem is the payload published to the work-items queue, one per
// partition. Offset carries the partition's current next_offset so a
// republish after a partial failure resumes rather than re-fetching from
// zero; WatermarkBefore/IsIncremental carry the run's cutoff so the
// worker's upstream query applies the same incremental filter the
// heatmap scan used to size the partitions.
type WorkItem struct {
	RunID           string     `json:"runId"`
	Feed            string     `json:"feed"`
	PartitionID     int        `json:"partitionId"`
	PriceMin        float64    `json:"priceMin"`
	PriceMax        float64    `json:"priceMax"`
	ExpectedRecords int64      `json:"expectedRecords"`
	Offset          int64      `json:"offset"`
	IsIncremental   bool       `json:"isIncremental"`
	WatermarkBefore *time.Time `json:"watermarkBefore,omitempty"`
}

// ConsolidateMessageType is the discriminator every consolidate message
// carries; the queue only ever holds one message shape today, but the
// field lets a future consumer share the queue without guessing.
const ConsolidateMessageType = "CONSOLIDATE"

// ConsolidateMessage is the payload published to the consolidate queue,
// either by the last worker to tip a run's counter or by one of the
// manual /triggers endpoints. TraceID ties the publish back to the run
// that produced it across log lines in the worker and consolidator.
type ConsolidateMessage struct {
	Type    string `json:"type"`
	RunID   string `json:"runId"`
	Feed    string `json:"feed"`
	TraceID string `json:"traceId"`
	Force   bool   `json:"force,omitempty"`
}

type Scheduler struct {
	store   Store
	bus     bus.Bus
	objects objectstore.Store
	counter heatmap.Counter
}

func New(store Store, b bus.Bus, objects objectstore.Store, counter heatmap.Counter) *Scheduler {
	return &Scheduler{store: store, bus: b, objects: objects, counter: counter}
}

// RegisterRunOptions configures one scheduling pass.
type RegisterRunOptions struct {
	Feed               string
	PriceMin, PriceMax float64
	HeatmapOptions     heatmap.Options
}

// RegisterRun determines run type from the feed's persisted watermark,
// scans the price axis, persists Run+Partition rows, and publishes one
// work item per partition.
func (s *Scheduler) RegisterRun(ctx context.Context, opts RegisterRunOptions) (string, error) {
	watermark, err := s.loadWatermark(ctx, opts.Feed)
	if err != nil {
		return "", fmt.Errorf("scheduler: load watermark: %w", err)
	}

	runType := models.RunTypeFull
	query := upstream.Query{Feed: opts.Feed}
	if watermark != nil {
		runType = models.RunTypeIncremental
		query.UpdatedAfter = &watermark.LastUpdatedAt
	}

	heatmapOpts := opts.HeatmapOptions
	heatmapOpts.PriceMin = opts.PriceMin
	heatmapOpts.PriceMax = opts.PriceMax

	partitioner := heatmap.New(s.counter, query)
	result, err := partitioner.Run(ctx, heatmapOpts)
	if err != nil {
		return "", fmt.Errorf("scheduler: heatmap scan: %w", err)
	}

	if err := s.persistHeatmapBlob(ctx, opts.Feed, "preview", result); err != nil {
		return "", fmt.Errorf("scheduler: persist heatmap blob: %w", err)
	}

	runID := uuid.New().String()
	var watermarkBefore *time.Time
	if watermark != nil {
		wb := watermark.LastUpdatedAt
		watermarkBefore = &wb
	}

	run := models.Run{
		ID:              runID,
		Feed:            opts.Feed,
		RunType:         runType,
		ExpectedWorkers: len(result.Partitions),
		WatermarkBefore: watermarkBefore,
		StartedAt:       time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("scheduler: create run: %w", err)
	}

	partitions := make([]models.Partition, len(result.Partitions))
	for i, p := range result.Partitions {
		partitions[i] = models.Partition{
			RunID:           runID,
			PartitionID:     i,
			PriceMin:        p.PriceMin,
			PriceMax:        p.PriceMax,
			ExpectedRecords: p.ExpectedRecords,
			Status:          models.PartitionPending,
		}
	}
	if err := s.store.InsertPartitions(ctx, runID, partitions); err != nil {
		return "", fmt.Errorf("scheduler: insert partitions: %w", err)
	}

	if err := s.PublishPending(ctx, runID, opts.Feed); err != nil {
		return "", fmt.Errorf("scheduler: publish work items: %w", err)
	}

	if err := s.persistHeatmapBlob(ctx, opts.Feed, runID, result); err != nil {
		return "", fmt.Errorf("scheduler: persist run heatmap blob: %w", err)
	}

	return runID, nil
}

// PublishPending re-reads the partition table and publishes a work item
// for every partition still pending, so a crash between InsertPartitions
// and the last Publish call can simply re-invoke this with the same runID.
// A partition stays pending until a worker claims it, so re-invoking can
// publish a second message for a partition that is already on the queue.
func (s *Scheduler) PublishPending(ctx context.Context, runID, feed string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("scheduler: load run %s: %w", runID, err)
	}

	partitions, err := s.store.ListPartitions(ctx, runID)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		if p.Status != models.PartitionPending {
			continue
		}
		item := WorkItem{
			RunID:           runID,
			Feed:            feed,
			PartitionID:     p.PartitionID,
			PriceMin:        p.PriceMin,
			PriceMax:        p.PriceMax,
			ExpectedRecords: p.ExpectedRecords,
			Offset:          p.NextOffset,
			IsIncremental:   run.RunType == models.RunTypeIncremental,
			WatermarkBefore: run.WatermarkBefore,
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal work item for partition %d: %w", p.PartitionID, err)
		}
		if err := s.bus.Publish(ctx, workItemsQueue, payload); err != nil {
			return fmt.Errorf("publish work item for partition %d: %w", p.PartitionID, err)
		}
	}
	return nil
}

func (s *Scheduler) loadWatermark(ctx context.Context, feed string) (*models.Watermark, error) {
	raw, err := s.objects.Get(ctx, objectstore.WatermarkKey(feed))
	if err != nil {
		return nil, nil // no watermark yet: full run
	}
	var wm models.Watermark
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, fmt.Errorf("unmarshal watermark: %w", err)
	}
	return &wm, nil
}

func (s *Scheduler) persistHeatmapBlob(ctx context.Context, feed, runOrPreview string, result *heatmap.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.objects.Put(ctx, objectstore.HeatmapKey(feed, runOrPreview), body)
}

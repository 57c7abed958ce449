// Package heatmap implements the adaptive price-axis scanner (spec
// §4.1): it walks a base query's price range, probing upstream counts,
// and turns the resulting density map into a balanced partition set
// bounded by worker count and minimum records per worker.
package heatmap

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"diamondscan/internal/upstream"
)

// Counter is the subset of the upstream client the partitioner needs.
// Satisfied by *upstream.Client; declared as an interface so tests can
// supply a fixture without a live HTTP server.
type Counter interface {
	Count(ctx context.Context, q upstream.Query) (int64, error)
}

// Bucket is one density-map entry: [Min, Max) and its observed count, or
// -1 if the probe permanently failed (spec §4.1 failure semantics).
type Bucket struct {
	Min   float64
	Max   float64
	Count int64
}

// Partition is one balanced work unit, pre-persistence (models.Partition
// is the bookkeeping-store row; this is the partitioner's own output
// shape before the scheduler assigns a PartitionID/RunID).
type Partition struct {
	PriceMin        float64
	PriceMax        float64
	ExpectedRecords int64
}

type Stats struct {
	APICalls       int
	ScanDurationMs int64
	RangesScanned  int
	NonEmptyRanges int
	UsedTwoPass    bool
}

// Result is the full partitioner output, persisted as one object-storage
// blob per §4.1 and §6.
type Result struct {
	TotalRecords int64
	WorkerCount  int
	DensityMap   []Bucket
	Partitions   []Partition
	Stats        Stats
}

// Options configures one partitioner run. Zero values fall back to the
// spec's defaults.
type Options struct {
	PriceMin               float64
	PriceMax               float64
	WorkerCount            int
	MinRecordsPerWorker    int64
	DenseZoneThreshold     float64
	DenseZoneStep          float64
	CoarseStep             float64
	MaxTotalRecords        int64
	// SaturationThreshold: count at or above which the single-pass
	// scanner doubles its step (above DenseZoneThreshold only); a probe
	// that finds zero items halves the step, never below DenseZoneStep,
	// and any other count leaves it unchanged.
	SaturationThreshold    int64
	TwoPass                bool
}

func (o *Options) applyDefaults() {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 30
	}
	if o.MinRecordsPerWorker <= 0 {
		o.MinRecordsPerWorker = 10
	}
	if o.DenseZoneThreshold <= 0 {
		o.DenseZoneThreshold = 20000
	}
	if o.DenseZoneStep <= 0 {
		o.DenseZoneStep = 100
	}
	if o.CoarseStep <= 0 {
		o.CoarseStep = 10000
	}
	if o.SaturationThreshold <= 0 {
		o.SaturationThreshold = 50
	}
}

// Partitioner scans a query's price range and produces a balanced
// partition set. Query is the caller-supplied base filter (feed,
// watermark cutoff) layered under the price-range probes.
type Partitioner struct {
	counter Counter
	query   upstream.Query
}

func New(counter Counter, query upstream.Query) *Partitioner {
	return &Partitioner{counter: counter, query: query}
}

// Run executes single-pass or two-pass scanning per opts.TwoPass and
// returns the full density map, partition set, and stats.
func (p *Partitioner) Run(ctx context.Context, opts Options) (*Result, error) {
	opts.applyDefaults()
	start := time.Now()

	var buckets []Bucket
	var apiCalls int
	var err error
	if opts.TwoPass {
		buckets, apiCalls, err = p.scanTwoPass(ctx, opts)
	} else {
		buckets, apiCalls, err = p.scanSinglePass(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	var total int64
	nonEmpty := 0
	for _, b := range buckets {
		if b.Count > 0 {
			nonEmpty++
		}
		if b.Count > 0 {
			total += b.Count
		}
	}

	partitions, truncatedTotal := formPartitions(buckets, opts)
	if truncatedTotal >= 0 {
		total = truncatedTotal
	}

	return &Result{
		TotalRecords: total,
		WorkerCount:  len(partitions),
		DensityMap:   buckets,
		Partitions:   partitions,
		Stats: Stats{
			APICalls:       apiCalls,
			ScanDurationMs: time.Since(start).Milliseconds(),
			RangesScanned:  len(buckets),
			NonEmptyRanges: nonEmpty,
			UsedTwoPass:    opts.TwoPass,
		},
	}, nil
}

// probeCount issues one count RPC with the spec's retry policy: up to 3
// retries after the first attempt, exponential backoff base 2s with
// jitter; a permanent upstream error (4xx, upstream.IsPermanent) stops
// retrying at once. A permanent failure (all retries exhausted) returns count=-1
// with a non-nil error; the scanning callers still emit the bucket with
// count -1 per §4.1.
func (p *Partitioner) probeCount(ctx context.Context, min, max float64) (int64, error) {
	q := p.query
	q.PriceMin = min
	q.PriceMax = max

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(bo, 3)

	var count int64
	var lastErr error
	err := backoff.Retry(func() error {
		c, err := p.counter.Count(ctx, q)
		if err != nil {
			lastErr = err
			if upstream.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		count = c
		return nil
	}, retrier)
	if err != nil {
		return -1, fmt.Errorf("heatmap: probe [%v,%v) permanently failed after retries: %w", min, max, lastErr)
	}
	return count, nil
}

// scanSinglePass walks the price axis forward with a variable step:
// denseZoneStep below denseZoneThreshold; above it, the step starts at
// ten times denseZoneStep, doubles after a probe that reaches
// SaturationThreshold and halves after a probe that finds nothing.
func (p *Partitioner) scanSinglePass(ctx context.Context, opts Options) ([]Bucket, int, error) {
	var buckets []Bucket
	apiCalls := 0

	step := opts.DenseZoneStep
	cur := opts.PriceMin
	for cur < opts.PriceMax {
		if cur >= opts.DenseZoneThreshold && step == opts.DenseZoneStep {
			step = opts.DenseZoneStep * 10
		}

		next := cur + step
		if next > opts.PriceMax {
			next = opts.PriceMax
		}

		count, err := p.probeCount(ctx, cur, next)
		apiCalls++
		if err != nil {
			// Permanent probe failure: emit unknown bucket and keep scanning.
			buckets = append(buckets, Bucket{Min: cur, Max: next, Count: -1})
			cur = next
			continue
		}
		buckets = append(buckets, Bucket{Min: cur, Max: next, Count: count})

		if cur >= opts.DenseZoneThreshold {
			switch {
			case count >= opts.SaturationThreshold:
				step *= 2
			case count == 0:
				step = math.Max(step/2, opts.DenseZoneStep)
			}
		}

		cur = next
	}
	return buckets, apiCalls, nil
}

// scanTwoPass discovers non-empty regions with a coarse pass, then
// refines only those regions with the dense-zone step.
func (p *Partitioner) scanTwoPass(ctx context.Context, opts Options) ([]Bucket, int, error) {
	apiCalls := 0
	var coarse []Bucket

	cur := opts.PriceMin
	for cur < opts.PriceMax {
		next := cur + opts.CoarseStep
		if next > opts.PriceMax {
			next = opts.PriceMax
		}
		count, err := p.probeCount(ctx, cur, next)
		apiCalls++
		if err != nil {
			coarse = append(coarse, Bucket{Min: cur, Max: next, Count: -1})
			cur = next
			continue
		}
		coarse = append(coarse, Bucket{Min: cur, Max: next, Count: count})
		cur = next
	}

	var fine []Bucket
	for _, cb := range coarse {
		if cb.Count == 0 {
			fine = append(fine, cb)
			continue
		}
		sub := cb.Min
		for sub < cb.Max {
			next := sub + opts.DenseZoneStep
			if next > cb.Max {
				next = cb.Max
			}
			count, err := p.probeCount(ctx, sub, next)
			apiCalls++
			if err != nil {
				fine = append(fine, Bucket{Min: sub, Max: next, Count: -1})
				sub = next
				continue
			}
			fine = append(fine, Bucket{Min: sub, Max: next, Count: count})
			sub = next
		}
	}
	return fine, apiCalls, nil
}

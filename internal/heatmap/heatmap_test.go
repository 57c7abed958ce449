package heatmap

import (
	"context"
	"testing"

	"diamondscan/internal/upstream"
)

// fixtureCounter implements Counter over n items spread uniformly across
// [min, max); 90 items across [$1000, $4000] reproduces spec §8 Scenario A.
type fixtureCounter struct {
	items []float64 // price of each item
}

func newUniformFixture(n int, min, max float64) *fixtureCounter {
	items := make([]float64, n)
	step := (max - min) / float64(n)
	for i := 0; i < n; i++ {
		items[i] = min + float64(i)*step
	}
	return &fixtureCounter{items: items}
}

func (f *fixtureCounter) Count(ctx context.Context, q upstream.Query) (int64, error) {
	var n int64
	for _, price := range f.items {
		if price >= q.PriceMin && price < q.PriceMax {
			n++
		}
	}
	return n, nil
}

func TestScenarioA_HappyPathSmall(t *testing.T) {
	t.Parallel()
	fixture := newUniformFixture(90, 1000, 4000)
	p := New(fixture, upstream.Query{Feed: "demo"})

	result, err := p.Run(context.Background(), Options{
		PriceMin:            1000,
		PriceMax:            4000,
		WorkerCount:         3,
		MinRecordsPerWorker: 10,
		DenseZoneStep:       500,
		DenseZoneThreshold:  20000,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalRecords != 90 {
		t.Fatalf("expected 90 total records, got %d", result.TotalRecords)
	}
	if len(result.Partitions) != 3 {
		t.Fatalf("expected 3 partitions, got %d: %+v", len(result.Partitions), result.Partitions)
	}

	var sum int64
	for _, part := range result.Partitions {
		sum += part.ExpectedRecords
	}
	if sum != 90 {
		t.Fatalf("expected partitions to sum to 90 records, got %d", sum)
	}
}

func TestPartitionDisjointnessAndCoverage(t *testing.T) {
	t.Parallel()
	fixture := newUniformFixture(500, 100, 50000)
	p := New(fixture, upstream.Query{Feed: "demo"})

	result, err := p.Run(context.Background(), Options{
		PriceMin:            100,
		PriceMax:            50000,
		WorkerCount:         8,
		MinRecordsPerWorker: 10,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	parts := result.Partitions
	if len(parts) == 0 {
		t.Fatalf("expected at least one partition")
	}

	for i := 0; i < len(parts); i++ {
		for j := i + 1; j < len(parts); j++ {
			if parts[i].PriceMin < parts[j].PriceMax && parts[j].PriceMin < parts[i].PriceMax {
				t.Fatalf("partitions %d and %d overlap: %+v %+v", i, j, parts[i], parts[j])
			}
		}
	}

	if parts[0].PriceMin != 100 {
		t.Fatalf("expected coverage to start at 100, got %v", parts[0].PriceMin)
	}
	if parts[len(parts)-1].PriceMax != 50000 {
		t.Fatalf("expected coverage to end at 50000, got %v", parts[len(parts)-1].PriceMax)
	}
	for i := 1; i < len(parts); i++ {
		if parts[i-1].PriceMax != parts[i].PriceMin {
			t.Fatalf("gap between partition %d and %d: %v != %v", i-1, i, parts[i-1].PriceMax, parts[i].PriceMin)
		}
	}
}

func TestMaxTotalRecordsTruncates(t *testing.T) {
	t.Parallel()
	fixture := newUniformFixture(90, 1000, 4000)
	p := New(fixture, upstream.Query{Feed: "demo"})

	result, err := p.Run(context.Background(), Options{
		PriceMin:            1000,
		PriceMax:            4000,
		WorkerCount:         3,
		MinRecordsPerWorker: 10,
		DenseZoneStep:       500,
		DenseZoneThreshold:  20000,
		MaxTotalRecords:     40,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalRecords > 40 {
		t.Fatalf("expected truncation at 40 records, got %d", result.TotalRecords)
	}
}

func TestMergeSmallPartitionsAbsorbsIntoRightNeighbor(t *testing.T) {
	t.Parallel()
	partitions := []Partition{
		{PriceMin: 0, PriceMax: 10, ExpectedRecords: 2},
		{PriceMin: 10, PriceMax: 20, ExpectedRecords: 50},
		{PriceMin: 20, PriceMax: 30, ExpectedRecords: 3},
	}
	merged := mergeSmallPartitions(partitions, 10)
	if len(merged) != 1 {
		t.Fatalf("expected all partitions to merge into one, got %d: %+v", len(merged), merged)
	}
	if merged[0].ExpectedRecords != 55 {
		t.Fatalf("expected merged count 55, got %d", merged[0].ExpectedRecords)
	}
}

func TestProbeFailureEmitsUnknownBucket(t *testing.T) {
	t.Parallel()
	p := New(&alwaysFailCounter{}, upstream.Query{Feed: "demo"})
	buckets, calls, err := p.scanSinglePass(context.Background(), Options{
		PriceMin: 0, PriceMax: 100, DenseZoneStep: 50, DenseZoneThreshold: 20000,
	})
	if err != nil {
		t.Fatalf("scanSinglePass should not bubble probe failures: %v", err)
	}
	if calls == 0 {
		t.Fatalf("expected at least one probe attempt")
	}
	for _, b := range buckets {
		if b.Count != -1 {
			t.Fatalf("expected unknown bucket count=-1, got %+v", b)
		}
	}
}

type alwaysFailCounter struct{}

func (alwaysFailCounter) Count(ctx context.Context, q upstream.Query) (int64, error) {
	return 0, errAlwaysFails
}

var errAlwaysFails = &fixtureErr{"probe always fails"}

type fixtureErr struct{ msg string }

func (e *fixtureErr) Error() string { return e.msg }

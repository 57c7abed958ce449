package heatmap

import "sort"

// formPartitions turns a density map into a balanced partition set:
// equal-count slicing snapped to bucket edges, small partitions merged
// with their right neighbor, and an optional total-records cap applied
// last. Returns the partitions and the (possibly truncated) total
// record count; the latter is -1 when no truncation occurred, signaling
// the caller to use its own already-computed total.
func formPartitions(buckets []Bucket, opts Options) ([]Partition, int64) {
	if len(buckets) == 0 {
		return nil, -1
	}

	edges := bucketEdges(buckets)
	var total int64
	for _, b := range buckets {
		if b.Count > 0 {
			total += b.Count
		}
	}

	maxPartitionSize := total / int64(opts.WorkerCount)
	if total%int64(opts.WorkerCount) != 0 {
		maxPartitionSize++
	}
	if maxPartitionSize < opts.MinRecordsPerWorker {
		maxPartitionSize = opts.MinRecordsPerWorker
	}

	boundaries := equalCountBoundaries(buckets, edges, total, opts.WorkerCount)

	raw := sliceByBoundaries(buckets, boundaries, maxPartitionSize)
	merged := mergeSmallPartitions(raw, opts.MinRecordsPerWorker)

	if opts.MaxTotalRecords > 0 && total > opts.MaxTotalRecords {
		merged, total = truncateToCap(merged, opts.MaxTotalRecords)
		return merged, total
	}

	return merged, -1
}

// bucketEdges returns the sorted, de-duplicated set of bucket Min/Max
// values — every valid partition boundary must land on one of these.
func bucketEdges(buckets []Bucket) []float64 {
	seen := make(map[float64]struct{}, len(buckets)*2)
	var edges []float64
	for _, b := range buckets {
		for _, v := range []float64{b.Min, b.Max} {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				edges = append(edges, v)
			}
		}
	}
	sort.Float64s(edges)
	return edges
}

// snapToEdge finds the edge closest to target, snapping to the lower
// edge on an exact tie (spec §4.1).
func snapToEdge(edges []float64, target float64) float64 {
	best := edges[0]
	bestDist := abs(edges[0] - target)
	for _, e := range edges[1:] {
		d := abs(e - target)
		if d < bestDist || (d == bestDist && e < best) {
			best = e
			bestDist = d
		}
	}
	return best
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// equalCountBoundaries computes W-1 internal boundaries by equal-count
// slicing over the cumulative known-count curve, then snaps each to the
// nearest bucket edge.
func equalCountBoundaries(buckets []Bucket, edges []float64, total int64, workerCount int) []float64 {
	if workerCount <= 1 || total == 0 {
		return nil
	}

	// cumAt(x): cumulative known count for all bucket mass at or below
	// price x (buckets are contiguous and sorted by construction).
	cumAt := func(x float64) int64 {
		var c int64
		for _, b := range buckets {
			if b.Max <= x {
				if b.Count > 0 {
					c += b.Count
				}
			} else if b.Min < x {
				// Partial bucket: approximate proportionally by width.
				if b.Count > 0 && b.Max > b.Min {
					frac := (x - b.Min) / (b.Max - b.Min)
					c += int64(float64(b.Count) * frac)
				}
			}
		}
		return c
	}

	seen := make(map[float64]struct{})
	var boundaries []float64
	for k := 1; k < workerCount; k++ {
		targetCum := total * int64(k) / int64(workerCount)
		// Binary search over edges for the smallest edge whose cumulative
		// count is >= targetCum.
		idx := sort.Search(len(edges), func(i int) bool {
			return cumAt(edges[i]) >= targetCum
		})
		if idx >= len(edges) {
			idx = len(edges) - 1
		}
		candidate := edges[idx]
		// Snap: compare against the edge just below too, tie goes lower.
		if idx > 0 {
			below := edges[idx-1]
			if abs(cumAt(below)-targetCum) <= abs(cumAt(candidate)-targetCum) {
				candidate = below
			}
		}
		if _, ok := seen[candidate]; !ok {
			seen[candidate] = struct{}{}
			boundaries = append(boundaries, candidate)
		}
	}
	sort.Float64s(boundaries)
	return boundaries
}

// sliceByBoundaries builds partitions between consecutive boundaries
// (including the overall min/max), summing bucket counts that fall in
// each span and flagging any partition that contains an unknown
// (count=-1) bucket with the conservative maxPartitionSize estimate.
func sliceByBoundaries(buckets []Bucket, boundaries []float64, maxPartitionSize int64) []Partition {
	overallMin := buckets[0].Min
	overallMax := buckets[len(buckets)-1].Max

	bounds := append([]float64{overallMin}, boundaries...)
	bounds = append(bounds, overallMax)

	partitions := make([]Partition, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		lo, hi := bounds[i], bounds[i+1]
		if lo >= hi {
			continue
		}
		var sum int64
		hasUnknown := false
		for _, b := range buckets {
			if b.Min >= lo && b.Max <= hi {
				if b.Count < 0 {
					hasUnknown = true
				} else {
					sum += b.Count
				}
			}
		}
		expected := sum
		if hasUnknown {
			expected = maxPartitionSize
		}
		partitions = append(partitions, Partition{PriceMin: lo, PriceMax: hi, ExpectedRecords: expected})
	}
	return partitions
}

// mergeSmallPartitions folds any partition below minRecords into its
// right neighbor; the final partition absorbs any remainder rather than
// being dropped (spec §4.1).
func mergeSmallPartitions(partitions []Partition, minRecords int64) []Partition {
	if len(partitions) == 0 {
		return partitions
	}

	var merged []Partition
	i := 0
	for i < len(partitions) {
		p := partitions[i]
		for p.ExpectedRecords < minRecords && i+1 < len(partitions) {
			i++
			next := partitions[i]
			p = Partition{PriceMin: p.PriceMin, PriceMax: next.PriceMax, ExpectedRecords: p.ExpectedRecords + next.ExpectedRecords}
		}
		merged = append(merged, p)
		i++
	}
	if n := len(merged); n > 1 && merged[n-1].ExpectedRecords < minRecords {
		last := merged[n-1]
		merged[n-2].PriceMax = last.PriceMax
		merged[n-2].ExpectedRecords += last.ExpectedRecords
		merged = merged[:n-1]
	}
	return merged
}

// truncateToCap walks partitions in order, keeping whole partitions
// until the cap would be exceeded, then trims the tipping partition's
// ExpectedRecords down to exactly fill the remaining budget and drops
// everything after it.
func truncateToCap(partitions []Partition, cap int64) ([]Partition, int64) {
	var out []Partition
	var running int64
	for _, p := range partitions {
		if running >= cap {
			break
		}
		remaining := cap - running
		if p.ExpectedRecords > remaining {
			p.ExpectedRecords = remaining
		}
		out = append(out, p)
		running += p.ExpectedRecords
	}
	return out, running
}

// Command retry_workers resets a run's failed partitions back to pending
// and republishes their work items (spec §6 /triggers/retry-workers), for
// operators who need the repair path without going through the HTTP API.
// Grounded on the teacher's cmd/tools one-shot repair CLI convention
// (connect, act, report, exit).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/scheduler"
)

func main() {
	runID := flag.String("run", "", "run id to retry failed partitions for")
	partitionID := flag.Int("partition", -1, "restrict to one partition id (default: all failed partitions in the run)")
	feed := flag.String("feed", "", "feed name for the run (required to republish work items)")
	flag.Parse()

	if *runID == "" || *feed == "" {
		log.Fatalf("retry_workers: -run and -feed are required")
	}

	ctx := context.Background()
	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("retry_workers: bootstrap failed: %v", err)
	}
	defer deps.Close()

	var partitionFilter *int
	if *partitionID >= 0 {
		partitionFilter = partitionID
	}

	failed, err := deps.Repo.ListFailedPartitions(ctx, *runID, partitionFilter)
	if err != nil {
		log.Fatalf("retry_workers: list failed partitions: %v", err)
	}
	if len(failed) == 0 {
		fmt.Printf("no failed partitions found for run %s\n", *runID)
		return
	}

	for _, p := range failed {
		if err := deps.Repo.ResetPartitionToPending(ctx, *runID, p.PartitionID); err != nil {
			log.Fatalf("retry_workers: reset partition %d: %v", p.PartitionID, err)
		}
	}

	sched := scheduler.New(deps.Repo, deps.Bus, deps.Objects, deps.Upstream)
	if err := sched.PublishPending(ctx, *runID, *feed); err != nil {
		log.Fatalf("retry_workers: publish pending: %v", err)
	}

	fmt.Printf("reset and republished %d partition(s) for run %s\n", len(failed), *runID)
}

// Command reapply runs a polling watchdog over in-flight reapply jobs
// (spec §4.5 stall detection): most jobs are driven to completion by the
// goroutine the HTTP API spawns when a rule change triggers one, but a
// process restart or a panicked goroutine can leave a job's
// last_progress_at clock frozen. This daemon periodically lists running
// and pending jobs and fails any that have gone stalled past
// reapply.StallThreshold.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/logging"
	"diamondscan/internal/reapply"
)

func main() {
	pollInterval := flag.Duration("poll-interval", 30*time.Second, "how often to scan for stalled reapply jobs")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("reapply: bootstrap failed: %v", err)
	}
	defer deps.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	deps.Log.Info("reapply watchdog started", logging.NewFields().Component("reapply_watchdog").Slice()...)

	for {
		select {
		case <-sigChan:
			deps.Log.Info("shutting down", logging.NewFields().Component("reapply_watchdog").Slice()...)
			cancel()
			return
		case <-ticker.C:
			scanOnce(ctx, deps)
		}
	}
}

func scanOnce(ctx context.Context, deps *bootstrap.Dependencies) {
	jobs, err := deps.Repo.ListRunningReapplyJobs(ctx)
	if err != nil {
		deps.Log.Error("list running reapply jobs", logging.NewFields().Component("reapply_watchdog").Err(err).Slice()...)
		return
	}

	now := time.Now()
	for _, job := range jobs {
		if !reapply.IsStalled(job, now) {
			continue
		}
		jobRef := fmt.Sprintf("%d", job.ID)
		if err := deps.Repo.FailReapplyJob(ctx, job.ID); err != nil {
			deps.Log.Error("fail stalled reapply job",
				logging.NewFields().Component("reapply_watchdog").Operation("fail_stalled").Resource("reapply_job", jobRef).Err(err).Slice()...)
			continue
		}
		deps.Log.Warn("marked stalled reapply job failed",
			logging.NewFields().Component("reapply_watchdog").Operation("fail_stalled").Resource("reapply_job", jobRef).Slice()...)
	}
}

// Command worker runs the work-item queue consumer (spec §4.3). Each
// process instance is single-threaded over messages; scale out by
// running more instances against the same queue.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/logging"
	"diamondscan/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("worker: bootstrap failed: %v", err)
	}
	defer deps.Close()

	w := worker.New(deps.Repo, deps.Bus, deps.Upstream, deps.Log, worker.Options{
		PageSize:      deps.Config.PageSize,
		MinSuccessPct: float64(deps.Config.ConsolidateMinSuccessPct),
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		deps.Log.Info("worker started", logging.NewFields().Component("worker").Slice()...)
		done <- w.Run(ctx)
	}()

	select {
	case <-sigChan:
		deps.Log.Info("shutting down", logging.NewFields().Component("worker").Slice()...)
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Fatalf("worker: run failed: %v", err)
		}
	}
}

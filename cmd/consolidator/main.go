// Command consolidator runs the consolidate-queue consumer (spec §4.4):
// it merges unconsolidated raw items into the canonical diamond store
// and advances the feed watermark on full success.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/consolidator"
	"diamondscan/internal/logging"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("consolidator: bootstrap failed: %v", err)
	}
	defer deps.Close()

	c := consolidator.New(deps.Repo, deps.Objects, deps.Log, consolidator.Options{
		BaseMargins: deps.Config.BaseMargins,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		deps.Log.Info("consolidator started", logging.NewFields().Component("consolidator").Slice()...)
		done <- c.Run(ctx, deps.Bus)
	}()

	select {
	case <-sigChan:
		deps.Log.Info("shutting down", logging.NewFields().Component("consolidator").Slice()...)
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			log.Fatalf("consolidator: run failed: %v", err)
		}
	}
}

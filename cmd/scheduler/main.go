// Command scheduler registers one pipeline run and exits (spec §4.2,
// §2 "operator (or scheduler job) triggers a run"). Intended to be
// invoked by cron or an operator script; the HTTP API's
// /triggers/scheduler endpoint covers the interactive path.
package main

import (
	"context"
	"flag"
	"log"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/heatmap"
	"diamondscan/internal/logging"
	"diamondscan/internal/scheduler"
)

func main() {
	feed := flag.String("feed", "", "feed name to register a run for")
	priceMin := flag.Float64("price-min", 0, "lower bound of the price axis to scan")
	priceMax := flag.Float64("price-max", 0, "upper bound of the price axis to scan")
	flag.Parse()

	if *feed == "" || *priceMax <= *priceMin {
		log.Fatalf("scheduler: -feed is required and -price-max must exceed -price-min")
	}

	ctx := context.Background()
	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("scheduler: bootstrap failed: %v", err)
	}
	defer deps.Close()

	sched := scheduler.New(deps.Repo, deps.Bus, deps.Objects, deps.Upstream)

	runID, err := sched.RegisterRun(ctx, scheduler.RegisterRunOptions{
		Feed:     *feed,
		PriceMin: *priceMin,
		PriceMax: *priceMax,
		HeatmapOptions: heatmap.Options{
			WorkerCount:         deps.Config.HeatmapMaxWorkers,
			MinRecordsPerWorker: deps.Config.HeatmapMinRecordsPerWorker,
			DenseZoneThreshold:  deps.Config.HeatmapDenseZoneThreshold,
			DenseZoneStep:       deps.Config.HeatmapDenseZoneStep,
		},
	})
	if err != nil {
		log.Fatalf("scheduler: register run failed: %v", err)
	}

	deps.Log.Info("run registered for "+*feed, logging.NewFields().Component("scheduler").Resource("run", runID).Slice()...)
}

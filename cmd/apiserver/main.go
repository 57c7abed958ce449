// Command apiserver runs the operator and storefront HTTP surface
// (spec §6). Grounded on the teacher's main.go bootstrap-then-block
// shape, reduced to the one role this binary plays.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"diamondscan/internal/api"
	"diamondscan/internal/bootstrap"
	"diamondscan/internal/logging"
	"diamondscan/internal/reapply"
	"diamondscan/internal/scheduler"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("apiserver: bootstrap failed: %v", err)
	}
	defer deps.Close()

	sched := scheduler.New(deps.Repo, deps.Bus, deps.Objects, deps.Upstream)

	reapplyEngine := reapply.New(deps.Repo, deps.Log, reapply.Options{
		BaseMargins: deps.Config.BaseMargins,
	})

	server := api.NewServer(deps.Repo, deps.Bus, deps.Objects, sched, reapplyEngine, deps.Log, api.Options{
		Port:           deps.Config.APIPort,
		AuthSecret:     deps.Config.APIAuthSecret,
		RateLimitRPS:   deps.Config.APIRateLimitRPS,
		RateLimitBurst: deps.Config.APIRateLimitBurst,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		deps.Log.Info("starting api server", logging.NewFields().Component("apiserver").Resource("port", deps.Config.APIPort).Slice()...)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("apiserver: server failed: %v", err)
		}
	}()

	<-sigChan
	deps.Log.Info("shutting down", logging.NewFields().Component("apiserver").Slice()...)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
}

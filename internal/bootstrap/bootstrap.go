// Package bootstrap builds the dependency set shared by every process
// role's main (scheduler, worker, consolidator, reapply, apiserver),
// factored out of the teacher's single main.go "2. Dependencies"
// section since this system runs one role per binary rather than one
// monolithic process.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"diamondscan/internal/bus"
	"diamondscan/internal/bus/redisbus"
	"diamondscan/internal/config"
	"diamondscan/internal/logging"
	"diamondscan/internal/objectstore"
	"diamondscan/internal/repository"
	"diamondscan/internal/upstream"
)

// Dependencies bundles the process-wide singletons every role's main
// wires into its own component (scheduler, worker, consolidator,
// reapply engine, or HTTP API).
type Dependencies struct {
	Config   *config.Config
	Log      *zap.Logger
	Repo     *repository.Repository
	Bus      bus.Bus
	Objects  objectstore.Store
	Upstream *upstream.Client
}

// New loads configuration and connects every backing service. Callers
// are responsible for calling Close when done.
func New(ctx context.Context) (*Dependencies, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	log, err := logging.New()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build logger: %w", err)
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect repository: %w", err)
	}
	if err := repo.Migrate(ctx, cfg.DatabaseURL); err != nil {
		repo.Close()
		return nil, fmt.Errorf("bootstrap: run migrations: %w", err)
	}

	b := newBus(cfg)
	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("bootstrap: build object store: %w", err)
	}

	up, err := upstream.New(upstream.Config{
		Endpoints:         cfg.UpstreamEndpoints,
		Username:          cfg.UpstreamUsername,
		Password:          cfg.UpstreamPassword,
		OAuthTokenURL:     cfg.UpstreamOAuthTokenURL,
		OAuthClientID:     cfg.UpstreamOAuthClientID,
		OAuthClientSecret: cfg.UpstreamOAuthClientSecret,
		RateLimitPerSec:   cfg.UpstreamRateLimitPerSec,
	})
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("bootstrap: build upstream client: %w", err)
	}

	return &Dependencies{Config: cfg, Log: log, Repo: repo, Bus: b, Objects: objects, Upstream: up}, nil
}

// newBus selects the Redis Streams backend when QUEUE_CONNECTION names
// it, otherwise the in-process channel bus for local/single-node runs.
func newBus(cfg *config.Config) bus.Bus {
	if cfg.QueueConnection == "redis" {
		return redisbus.New(cfg.RedisAddr)
	}
	return bus.NewInProcess()
}

// newObjectStore selects S3 when STORAGE_CONNECTION names it, otherwise
// an in-memory store — fine for local development, not for multi-process
// production since watermark/heatmap blobs wouldn't be shared.
func newObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	if cfg.StorageConnection == "s3" {
		return objectstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region)
	}
	return objectstore.NewMemStore(), nil
}

func (d *Dependencies) Close() {
	d.Repo.Close()
	_ = d.Bus.Close()
}

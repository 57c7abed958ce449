// Package api exposes the operator and storefront HTTP surface (spec
// §6), versioned under /api/v2: run triggers, analytics reads, rule
// CRUD with reapply dispatch, and the diamond storefront. Grounded on
// the teacher's internal/api/server_bootstrap.go Server/NewServer shape
// and gorilla/mux route registration; the flow-chain handlers
// themselves are not reused, only the bootstrap and middleware chain.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"diamondscan/internal/bus"
	"diamondscan/internal/objectstore"
	"diamondscan/internal/reapply"
	"diamondscan/internal/repository"
	"diamondscan/internal/scheduler"
)

// Server bundles the HTTP surface's dependencies: the bookkeeping
// store, the message bus (for manual trigger dispatch), object storage
// (for watermark reads/writes), the scheduler (for run registration),
// and the reapply engine (for rule-driven re-evaluation).
type Server struct {
	repo      *repository.Repository
	bus       bus.Bus
	objects   objectstore.Store
	scheduler *scheduler.Scheduler
	reapply   *reapply.Engine
	log       *zap.Logger

	httpServer *http.Server
	cache      *responseCache
}

// Options configures the HTTP surface's ambient knobs.
type Options struct {
	Port          string
	AuthSecret    string
	RateLimitRPS  float64
	RateLimitBurst int
}

func (o *Options) applyDefaults() {
	if o.Port == "" {
		o.Port = "8080"
	}
	if o.RateLimitRPS <= 0 {
		o.RateLimitRPS = 10
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 20
	}
}

func NewServer(repo *repository.Repository, b bus.Bus, objects objectstore.Store, sched *scheduler.Scheduler, reapplyEngine *reapply.Engine, log *zap.Logger, opts Options) *Server {
	opts.applyDefaults()

	s := &Server{
		repo:      repo,
		bus:       b,
		objects:   objects,
		scheduler: sched,
		reapply:   reapplyEngine,
		log:       log,
		cache:     newResponseCache(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst).middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	v2 := r.PathPrefix("/api/v2").Subrouter()
	v2.Use(authMiddleware(opts.AuthSecret))
	s.registerTriggerRoutes(v2)
	s.registerAnalyticsRoutes(v2)
	s.registerRuleRoutes(v2)
	s.registerDiamondRoutes(v2)

	s.httpServer = &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package server exposes the forge HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"forge/internal/config"
	"forge/internal/observability"
	"forge/internal/realtime"
	"forge/internal/store"
)

// Pinger reports backend liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP surface to the stores, the supervisor and the
// realtime hubs.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	jobs    store.JobStore
	history store.MergeHistoryStore
	hub     *realtime.LogHub
	bus     *realtime.EventBus
	ctl     JobController
	git     GitInfo
	health  Pinger
	metrics *observability.Metrics

	httpServer *http.Server
}

// Options collects the server's dependencies.
type Options struct {
	Config  *config.Config
	Log     *slog.Logger
	Jobs    store.JobStore
	History store.MergeHistoryStore
	Hub     *realtime.LogHub
	Bus     *realtime.EventBus
	Ctl     JobController
	Git     GitInfo
	Health  Pinger
	Metrics *observability.Metrics
}

func New(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		log:     opts.Log,
		jobs:    opts.Jobs,
		history: opts.History,
		hub:     opts.Hub,
		bus:     opts.Bus,
		ctl:     opts.Ctl,
		git:     opts.Git,
		health:  opts.Health,
		metrics: opts.Metrics,
	}

	s.httpServer = &http.Server{
		Addr:    opts.Config.ListenAddr,
		Handler: s.Routes(),
		// No WriteTimeout: the SSE endpoints hold their connections
		// open indefinitely.
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed separately so tests can drive the
// full HTTP surface without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(s.log))

	r.With(WebhookRateLimit(s.cfg.WebhookRatePerSecond)).
		Post("/hooks/post-receive", s.handlePostReceive)

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/restart", s.handleRestartJob)
		r.Get("/jobs/{id}/log/stream", s.handleLogStream)
		r.Get("/events/jobs", s.handleJobEvents)
		r.Get("/repos/{repo}/merges", s.handleListMerges)
		r.Get("/repos/{repo}/branches/{branch}/status", s.handleBranchStatus)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	return r
}

// Run starts the HTTP server and blocks until the context is canceled
// or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package http provides the HTTP transport layer for tileflow.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /sources
//	POST   /jobs
//	GET    /jobs
//	GET    /jobs/{id}
//	DELETE /jobs/{id}
//	POST   /jobs/{id}/retry
//	GET    /jobs/{id}/failures
//	GET    /tiles/{source}/{z}/{x}/{y}
//	GET    /stats
//	GET    /ws/stats
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/me/tileflow/internal/cache"
	"github.com/me/tileflow/internal/config"
	"github.com/me/tileflow/internal/metrics"
	"github.com/me/tileflow/internal/planner"
	"github.com/me/tileflow/internal/source"
	transportws "github.com/me/tileflow/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with tileflow route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server over the planner. store and reg may be nil: the
// tile readout endpoint answers 501 without a cache, and the metrics
// route is simply not mounted without a registry.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(p *planner.Planner, sources *source.Registry, store *cache.Cache, cfg *config.Config, reg *metrics.Registry, instanceID string) *Server {
	h := &Handler{planner: p, sources: sources, store: store, instanceID: instanceID}
	ws := &transportws.Handler{Planner: p, InstanceID: instanceID, Version: Version, Store: store}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Sources
	mux.HandleFunc("GET /sources", h.listSources)

	// Jobs
	mux.HandleFunc("POST /jobs", h.createJob)
	mux.HandleFunc("GET /jobs", h.listJobs)
	mux.HandleFunc("GET /jobs/{id}", h.getJob)
	mux.HandleFunc("DELETE /jobs/{id}", h.cancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", h.retryJob)
	mux.HandleFunc("GET /jobs/{id}/failures", h.listFailures)

	// Cached tile readout
	mux.HandleFunc("GET /tiles/{source}/{z}/{x}/{y}", h.getTile)

	// Stats snapshot plus the WebSocket stream of the same data
	mux.HandleFunc("GET /stats", h.stats)
	mux.Handle("GET /ws/stats", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: CORS → body cap → logging → metrics → auth → rate-limit
	rps := 100.0
	burst := 200

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(rps, burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8400").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

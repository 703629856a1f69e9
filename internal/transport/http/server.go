// Package http provides the HTTP transport layer for EpochTimer.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET /health
//	GET /api/stats
//	GET /api/sessions?kind=&limit=
//	GET /metrics
//	GET /ws
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/epochtimer/internal/config"
	"github.com/snehjoshi/epochtimer/internal/metrics"
)

// Deps are the collaborators the routes read from. Any of them may be nil;
// the matching routes then report 503 or are not mounted.
type Deps struct {
	NodeID   string
	Version  string
	Loop     StatsSource
	Journal  EventSource
	Sessions SessionEndpoint
	Metrics  *metrics.Registry
}

// Server wraps the stdlib HTTP server with EpochTimer route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(cfg *config.Config, d Deps) *Server {
	h := &Handler{
		nodeID:   d.NodeID,
		version:  d.Version,
		kind:     cfg.SchedulerKind(),
		loop:     d.Loop,
		journal:  d.Journal,
		sessions: d.Sessions,
	}
	if h.version == "" {
		h.version = "dev"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/stats", h.stats)
	mux.HandleFunc("GET /api/sessions", h.listSessions)

	if d.Sessions != nil {
		mux.Handle("GET /ws", d.Sessions)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		LoggingMiddleware,
		MetricsMiddleware(d.Metrics),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish. Hijacked WebSocket connections are not
// tracked; their sessions end when the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

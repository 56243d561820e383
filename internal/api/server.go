// Package api exposes the session and query surface over HTTP.
//
// Endpoints:
//
//	GET    /health                          liveness probe
//	GET    /ready                           readiness probe (store ping)
//	POST   /api/v1/sessions                 create session
//	GET    /api/v1/sessions                 list sessions
//	GET    /api/v1/sessions/{id}            get one session
//	DELETE /api/v1/sessions/{id}            end session
//	GET    /api/v1/sessions/{id}/messages   message history
//	POST   /api/v1/sessions/{id}/query      synchronous query
//	POST   /api/v1/sessions/{id}/stream     streaming query (SSE)
//
// File structure:
//   - server.go: server setup and lifecycle
//   - middleware.go: recovery, request logging
//   - ratelimit.go: per-IP token bucket
//   - health.go: /health and /ready
//   - session.go: session CRUD + history
//   - query.go: synchronous query endpoint
//   - stream.go: SSE stream relay
//   - response.go: JSON response helpers
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentgate/agentgate/internal/log"
	"github.com/agentgate/agentgate/internal/query"
	"github.com/agentgate/agentgate/internal/session"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:3400"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout bounds header reads (Slowloris protection).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading an entire request.
	ReadTimeout = 30 * time.Second

	// IdleTimeout is the keep-alive idle limit.
	IdleTimeout = 120 * time.Second
)

// ServerConfig contains the dependencies and knobs for the API server.
type ServerConfig struct {
	Logger   log.Logger       // defaults to slog.Default when nil
	Sessions *session.Manager // required
	Executor *query.Executor  // required

	// Pool enables pool stats in /ready. Nil for memory-store deployments.
	Pool *pgxpool.Pool

	// QueryTimeout is the default per-query limit. Zero means no timeout.
	QueryTimeout time.Duration

	// TrustProxy trusts X-Real-IP/X-Forwarded-For for rate-limit keying.
	TrustProxy bool

	// RateBurst is the per-IP token bucket size. Zero means default 60.
	RateBurst int

	// KeepaliveInterval is the SSE keepalive comment period on idle
	// streams. Zero means the 15 second default.
	KeepaliveInterval time.Duration
}

// Server is the HTTP server for the session and query API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// NewServer creates a server with all routes registered.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("query executor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Config{})
	}

	sh := &sessionHandler{sessions: cfg.Sessions, logger: logger}
	qh := &queryHandler{
		sessions:       cfg.Sessions,
		executor:       cfg.Executor,
		defaultTimeout: cfg.QueryTimeout,
		logger:         logger,
		keepalive:      cfg.KeepaliveInterval,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/sessions", sh.create)
	mux.HandleFunc("GET /api/v1/sessions", sh.list)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.end)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.messages)

	mux.HandleFunc("POST /api/v1/sessions/{id}/query", qh.run)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stream", qh.stream)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first: recovery → logging → rate limit.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	top := http.NewServeMux()
	top.HandleFunc("GET /health", health)
	top.Handle("GET /ready", readiness(cfg.Pool))
	top.Handle("/", handler)

	return &Server{mux: top, logger: logger}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the server and blocks until ctx is canceled, then shuts down
// gracefully. WriteTimeout is deliberately unset: SSE streams hold the
// response open for the lifetime of a query.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

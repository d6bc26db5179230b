package observability

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Server exposes metrics and health endpoints for the orchestrator.
type Server struct {
	addr       string
	checker    *HealthChecker
	httpServer *http.Server
}

// NewServer creates an observability server listening on addr
// (e.g. ":9464"). A nil checker gets an empty one.
func NewServer(addr string, checker *HealthChecker) *Server {
	if checker == nil {
		checker = NewHealthChecker()
	}
	return &Server{addr: addr, checker: checker}
}

// Checker returns the health checker so callers can register probes.
func (s *Server) Checker() *HealthChecker {
	return s.checker
}

// Handler builds the route table: /metrics plus the health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	mux.HandleFunc("/health", s.checker.Handler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", s.checker.ReadinessHandler())
	return mux
}

// Start serves until Shutdown. A closed server returns nil, not
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Package service provides an HTTP harness for running a pipeline as a
// long-lived process: health and readiness probes, a Prometheus metrics
// endpoint and graceful shutdown around the pipeline's run loop.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// Server hosts the operational HTTP endpoints for a pipeline process.
type Server struct {
	Logger     zerolog.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	httpPort   string
	actualAddr string
	mu         sync.RWMutex
	ready      atomic.Bool
}

// NewServer creates a Server listening on httpPort (e.g. ":8080", or ":0"
// for an ephemeral port in tests). If gatherer is non-nil, its metrics are
// served on /metrics.
func NewServer(logger zerolog.Logger, httpPort string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		Logger:   logger.With().Str("component", "service").Logger(),
		mux:      http.NewServeMux(),
		httpPort: httpPort,
	}
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	s.mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.httpServer = &http.Server{Addr: httpPort, Handler: s.mux}
	return s
}

// Mux returns the underlying ServeMux so callers can register extra routes.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// SetReady flips the readiness probe. The hosting process marks itself
// ready once the pipeline's source has started.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the context's
// deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is actually listening on, which
// differs from the configured port when ":0" was requested.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

// Run wires the full process lifecycle together: it starts the HTTP
// server, marks the process ready, runs the pipeline to completion and
// shuts the HTTP server down afterwards. It blocks until the pipeline
// finishes or fails to start.
func Run(ctx context.Context, runner *pipeline.Runner, p pipeline.Pipeline, server *Server) (*pipeline.Result, error) {
	if err := server.Start(); err != nil {
		return nil, err
	}
	defer func() {
		_ = server.Shutdown(context.Background())
	}()

	server.SetReady(true)
	return runner.Run(ctx, p)
}

// Package metrics serves the Prometheus counters and gauges registered
// by C7 (probe), C8 (paymentloop), and C11 (auditor) on a small local
// HTTP endpoint, per SPEC_FULL.md's DOMAIN STACK entry for
// prometheus/client_golang. Grounded on the teacher's
// internal/debug/introspect.Server: a net.Listen + http.Server pair
// started in a goroutine, with a context-bounded Shutdown on Stop.
package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paidcircuit/paidcircuitd/internal/logging"
)

var logger = logging.Named("metrics")

// Server exposes /metrics and /health. A zero-value Addr disables it:
// callers should skip New/Start entirely in that case.
type Server struct {
	Addr string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// New returns a Server that will listen on addr once Start is called.
func New(addr string) *Server {
	return &Server{Addr: addr}
}

// Start binds addr and begins serving in the background. Calling Start
// on an already-running Server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server exited unexpectedly", "error", err)
		}
	}()

	s.running = true
	logger.Info("metrics server listening", "addr", s.listener.Addr().String())
	return nil
}

// Stop gracefully shuts the server down, bounded to 5 seconds.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.running = false
	logger.Info("metrics server stopped")
	return nil
}

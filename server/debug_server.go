// Package server exposes the process-local debug endpoints of a seriesdb
// process: expvar metrics, pprof profiles and the statsviz runtime dashboard.
package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/seriesdb/config"
	"github.com/arl/statsviz"
)

const defaultDebugAddress = "localhost:6060"

// DebugServer serves the debug endpoints described by config.DebugConfig.
type DebugServer struct {
	server   *http.Server
	logger   *slog.Logger
	mu       sync.Mutex
	listener net.Listener
}

// NewDebugServer builds the handler tree. Nothing listens until Start.
func NewDebugServer(cfg config.DebugConfig, logger *slog.Logger) (*DebugServer, error) {
	logger = logger.With("component", "DebugServer")
	mux := http.NewServeMux()

	if cfg.EnabledProfiling {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.EnabledMetrics {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.EnabledMonitorUI {
		err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		)
		if err != nil {
			return nil, fmt.Errorf("register statsviz: %w", err)
		}
		logger.Info("Runtime dashboard enabled on /viz")
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = defaultDebugAddress
	}
	return &DebugServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// Handler returns the root handler.
func (s *DebugServer) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listen address and serves in the background. It returns
// the bound address, which differs from the configured one for port 0.
func (s *DebugServer) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String(), nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return "", fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Debug server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Debug server failed", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Stop gracefully shuts the server down.
func (s *DebugServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.listener = nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("debug server shutdown: %w", err)
	}
	s.logger.Info("Debug server stopped")
	return nil
}

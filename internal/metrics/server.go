// Package metrics provides the HTTP server exposing Prometheus metrics
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/evofunk/pkg/optimizer"
)

// StateFunc reports the optimizer's current lifecycle state
type StateFunc func() optimizer.OptimizerState

// Server exposes Prometheus metrics and run status over HTTP
type Server struct {
	port   int
	state  StateFunc
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates a new metrics server. The state function may be nil when
// no run is attached.
func NewServer(port int, state StateFunc, log zerolog.Logger) *Server {
	return &Server{
		port:  port,
		state: state,
		log:   log.With().Str("component", "metrics_server").Logger(),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Run status endpoint
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")

	// Start in goroutine
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := optimizer.StateIdle
	if s.state != nil {
		state = s.state()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"state": string(state)}); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode status response")
	}
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down metrics server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	s.log.Info().Msg("Metrics server shutdown complete")
	return nil
}

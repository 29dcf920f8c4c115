package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ReadinessFunc returns the failing backends keyed by name
type ReadinessFunc func(ctx context.Context) map[string]string

// Server exposes /metrics, /healthz and /readyz for processes without an
// API router
type Server struct {
	server *http.Server
	port   int
	ready  ReadinessFunc
}

// NewServer creates a metrics server. ready may be nil, in which case
// /readyz always succeeds.
func NewServer(port int, ready ReadinessFunc) *Server {
	s := &Server{port: port, ready: ready}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", s.readyz)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the underlying mux
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	var failures map[string]string
	if s.ready != nil {
		failures = s.ready(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	if len(failures) > 0 {
		status = "unready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   status,
		"failures": failures,
	})
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	log.Info().Int("port", s.port).Msg("Metrics server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight scrapes
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

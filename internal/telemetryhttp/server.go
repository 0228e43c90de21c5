// Package telemetryhttp exposes the supervisor's in-process telemetry over
// HTTP: a liveness probe, a readiness probe backed by the aggregate health
// view, a JSON status dump, and a Prometheus scrape endpoint. Routing is
// gorilla/mux, grounded on the pack's controller-style Register(*mux.Router)
// convention; metrics are served via promhttp.Handler.
package telemetryhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/dbchangerelay/internal/telemetry"
)

// Server is the read-only telemetry dashboard. It never mutates
// supervisor state; every route only ever reads from registry/errors.
type Server struct {
	http     *http.Server
	router   *mux.Router
	logger   zerolog.Logger
	registry *telemetry.Registry
	errors   *telemetry.ErrorRing
	exporter *telemetry.PrometheusExporter
	promReg  *prometheus.Registry
}

// New constructs a Server listening on addr. errorRing may be nil if recent
// error history should not be exposed.
func New(addr string, registry *telemetry.Registry, errorRing *telemetry.ErrorRing, logger zerolog.Logger) (*Server, error) {
	promReg := prometheus.NewRegistry()
	exporter := telemetry.NewPrometheusExporter(registry)
	if err := exporter.Register(promReg); err != nil {
		return nil, err
	}

	s := &Server{
		logger:   logger.With().Str("component", "telemetry-http").Logger(),
		registry: registry,
		errors:   errorRing,
		exporter: exporter,
		promReg:  promReg,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	s.router = router

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the server's routing table, useful for tests that want
// to drive requests without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) metricsHandler() http.Handler {
	base := promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.exporter.Refresh()
		base.ServeHTTP(w, r)
	})
}

// Start begins serving in the background. Call Shutdown to stop it.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("telemetry http server stopped unexpectedly")
		}
	}()
	s.logger.Info().Str("addr", s.http.Addr).Msg("telemetry http server listening")
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	agg := s.registry.Aggregate()
	if !agg.FullyOperational {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// statusResponse is the JSON shape served at /status.
type statusResponse struct {
	Aggregate    telemetry.Aggregate       `json:"aggregate"`
	Workers      []telemetry.Snapshot      `json:"workers"`
	RecentErrors []telemetry.RecordedError `json:"recentErrors,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Aggregate: s.registry.Aggregate(),
		Workers:   s.registry.Snapshots(),
	}
	if s.errors != nil {
		resp.RecentErrors = s.errors.Recent()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode status response")
	}
}

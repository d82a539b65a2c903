// Package api is the operator HTTP surface: health and state snapshots, the
// control endpoints (kill switches, risk mode, override), job and capital
// views, and the Prometheus scrape handler.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"perphedge/internal/config"
)

// Server wraps the HTTP listener around the operator handlers.
type Server struct {
	cfg      config.APIConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the operator API server.
func NewServer(cfg config.APIConfig, handlers *Handlers, metricsHandler http.Handler, logger *slog.Logger) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", handlers.HandleState).Methods(http.MethodGet)
	r.HandleFunc("/jobs", handlers.HandleJobs).Methods(http.MethodGet)
	r.HandleFunc("/capital", handlers.HandleCapital).Methods(http.MethodGet)
	r.HandleFunc("/control/kill", handlers.HandleKill).Methods(http.MethodPost)
	r.HandleFunc("/control/resume", handlers.HandleResume).Methods(http.MethodPost)
	r.HandleFunc("/control/mode", handlers.HandleMode).Methods(http.MethodPost)
	r.HandleFunc("/control/override", handlers.HandleOverride).Methods(http.MethodPost)
	r.HandleFunc("/control/venues/{id}", handlers.HandleVenueRemove).Methods(http.MethodDelete)
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Router exposes the route table for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("operator api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Package core provides the HTTP chassis for the Pip agent service. It builds a
// chi router and applies the cross-cutting middleware (recovery, request IDs,
// logging, CORS, compression, metrics, authentication, rate limiting) before
// requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pipagent/internal/config"
)

// MetricsCollector records API telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a handler's routes on the API router.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies shared by all routes.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	RateLimiter   *ClientRateLimiter
	HealthProbes  []HealthProbe

	// MetricsHandler is served at GET /metrics when set.
	MetricsHandler http.Handler

	// RouteRegistrars are mounted under both /api and /v1. main.go populates
	// them so core never imports the handler packages.
	RouteRegistrars []RouteRegistrar

	// Closers run on Shutdown in registration order.
	Closers []func() error

	router *chi.Mux
}

// NewServer validates the required dependencies and prepares an empty router.
// Call MountRoutes after populating the optional fields.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases storage connections and other registered resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var firstErr error
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("closing server resources: %w", firstErr)
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}

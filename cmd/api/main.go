// Package main is the entry point for the Pip agent API server.
//
// It loads configuration, opens the configured storage backend, builds the
// HTTP server with the core chassis (middleware, routing, health checks,
// metrics), starts the scheduled opportunity agent, and serves until SIGINT
// or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"pipagent/internal/api/handlers"
	"pipagent/internal/auth"
	"pipagent/internal/config"
	"pipagent/internal/core"
	"pipagent/internal/external"
	"pipagent/internal/forecasts"
	"pipagent/internal/metrics"
	"pipagent/internal/opportunities"
	"pipagent/internal/presence"
	"pipagent/internal/scheduler"
	"pipagent/internal/storage"
	"pipagent/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("pip agent API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger, types.RealClock{})
	if err != nil {
		return err
	}

	if err := app.agent.Start(ctx); err != nil {
		_ = app.server.Shutdown(context.Background())
		return fmt.Errorf("starting agent: %w", err)
	}

	return runHTTPServer(ctx, app, cfg, logger)
}

// secretProvider returns the SSM provider outside local mode.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.NewSSMProvider(region)
}

// application holds the wired components.
type application struct {
	server   *core.Server
	agent    *scheduler.OpportunityAgent
	presence *presence.Registry
	metrics  *metrics.Collector
	backends *storage.Backends
}

// buildApp opens storage and wires every component. The returned server has
// its routes mounted; its Shutdown closes the storage backend.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, clock types.Clock) (*application, error) {
	backends, err := storage.Open(ctx, cfg, logger, storage.Options{Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	collector := metrics.New()

	store := opportunities.NewStore(backends.Opportunities, opportunities.StoreConfig{
		CacheTTL:   cfg.Opportunities.CacheTTL,
		MaxPerUser: cfg.Opportunities.MaxPerUser,
		AvatarURL:  cfg.Agent.AvatarURL,
		Clock:      clock,
		Logger:     logger,
		Metrics:    collector,
	})

	registry := presence.NewRegistry(cfg.Agent.ActiveUserTimeout, clock, logger)
	collector.TrackActiveUsers(func() int { return len(registry.ActiveUsers()) })

	weather := external.NewOpenWeatherClient(external.OpenWeatherConfig{
		APIKey:  cfg.Weather.APIKey.Unmask(),
		BaseURL: cfg.Weather.BaseURL,
		Timeout: cfg.Weather.Timeout,
		Logger:  logger,
	})
	insights := forecasts.NewInsightProvider(weather, cfg.Weather.CacheTTL, clock, logger)
	insights.OnFetch(collector.RecordForecast)

	rules := opportunities.RuleConfig{
		AvatarURL:            cfg.Agent.AvatarURL,
		WeatherLookaheadDays: cfg.Agent.WeatherLookaheadDays,
		Clock:                clock,
	}

	agent, err := scheduler.NewOpportunityAgent(scheduler.AgentConfig{
		Enabled:           cfg.Agent.Enabled,
		Cron:              cfg.Agent.Cron,
		MaxTripsPerRun:    cfg.Agent.MaxTripsPerRun,
		DelayBetweenTrips: cfg.Agent.DelayBetweenTrips,
		Rules:             rules,
	}, scheduler.AgentDeps{
		Trips:    backends.Trips,
		Store:    store,
		Presence: registry,
		Alerts:   insights,
		Metrics:  collector,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		_ = backends.Close()
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		_ = backends.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = collector
	srv.MetricsHandler = collector.Handler()
	srv.RateLimiter = core.NewClientRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{ProbeName: "storage", Fn: backends.Ping})
	srv.Closers = append(srv.Closers, backends.Close)

	if cfg.Auth.JWTSecret.IsSet() {
		authenticator, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret.Unmask(), cfg.Auth.JWTIssuer, clock, logger)
		if err != nil {
			_ = backends.Close()
			return nil, fmt.Errorf("creating authenticator: %w", err)
		}
		srv.Authenticator = authenticator
	} else {
		logger.Warn("AUTH_JWT_SECRET not set; bearer tokens will be rejected",
			"uid_fallback", cfg.Auth.AllowUIDFallback)
	}

	oppHandler := handlers.NewOpportunityHandler(store, registry, srv.Validator, handlers.OpportunityHandlerConfig{
		Rules:            rules,
		AllowUIDFallback: cfg.Auth.AllowUIDFallback,
	}, logger)
	tripHandler := handlers.NewTripHandler(backends.Trips, logger)

	srv.RouteRegistrars = append(srv.RouteRegistrars, func(r chi.Router) {
		r.Route("/opportunities", oppHandler.RegisterRoutes)
		r.Route("/trips", tripHandler.RegisterRoutes)
	})
	srv.MountRoutes()

	return &application{
		server:   srv,
		agent:    agent,
		presence: registry,
		metrics:  collector,
		backends: backends,
	}, nil
}

// runHTTPServer serves until ctx is cancelled or the listener fails, then
// stops the agent and drains the server.
func runHTTPServer(ctx context.Context, app *application, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	app.agent.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown: %w", err)
		}
	}

	if runErr == nil {
		logger.Info("server stopped cleanly")
	}
	return runErr
}

// newLogger creates a JSON slog.Logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Package main implements the agent-runner CLI tool, which runs a single
// opportunity agent tick outside the API server's cron schedule.
//
// This tool is intended for local development, manual backfilling, and
// operational debugging.
//
// Usage:
//
//	go run ./cmd/tools/agent-runner --uid=U1,U2
//	go run ./cmd/tools/agent-runner --all-users --dry-run
//	go run ./cmd/tools/agent-runner --migrate
//
// The tool reads the same environment as the API server (or a .env file via
// godotenv). Because the presence registry lives in the API process, a
// manual run names its active users with --uid or scans everyone with
// --all-users. In --dry-run mode candidates are logged but never persisted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pipagent/internal/config"
	"pipagent/internal/db"
	"pipagent/internal/external"
	"pipagent/internal/forecasts"
	"pipagent/internal/opportunities"
	"pipagent/internal/presence"
	"pipagent/internal/scheduler"
	"pipagent/internal/storage"
	"pipagent/internal/types"
)

// options are the parsed command-line flags.
type options struct {
	AllUsers bool
	DryRun   bool
	Migrate  bool
	UIDs     []string
	MaxTrips int
}

func main() {
	allUsersFlag := flag.Bool("all-users", false, "Treat every trip owner as active")
	dryRunFlag := flag.Bool("dry-run", false, "Evaluate the rules and log candidates without persisting them")
	migrateFlag := flag.Bool("migrate", false, "Apply Postgres migrations and exit")
	uidFlag := flag.String("uid", "", "Comma-separated uids to treat as active")
	maxTripsFlag := flag.Int("max-trips", 0, "Override PIP_AGENT_MAX_TRIPS_PER_RUN")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: agent-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Run one opportunity agent tick against the configured backend.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := options{
		AllUsers: *allUsersFlag,
		DryRun:   *dryRunFlag,
		Migrate:  *migrateFlag,
		UIDs:     splitUIDs(*uidFlag),
		MaxTrips: *maxTripsFlag,
	}
	if !opts.Migrate && !opts.AllUsers && len(opts.UIDs) == 0 {
		fmt.Fprintf(os.Stderr, "error: one of --uid, --all-users or --migrate is required\n\n")
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Load .env file for local development (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded (this is fine in production)", "error", err)
	}

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		logger.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, cfg, opts, logger, os.Stdout); err != nil {
		logger.Error("agent run failed", "error", err)
		os.Exit(1)
	}
}

// execute applies migrations or runs one tick and writes the JSON summary to
// out.
func execute(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger, out io.Writer) error {
	if opts.Migrate {
		return migrate(ctx, cfg, logger)
	}

	backends, err := storage.Open(ctx, cfg, logger, storage.Options{})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()

	clock := types.RealClock{}
	store := opportunities.NewStore(backends.Opportunities, opportunities.StoreConfig{
		CacheTTL:   cfg.Opportunities.CacheTTL,
		MaxPerUser: cfg.Opportunities.MaxPerUser,
		AvatarURL:  cfg.Agent.AvatarURL,
		Clock:      clock,
		Logger:     logger,
	})

	registry := presence.NewRegistry(cfg.Agent.ActiveUserTimeout, clock, logger)
	for _, uid := range opts.UIDs {
		registry.MarkActive(uid)
	}

	weather := external.NewOpenWeatherClient(external.OpenWeatherConfig{
		APIKey:  cfg.Weather.APIKey.Unmask(),
		BaseURL: cfg.Weather.BaseURL,
		Timeout: cfg.Weather.Timeout,
		Logger:  logger,
	})
	insights := forecasts.NewInsightProvider(weather, cfg.Weather.CacheTTL, clock, logger)

	maxTrips := cfg.Agent.MaxTripsPerRun
	if opts.MaxTrips > 0 {
		maxTrips = opts.MaxTrips
	}

	agent, err := scheduler.NewOpportunityAgent(scheduler.AgentConfig{
		Enabled:           true,
		Cron:              cfg.Agent.Cron,
		MaxTripsPerRun:    maxTrips,
		DelayBetweenTrips: cfg.Agent.DelayBetweenTrips,
		Rules: opportunities.RuleConfig{
			AvatarURL:            cfg.Agent.AvatarURL,
			WeatherLookaheadDays: cfg.Agent.WeatherLookaheadDays,
			Clock:                clock,
		},
		AllUsers: opts.AllUsers,
		DryRun:   opts.DryRun,
	}, scheduler.AgentDeps{
		Trips:    backends.Trips,
		Store:    store,
		Presence: registry,
		Alerts:   insights,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	start := time.Now()
	summary, err := agent.RunOnce(ctx)
	if err != nil {
		return err
	}
	logger.Info("agent run complete", "backend", backends.Name, "duration", time.Since(start))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// migrate applies the embedded schema. Only the Postgres backend has one.
func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if backend := cfg.ResolveBackend(); backend != config.BackendPostgres {
		return fmt.Errorf("--migrate requires the postgres backend, configured backend is %q", backend)
	}
	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.Migrate(ctx, pool, logger)
}

func splitUIDs(s string) []string {
	var uids []string
	for _, part := range strings.Split(s, ",") {
		if uid := strings.TrimSpace(part); uid != "" {
			uids = append(uids, uid)
		}
	}
	return uids
}

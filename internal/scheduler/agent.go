// Package scheduler runs the opportunity agent: a cron-driven job that scans
// the trips of recently active users and persists the tips the rules derive
// from them.
//
// A tick is strictly sequential across trips, with a configurable pause
// between trips to spread load on the weather API. Within a trip the three
// rule families run concurrently. Overlapping ticks are skipped rather than
// queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"pipagent/internal/opportunities"
	"pipagent/internal/types"
)

// Run outcomes reported to Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeIdle    = "idle"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// OpportunityStore persists candidates. *opportunities.Store satisfies it.
type OpportunityStore interface {
	CreateIfNotExists(ctx context.Context, opp types.Opportunity, fingerprint string) (*types.Opportunity, error)
}

// ActiveUserSource lists users eligible for a run. *presence.Registry
// satisfies it.
type ActiveUserSource interface {
	ActiveUsers() []string
}

// Metrics receives run telemetry. Optional.
type Metrics interface {
	RecordRun(outcome string, duration time.Duration)
	RecordTrip(outcome string, created int)
}

// AgentConfig controls scheduling and batching.
type AgentConfig struct {
	Enabled           bool
	Cron              string
	MaxTripsPerRun    int
	DelayBetweenTrips time.Duration
	Rules             opportunities.RuleConfig

	// AllUsers ignores the active-user registry and scans every user's trips.
	AllUsers bool
	// DryRun evaluates the rules without persisting anything.
	DryRun bool
}

// AgentDeps are the collaborators of an OpportunityAgent.
type AgentDeps struct {
	Trips    types.TripSource
	Store    OpportunityStore
	Presence ActiveUserSource
	Alerts   opportunities.AlertProvider
	Metrics  Metrics
	Clock    types.Clock
	Logger   *slog.Logger
}

// RunSummary describes one tick.
type RunSummary struct {
	ActiveUsers    int `json:"active_users"`
	TripsSelected  int `json:"trips_selected"`
	TripsProcessed int `json:"trips_processed"`
	TripsFailed    int `json:"trips_failed"`
	Candidates     int `json:"candidates"`
	Created        int `json:"created"`
	Duplicates     int `json:"duplicates"`
}

// OpportunityAgent is the scheduled opportunity generator.
type OpportunityAgent struct {
	cfg     AgentConfig
	trips   types.TripSource
	store   OpportunityStore
	users   ActiveUserSource
	alerts  opportunities.AlertProvider
	metrics Metrics
	clock   types.Clock
	logger  *slog.Logger

	// sleep waits between trips. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	cron           *cron.Cron
	cancel         context.CancelFunc
	loggedDisabled bool

	running atomic.Bool
}

// NewOpportunityAgent validates deps and applies defaults.
func NewOpportunityAgent(cfg AgentConfig, deps AgentDeps) (*OpportunityAgent, error) {
	if deps.Trips == nil {
		return nil, errors.New("scheduler: trip source is required")
	}
	if deps.Store == nil && !cfg.DryRun {
		return nil, errors.New("scheduler: opportunity store is required")
	}
	if deps.Presence == nil && !cfg.AllUsers {
		return nil, errors.New("scheduler: active user source is required")
	}
	if cfg.MaxTripsPerRun < 1 {
		cfg.MaxTripsPerRun = 1
	}
	if cfg.DelayBetweenTrips < 0 {
		cfg.DelayBetweenTrips = 0
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if cfg.Rules.Clock == nil {
		cfg.Rules.Clock = deps.Clock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &OpportunityAgent{
		cfg:     cfg,
		trips:   deps.Trips,
		store:   deps.Store,
		users:   deps.Presence,
		alerts:  deps.Alerts,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger.With("component", "opportunity_agent"),
		sleep:   sleepContext,
	}, nil
}

// Start registers the cron entry. It is idempotent. When the agent is
// disabled it logs once and schedules nothing. ctx bounds every run.
func (a *OpportunityAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.cfg.Enabled {
		if !a.loggedDisabled {
			a.logger.InfoContext(ctx, "agent disabled, scheduler not started")
			a.loggedDisabled = true
		}
		return nil
	}
	if a.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{a.logger}),
		cron.WithChain(cron.Recover(cronLogger{a.logger})),
	)
	if _, err := c.AddFunc(a.cfg.Cron, func() { a.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduler: invalid cron expression %q: %w", a.cfg.Cron, err)
	}
	c.Start()

	a.cron = c
	a.cancel = cancel
	a.logger.InfoContext(ctx, "agent scheduler started",
		"cron", a.cfg.Cron,
		"max_trips_per_run", a.cfg.MaxTripsPerRun,
		"delay_between_trips", a.cfg.DelayBetweenTrips,
	)
	return nil
}

// Stop cancels any in-flight run and waits for it to return.
func (a *OpportunityAgent) Stop() {
	a.mu.Lock()
	c, cancel := a.cron, a.cancel
	a.cron, a.cancel = nil, nil
	a.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	a.logger.Info("agent scheduler stopped")
}

// tick is the cron callback. A tick that fires while the previous one is
// still running is dropped.
func (a *OpportunityAgent) tick(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		a.logger.WarnContext(ctx, "previous agent run still in progress, skipping tick")
		a.recordRun(OutcomeSkipped, 0)
		return
	}
	defer a.running.Store(false)

	if _, err := a.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.ErrorContext(ctx, "agent run failed", "error", err)
	}
}

// RunOnce performs one tick. It fails only when the trip listing fails or ctx
// is cancelled; individual trip failures are logged and counted.
func (a *OpportunityAgent) RunOnce(ctx context.Context) (RunSummary, error) {
	start := a.clock.Now()
	var summary RunSummary

	var active map[string]struct{}
	if !a.cfg.AllUsers {
		users := a.users.ActiveUsers()
		summary.ActiveUsers = len(users)
		if len(users) == 0 {
			a.logger.DebugContext(ctx, "no active users, skipping run")
			a.recordRun(OutcomeIdle, 0)
			return summary, nil
		}
		active = make(map[string]struct{}, len(users))
		for _, uid := range users {
			active[uid] = struct{}{}
		}
	}

	buckets, err := a.trips.ListAllTrips(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to list trips", "error", err)
		a.recordRun(OutcomeFailed, a.clock.Now().Sub(start))
		return summary, err
	}

	trips := selectTrips(buckets, active, a.cfg.MaxTripsPerRun)
	summary.TripsSelected = len(trips)
	if len(trips) == 0 {
		a.logger.DebugContext(ctx, "no trips for active users")
		a.recordRun(OutcomeIdle, 0)
		return summary, nil
	}

	a.logger.InfoContext(ctx, "agent run started",
		"active_users", summary.ActiveUsers,
		"trips", len(trips),
		"dry_run", a.cfg.DryRun,
	)

	for i, trip := range trips {
		res, err := a.processTrip(ctx, trip)
		summary.Candidates += res.candidates
		summary.Created += res.created
		summary.Duplicates += res.duplicates

		if err != nil {
			if ctx.Err() != nil {
				a.recordRun(OutcomeFailed, a.clock.Now().Sub(start))
				return summary, ctx.Err()
			}
			summary.TripsFailed++
			a.recordTrip(OutcomeFailed, res.created)
			a.logger.ErrorContext(ctx, "trip processing failed",
				"trip_id", trip.ID,
				"user_id", trip.UserID,
				"error", err,
			)
		} else {
			summary.TripsProcessed++
			a.recordTrip(OutcomeOK, res.created)
		}

		if i < len(trips)-1 && a.cfg.DelayBetweenTrips > 0 {
			if err := a.sleep(ctx, a.cfg.DelayBetweenTrips); err != nil {
				a.recordRun(OutcomeFailed, a.clock.Now().Sub(start))
				return summary, err
			}
		}
	}

	elapsed := a.clock.Now().Sub(start)
	a.recordRun(OutcomeOK, elapsed)
	a.logger.InfoContext(ctx, "agent run finished",
		"trips_processed", summary.TripsProcessed,
		"trips_failed", summary.TripsFailed,
		"candidates", summary.Candidates,
		"created", summary.Created,
		"duplicates", summary.Duplicates,
		"duration", elapsed,
	)
	return summary, nil
}

// selectTrips flattens buckets in order, stamps each trip with its owner and
// keeps at most limit trips of active users. A nil active set admits everyone.
func selectTrips(buckets []types.UserTrips, active map[string]struct{}, limit int) []types.Trip {
	var out []types.Trip
	for _, bucket := range buckets {
		if active != nil {
			if _, ok := active[bucket.UID]; !ok {
				continue
			}
		}
		for _, trip := range bucket.Trips {
			trip.UserID = bucket.UID
			out = append(out, trip)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

type tripResult struct {
	candidates int
	created    int
	duplicates int
}

func (a *OpportunityAgent) processTrip(ctx context.Context, trip types.Trip) (tripResult, error) {
	var planning, monitoring, weather []opportunities.Candidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		planning = opportunities.PlanningOpportunities(trip, a.cfg.Rules)
		return nil
	})
	g.Go(func() error {
		monitoring = opportunities.MonitoringOpportunities(trip, a.cfg.Rules)
		return nil
	})
	g.Go(func() error {
		var err error
		weather, err = opportunities.WeatherOpportunities(gctx, trip, a.cfg.Rules, a.alerts)
		return err
	})
	if err := g.Wait(); err != nil {
		return tripResult{}, err
	}

	candidates := make([]opportunities.Candidate, 0, len(planning)+len(monitoring)+len(weather))
	candidates = append(candidates, planning...)
	candidates = append(candidates, monitoring...)
	candidates = append(candidates, weather...)

	res := tripResult{candidates: len(candidates)}
	if len(candidates) == 0 {
		a.logger.DebugContext(ctx, "no opportunities for trip", "trip_id", trip.ID)
		return res, nil
	}
	if a.cfg.DryRun {
		for _, c := range candidates {
			a.logger.InfoContext(ctx, "candidate",
				"trip_id", trip.ID,
				"user_id", trip.UserID,
				"fingerprint", c.Fingerprint,
				"title", c.Opportunity.PipData.Title,
			)
		}
		return res, nil
	}

	var errs []error
	for _, c := range candidates {
		created, err := a.store.CreateIfNotExists(ctx, c.Opportunity, c.Fingerprint)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", c.Fingerprint, err))
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
		case created == nil:
			res.duplicates++
		default:
			res.created++
		}
	}
	return res, errors.Join(errs...)
}

func (a *OpportunityAgent) recordRun(outcome string, d time.Duration) {
	if a.metrics != nil {
		a.metrics.RecordRun(outcome, d)
	}
}

func (a *OpportunityAgent) recordTrip(outcome string, created int) {
	if a.metrics != nil {
		a.metrics.RecordTrip(outcome, created)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// Package forecasts derives qualitative weather alerts for trip cities from
// cached OpenWeather forecasts.
package forecasts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"pipagent/internal/external"
	"pipagent/internal/types"
)

// DefaultCacheTTL is how long a fetched forecast is reused.
const DefaultCacheTTL = 15 * time.Minute

// ForecastFetcher is the upstream forecast source.
type ForecastFetcher interface {
	Configured() bool
	Forecast(ctx context.Context, city string) (*external.ForecastResponse, error)
}

// InsightProvider caches forecasts per city and derives alerts from them.
// It never surfaces upstream failures; a city it cannot fetch has no alerts.
type InsightProvider struct {
	fetcher  ForecastFetcher
	cache    *cache.Cache
	clock    types.Clock
	logger   *slog.Logger
	warnOnce sync.Once
	onFetch  func(outcome string)
}

// NewInsightProvider builds a provider. A non-positive ttl uses DefaultCacheTTL.
func NewInsightProvider(fetcher ForecastFetcher, ttl time.Duration, clock types.Clock, logger *slog.Logger) *InsightProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InsightProvider{
		fetcher: fetcher,
		cache:   cache.New(ttl, 2*ttl),
		clock:   clock,
		logger:  logger,
	}
}

// OnFetch registers a hook called with "hit", "miss", "error" or "disabled"
// for every lookup. Used for metrics.
func (p *InsightProvider) OnFetch(fn func(outcome string)) {
	p.onFetch = fn
}

func (p *InsightProvider) observe(outcome string) {
	if p.onFetch != nil {
		p.onFetch(outcome)
	}
}

// AlertsForCity returns up to three alerts for the next seven days in city.
// Blank input yields no alerts. The error is non-nil only when ctx is done.
func (p *InsightProvider) AlertsForCity(ctx context.Context, city string) ([]types.WeatherAlert, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, nil
	}

	forecast, err := p.forecast(ctx, city)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, nil
	}
	if forecast == nil || len(forecast.List) == 0 {
		return nil, nil
	}

	return DeriveAlerts(city, SummarizeDaily(forecast.List), p.clock.Now()), nil
}

func (p *InsightProvider) forecast(ctx context.Context, city string) (*external.ForecastResponse, error) {
	key := strings.ToLower(city)
	if cached, ok := p.cache.Get(key); ok {
		p.observe("hit")
		return cached.(*external.ForecastResponse), nil
	}

	if !p.fetcher.Configured() {
		p.warnOnce.Do(func() {
			p.logger.WarnContext(ctx, "openweather api key missing, weather alerts disabled")
		})
		p.observe("disabled")
		return nil, external.ErrMissingAPIKey
	}

	forecast, err := p.fetcher.Forecast(ctx, city)
	if err != nil {
		p.observe("error")
		if !errors.Is(err, context.Canceled) {
			p.logger.WarnContext(ctx, "forecast fetch failed", "city", city, "error", err)
		}
		return nil, err
	}

	p.observe("miss")
	p.cache.SetDefault(key, forecast)
	return forecast, nil
}

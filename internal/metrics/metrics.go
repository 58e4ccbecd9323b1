// Package metrics exposes the service's Prometheus collectors. A Collector
// owns its own registry so tests can create as many as they like.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pip"

// Collector implements core.MetricsCollector, opportunities.StoreMetrics and
// scheduler.Metrics.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	inserts      *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec

	agentRuns        *prometheus.CounterVec
	agentRunDuration prometheus.Histogram
	agentTrips       *prometheus.CounterVec
	agentCreated     prometheus.Counter

	forecastFetches *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunity_inserts_total",
			Help:      "Opportunity create attempts by outcome (created, duplicate, error).",
		}, []string{"outcome"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunity_cache_lookups_total",
			Help:      "Per-user opportunity cache lookups by result.",
		}, []string{"result"}),
		agentRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent ticks by outcome (ok, idle, failed, skipped).",
		}, []string{"outcome"}),
		agentRunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Wall time of agent ticks that processed trips.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300},
		}),
		agentTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_trips_total",
			Help:      "Trips processed by the agent by outcome.",
		}, []string{"outcome"}),
		agentCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_opportunities_created_total",
			Help:      "Opportunities created by the agent.",
		}),
		forecastFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forecast_lookups_total",
			Help:      "Weather forecast lookups by outcome (hit, miss, error, disabled).",
		}, []string{"outcome"}),
	}
}

// RecordRequest implements core.MetricsCollector.
func (c *Collector) RecordRequest(method, route, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordInsert counts one CreateIfNotExists outcome.
func (c *Collector) RecordInsert(outcome string) {
	c.inserts.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRun counts one agent tick. Duration is observed only for ticks that
// did work.
func (c *Collector) RecordRun(outcome string, duration time.Duration) {
	c.agentRuns.WithLabelValues(outcome).Inc()
	if outcome == "ok" || outcome == "failed" {
		c.agentRunDuration.Observe(duration.Seconds())
	}
}

// RecordTrip counts one processed trip and the opportunities it produced.
func (c *Collector) RecordTrip(outcome string, created int) {
	c.agentTrips.WithLabelValues(outcome).Inc()
	if created > 0 {
		c.agentCreated.Add(float64(created))
	}
}

// RecordForecast counts a forecast lookup. It matches the
// forecasts.InsightProvider OnFetch hook.
func (c *Collector) RecordForecast(outcome string) {
	c.forecastFetches.WithLabelValues(outcome).Inc()
}

// TrackActiveUsers exposes a gauge read from fn at scrape time.
func (c *Collector) TrackActiveUsers(fn func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_users",
		Help:      "Users that polled for opportunities within the activity timeout.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}


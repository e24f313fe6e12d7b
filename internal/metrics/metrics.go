// Package metrics holds the Prometheus collectors of the relay.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Completion request duration: 100ms to 5min.
var completionDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector holds all Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	CompletionDuration *prometheus.HistogramVec
	CompletionsTotal   *prometheus.CounterVec
	StreamUpdatesTotal prometheus.Counter
	TurnDuration       *prometheus.HistogramVec

	HistoryTrimmedTotal       prometheus.Counter
	HistoryWriteFailuresTotal prometheus.Counter

	UpdatesTotal            *prometheus.CounterVec
	PlatformRateLimitsTotal prometheus.Counter
	ModelListLoadsTotal     *prometheus.CounterVec
}

// NewCollector creates a registry with Go/process collectors and registers
// all relay metrics on it.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,

		CompletionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "completion",
				Name:      "request_duration_seconds",
				Help:      "Duration of upstream completion requests in seconds.",
				Buckets:   completionDurationBuckets,
			},
			[]string{"mode", "outcome"},
		),
		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "completion",
				Name:      "requests_total",
				Help:      "Completion requests by agent and outcome.",
			},
			[]string{"agent", "outcome"},
		),
		StreamUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "completion",
			Name:      "stream_updates_total",
			Help:      "Progress updates fired while aggregating streams.",
		}),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "chat",
				Name:      "turn_duration_seconds",
				Help:      "Duration of a whole chat turn, history included, in seconds.",
				Buckets:   completionDurationBuckets,
			},
			[]string{"outcome"},
		),
		HistoryTrimmedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "trimmed_entries_total",
			Help:      "History entries dropped by count or token trimming.",
		}),
		HistoryWriteFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "write_failures_total",
			Help:      "History writes that failed and were dropped.",
		}),
		UpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telegram",
				Name:      "updates_total",
				Help:      "Webhook updates by handling result.",
			},
			[]string{"result"},
		),
		PlatformRateLimitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram",
			Name:      "rate_limited_total",
			Help:      "Chat platform calls rejected with HTTP 429.",
		}),
		ModelListLoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agents",
				Name:      "model_list_loads_total",
				Help:      "Model list lookups by cache result.",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveCompletion(mode, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.CompletionDuration.WithLabelValues(mode, outcome).Observe(d.Seconds())
}

func (c *Collector) ObserveTurn(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (c *Collector) AgentRequest(agent, outcome string) {
	if c == nil {
		return
	}
	c.CompletionsTotal.WithLabelValues(agent, outcome).Inc()
}

func (c *Collector) StreamUpdate() {
	if c == nil {
		return
	}
	c.StreamUpdatesTotal.Inc()
}

func (c *Collector) HistoryTrimmed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.HistoryTrimmedTotal.Add(float64(n))
}

func (c *Collector) HistoryWriteFailed() {
	if c == nil {
		return
	}
	c.HistoryWriteFailuresTotal.Inc()
}

func (c *Collector) Update(result string) {
	if c == nil {
		return
	}
	c.UpdatesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.PlatformRateLimitsTotal.Inc()
}

func (c *Collector) ModelListLoad(result string) {
	if c == nil {
		return
	}
	c.ModelListLoadsTotal.WithLabelValues(result).Inc()
}

// Package prometheus provides a Prometheus-backed metrics.Collector. It is
// optional and only imported when Prometheus metrics are needed.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hack-ink/jwks-cache/metrics"
)

// Collector implements metrics.Collector, emitting exactly the metric names
// named by the external interface contract: jwks_cache_requests_total,
// jwks_cache_hits_total, jwks_cache_misses_total, jwks_cache_stale_total,
// jwks_cache_refresh_total, jwks_cache_refresh_errors_total, and
// jwks_cache_refresh_duration_seconds, all labeled by tenant and provider.
type Collector struct {
	requests      *prometheus.CounterVec
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	stale         *prometheus.CounterVec
	refresh       *prometheus.CounterVec
	refreshErrors *prometheus.CounterVec
	refreshDur    *prometheus.HistogramVec
	state         *prometheus.GaugeVec
}

// CollectorConfig provides configuration options for the Prometheus
// collector, mirroring the teacher package's CollectorConfig shape.
type CollectorConfig struct {
	// Registry is the Prometheus registry to use. If nil, uses
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Namespace for metrics (default: "jwks_cache").
	Namespace string

	// ConstLabels are labels added to all metrics.
	ConstLabels prometheus.Labels
}

// NewCollector creates a new Prometheus collector with default registry and
// configuration.
func NewCollector() *Collector {
	return NewCollectorWithConfig(CollectorConfig{})
}

// NewCollectorWithRegistry creates a new Prometheus collector with a custom
// registry.
func NewCollectorWithRegistry(reg prometheus.Registerer) *Collector {
	return NewCollectorWithConfig(CollectorConfig{Registry: reg})
}

// NewCollectorWithConfig creates a new Prometheus collector with custom
// configuration.
func NewCollectorWithConfig(config CollectorConfig) *Collector {
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}
	if config.Namespace == "" {
		config.Namespace = "jwks_cache"
	}

	factory := promauto.With(config.Registry)
	labels := []string{"tenant", "provider"}

	return &Collector{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "requests_total",
			Help:        "Total number of resolve() calls",
			ConstLabels: config.ConstLabels,
		}, labels),
		hits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "hits_total",
			Help:        "Total number of resolve() calls satisfied without a miss",
			ConstLabels: config.ConstLabels,
		}, labels),
		misses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "misses_total",
			Help:        "Total number of resolve() calls that could not be satisfied immediately",
			ConstLabels: config.ConstLabels,
		}, labels),
		stale: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "stale_total",
			Help:        "Total number of refresh failures absorbed by the stale-while-error window",
			ConstLabels: config.ConstLabels,
		}, labels),
		refresh: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "refresh_total",
			Help:        "Total number of completed refresh cycles",
			ConstLabels: config.ConstLabels,
		}, append(append([]string{}, labels...), "result")),
		refreshErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "refresh_errors_total",
			Help:        "Total number of refresh cycles that ended in failure",
			ConstLabels: config.ConstLabels,
		}, labels),
		refreshDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "refresh_duration_seconds",
			Help:        "Duration of completed refresh cycles in seconds",
			Buckets:     []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
			ConstLabels: config.ConstLabels,
		}, labels),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "state",
			Help:        "Current CacheManager state as an enum value (0=Empty,1=Loading,2=Ready,3=Refreshing)",
			ConstLabels: config.ConstLabels,
		}, labels),
	}
}

func (c *Collector) RecordRequest(tenant, provider string) {
	c.requests.WithLabelValues(tenant, provider).Inc()
}

func (c *Collector) RecordHit(tenant, provider string) {
	c.hits.WithLabelValues(tenant, provider).Inc()
}

func (c *Collector) RecordMiss(tenant, provider string) {
	c.misses.WithLabelValues(tenant, provider).Inc()
}

func (c *Collector) RecordStale(tenant, provider string) {
	c.stale.WithLabelValues(tenant, provider).Inc()
}

func (c *Collector) RecordRefresh(tenant, provider, result string, duration time.Duration) {
	c.refresh.WithLabelValues(tenant, provider, result).Inc()
	c.refreshDur.WithLabelValues(tenant, provider).Observe(duration.Seconds())
}

func (c *Collector) RecordRefreshError(tenant, provider string) {
	c.refreshErrors.WithLabelValues(tenant, provider).Inc()
}

func (c *Collector) SetState(tenant, provider, state string) {
	c.state.WithLabelValues(tenant, provider).Set(stateValue(state))
}

func stateValue(state string) float64 {
	switch state {
	case "Empty":
		return 0
	case "Loading":
		return 1
	case "Ready":
		return 2
	case "Refreshing":
		return 3
	default:
		return -1
	}
}

var _ metrics.Collector = (*Collector)(nil)

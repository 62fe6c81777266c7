// Package metrics defines the facade this module's core uses to report
// observability data, decoupled from any concrete metrics backend. A
// consumer that does not want metrics gets NoOpCollector for free; a
// consumer that wants Prometheus imports metrics/prometheus instead.
package metrics

import "time"

// Collector receives the canonical events named by the external interface
// contract: jwks_cache_requests_total, jwks_cache_hits_total,
// jwks_cache_misses_total, jwks_cache_stale_total, jwks_cache_refresh_total,
// jwks_cache_refresh_errors_total, and jwks_cache_refresh_duration_seconds,
// all labeled by tenant and provider.
type Collector interface {
	// RecordRequest counts one resolve() call.
	RecordRequest(tenant, provider string)
	// RecordHit counts a resolve() that returned a payload without a miss.
	RecordHit(tenant, provider string)
	// RecordMiss counts a resolve() that could not satisfy the request from
	// the currently published payload.
	RecordMiss(tenant, provider string)
	// RecordStale counts a refresh cycle that failed while the
	// stale-while-error window kept the previous payload published.
	RecordStale(tenant, provider string)
	// RecordRefresh counts one completed refresh cycle and its duration.
	// result is "success", "not_modified", or "error"; "error" cycles are
	// recorded with a zero duration.
	RecordRefresh(tenant, provider, result string, duration time.Duration)
	// RecordRefreshError counts a refresh cycle that ended in failure.
	RecordRefreshError(tenant, provider string)
	// SetState publishes the manager's current state as a gauge value for
	// dashboards; state is one of Empty/Loading/Ready/Refreshing.
	SetState(tenant, provider, state string)
}

// NoOpCollector implements Collector with no-op operations, used as the
// default when no metrics sink is configured.
type NoOpCollector struct{}

func (NoOpCollector) RecordRequest(tenant, provider string) {}
func (NoOpCollector) RecordHit(tenant, provider string)     {}
func (NoOpCollector) RecordMiss(tenant, provider string)    {}
func (NoOpCollector) RecordStale(tenant, provider string)   {}
func (NoOpCollector) RecordRefresh(tenant, provider, result string, duration time.Duration) {
}
func (NoOpCollector) RecordRefreshError(tenant, provider string) {}
func (NoOpCollector) SetState(tenant, provider, state string)    {}

// DefaultCollector is the default no-op collector used when metrics are not
// configured on a Registry.
var DefaultCollector Collector = NoOpCollector{}

var _ Collector = NoOpCollector{}

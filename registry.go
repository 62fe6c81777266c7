package jwkscache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/hack-ink/jwks-cache/metrics"
	"github.com/hack-ink/jwks-cache/tracing"
)

// RegistryOption configures a Registry at construction time, following the
// same functional-options shape the teacher package uses for Transport.
type RegistryOption func(*registryConfig) error

type registryConfig struct {
	requireHTTPS        bool
	defaultRefreshEarly time.Duration
	defaultStaleWhile   time.Duration
	allowedDomains      []string
	snapshotStore       SnapshotStore
	defaultRetryPolicy  RetryPolicy
	baseTransport       http.RoundTripper
	clock               Clock
	metrics             metrics.Collector
	tracer              tracing.Emitter
	breaker             circuitbreaker.CircuitBreaker[*http.Response]
}

// WithRequireHTTPS(true) forces every registration in the registry to
// require an https jwks_url; with false, each registration's own
// RequireHTTPS field applies.
func WithRequireHTTPS(require bool) RegistryOption {
	return func(c *registryConfig) error {
		c.requireHTTPS = require
		return nil
	}
}

// WithDefaultRefreshEarly sets the refresh_early applied to a registration
// that leaves its own field at zero.
func WithDefaultRefreshEarly(d time.Duration) RegistryOption {
	return func(c *registryConfig) error {
		c.defaultRefreshEarly = d
		return nil
	}
}

// WithDefaultStaleWhileError sets the stale_while_error applied to a
// registration that leaves its own field at zero.
func WithDefaultStaleWhileError(d time.Duration) RegistryOption {
	return func(c *registryConfig) error {
		c.defaultStaleWhile = d
		return nil
	}
}

// WithAllowedDomain adds a host suffix to the registry's allow-list, unioned
// with each registration's own allowed_domains per §4.6's composition rule.
func WithAllowedDomain(suffix string) RegistryOption {
	return func(c *registryConfig) error {
		c.allowedDomains = append(c.allowedDomains, suffix)
		return nil
	}
}

// WithSnapshotStore installs the persistence backend used by PersistAll and
// RestoreFromPersistence. The default is NoopSnapshotStore.
func WithSnapshotStore(store SnapshotStore) RegistryOption {
	return func(c *registryConfig) error {
		c.snapshotStore = store
		return nil
	}
}

// WithDefaultRetryPolicy sets the RetryPolicy applied to a registration that
// leaves its own RetryPolicy at the zero value.
func WithDefaultRetryPolicy(policy RetryPolicy) RegistryOption {
	return func(c *registryConfig) error {
		c.defaultRetryPolicy = policy
		return nil
	}
}

// WithBaseTransport overrides the RoundTripper cloned for every
// registration's HttpFetcher; nil selects http.DefaultTransport.
func WithBaseTransport(rt http.RoundTripper) RegistryOption {
	return func(c *registryConfig) error {
		c.baseTransport = rt
		return nil
	}
}

// WithClock overrides the monotonic clock used by every CacheManager; tests
// substitute a fakeClock here.
func WithClock(clock Clock) RegistryOption {
	return func(c *registryConfig) error {
		c.clock = clock
		return nil
	}
}

// WithMetricsCollector installs the MetricsSink every CacheManager reports
// to. The default is metrics.NoOpCollector.
func WithMetricsCollector(collector metrics.Collector) RegistryOption {
	return func(c *registryConfig) error {
		c.metrics = collector
		return nil
	}
}

// WithTraceEmitter installs the TraceEmitter every CacheManager reports to.
// The default is tracing.NoOpEmitter.
func WithTraceEmitter(emitter tracing.Emitter) RegistryOption {
	return func(c *registryConfig) error {
		c.tracer = emitter
		return nil
	}
}

// WithCircuitBreaker installs a circuit breaker that wraps every upstream
// fetch attempt. The one instance, and so its open/closed state, is shared
// by every CacheManager the registry creates. Use DefaultCircuitBreaker for the
// teacher-equivalent defaults, or build a custom one with
// circuitbreaker.NewBuilder[*http.Response](). Disabled (nil) by default.
func WithCircuitBreaker(breaker circuitbreaker.CircuitBreaker[*http.Response]) RegistryOption {
	return func(c *registryConfig) error {
		c.breaker = breaker
		return nil
	}
}

// Registry composes the registrations in §4.6: a reader-preferring map of
// CacheManagers, registry-wide policy defaults, and persistence
// orchestration through an optional SnapshotStore.
type Registry struct {
	cfg registryConfig

	mu       sync.RWMutex
	managers map[registrationKey]*CacheManager
}

// NewRegistry builds a Registry from options. This mirrors Registry::builder
// from §6's consumer API surface, collapsed into a single constructor since
// Go idiomatically applies functional options directly rather than
// threading a separate builder value through the caller.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	cfg := registryConfig{
		snapshotStore:      NoopSnapshotStore{},
		defaultRetryPolicy: DefaultRetryPolicy(),
		clock:              defaultClock,
		metrics:            metrics.NoOpCollector{},
		tracer:             tracing.NoOpEmitter{},
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, newErr(KindConfig, "registry.new", "option application failed", false, err)
		}
	}
	return &Registry{cfg: cfg, managers: make(map[registrationKey]*CacheManager)}, nil
}

// effectiveAllowList implements §4.6's allow-list composition: registry
// defaults unioned with the registration's own allowed_domains.
func (r *Registry) effectiveAllowList(reg *IdentityProviderRegistration) []string {
	out := make([]string, 0, len(r.cfg.allowedDomains)+len(reg.AllowedDomains))
	out = append(out, r.cfg.allowedDomains...)
	out = append(out, reg.AllowedDomains...)
	return out
}

// Register implements Registry::register from §4.6: validates, rejects
// duplicates, and installs a fresh CacheManager in Empty without an eager
// fetch.
func (r *Registry) Register(ctx context.Context, reg IdentityProviderRegistration) error {
	span := r.cfg.tracer.StartSpan(ctx, "jwks.registry.register", reg.TenantID, reg.ProviderID, "Empty")
	defer func() { span.End("registered", nil) }()

	if r.cfg.requireHTTPS {
		reg.RequireHTTPS = true
	}
	if r.cfg.defaultRefreshEarly > 0 && reg.RefreshEarly == 0 {
		reg.RefreshEarly = r.cfg.defaultRefreshEarly
	}
	if r.cfg.defaultStaleWhile > 0 && reg.StaleWhileError == 0 {
		reg.StaleWhileError = r.cfg.defaultStaleWhile
	}
	reg = reg.withDefaults()
	var zero RetryPolicy
	if reg.RetryPolicy == zero {
		reg.RetryPolicy = r.cfg.defaultRetryPolicy
	}
	if err := reg.validate(); err != nil {
		span.End("invalid", err)
		return err
	}

	key := keyOf(reg.TenantID, reg.ProviderID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.managers[key]; exists {
		err := newErr(KindConfig, "register", fmt.Sprintf("registration %s/%s already exists", reg.TenantID, reg.ProviderID), false, nil)
		span.End("conflict", err)
		return err
	}

	regCopy := reg
	manager := newCacheManager(reg.TenantID, reg.ProviderID, &regCopy, r.effectiveAllowList(&regCopy), r.cfg.baseTransport, r.cfg.clock, r.cfg.metrics, r.cfg.tracer, r.cfg.breaker)
	r.managers[key] = manager
	return nil
}

// Unregister implements Registry::unregister: removes the manager and
// cancels its wakeups and any in-flight fetch.
func (r *Registry) Unregister(tenant, provider string) error {
	key := keyOf(tenant, provider)

	r.mu.Lock()
	manager, ok := r.managers[key]
	if !ok {
		r.mu.Unlock()
		return newErr(KindNotFound, "unregister", fmt.Sprintf("no registration %s/%s", tenant, provider), false, nil)
	}
	delete(r.managers, key)
	r.mu.Unlock()

	manager.close()
	return nil
}

// lookup returns the manager for (tenant, provider) or a NotFound error.
func (r *Registry) lookup(tenant, provider string) (*CacheManager, error) {
	r.mu.RLock()
	manager, ok := r.managers[keyOf(tenant, provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, newErr(KindNotFound, "lookup", fmt.Sprintf("no registration %s/%s", tenant, provider), false, nil)
	}
	return manager, nil
}

// Resolve implements Registry::resolve.
func (r *Registry) Resolve(ctx context.Context, tenant, provider, kid string) (*KeySet, error) {
	manager, err := r.lookup(tenant, provider)
	if err != nil {
		return nil, err
	}
	return manager.Resolve(ctx, kid)
}

// Refresh implements Registry::refresh.
func (r *Registry) Refresh(ctx context.Context, tenant, provider string) error {
	manager, err := r.lookup(tenant, provider)
	if err != nil {
		return err
	}
	return manager.Refresh(ctx)
}

// ProviderStatus implements Registry::provider_status.
func (r *Registry) ProviderStatus(tenant, provider string) (StatusSnapshot, error) {
	manager, err := r.lookup(tenant, provider)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return manager.Status(), nil
}

// AllStatuses implements Registry::all_statuses.
func (r *Registry) AllStatuses() []StatusSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StatusSnapshot, 0, len(r.managers))
	for _, manager := range r.managers {
		out = append(out, manager.Status())
	}
	return out
}

// PersistAll implements Registry::persist_all: iterates over every manager
// and serializes its current entry through the configured SnapshotStore.
// Managers with nothing durable to persist (Empty/Loading) are skipped; the
// first persistence failure is returned after attempting every manager.
func (r *Registry) PersistAll(ctx context.Context) error {
	r.mu.RLock()
	managers := make([]*CacheManager, 0, len(r.managers))
	for _, manager := range r.managers {
		managers = append(managers, manager)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, manager := range managers {
		if err := manager.persistEntry(ctx, r.cfg.snapshotStore); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreFromPersistence implements Registry::restore_from_persistence:
// iterates over every manager and loads its entry from the configured
// SnapshotStore, per the §4.7 restore policy. A manager with no stored
// snapshot, or whose snapshot is wall-clock expired, is left in Empty.
func (r *Registry) RestoreFromPersistence(ctx context.Context) error {
	r.mu.RLock()
	managers := make([]*CacheManager, 0, len(r.managers))
	for _, manager := range r.managers {
		managers = append(managers, manager)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, manager := range managers {
		if err := manager.restoreEntry(ctx, r.cfg.snapshotStore); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close unregisters every manager, cancelling all wakeups and in-flight
// fetches. Intended for process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*CacheManager, 0, len(r.managers))
	for _, manager := range r.managers {
		managers = append(managers, manager)
	}
	r.managers = make(map[registrationKey]*CacheManager)
	r.mu.Unlock()

	for _, manager := range managers {
		manager.close()
	}
}

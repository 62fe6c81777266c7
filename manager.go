package jwkscache

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/hack-ink/jwks-cache/metrics"
	"github.com/hack-ink/jwks-cache/tracing"
)

// resolvedSnapshot is the immutable, atomically-published payload readers
// dereference. A swap during Refreshing can never tear a concurrent read:
// the reader either observes the pointer before or after the swap, never a
// partially written struct.
type resolvedSnapshot struct {
	keys      *KeySet
	fetchedAt time.Time
}

// flight is the single-flight coordination handle described in §9: a new
// caller atomically checks-and-installs it; losers await its done channel
// and then read err, set once by the winner before the channel is closed.
type flight struct {
	done chan struct{}
	err  error
}

// StatusSnapshot is the read-only view returned by CacheManager.Status and
// Registry.ProviderStatus/AllStatuses.
type StatusSnapshot struct {
	TenantID      string
	ProviderID    string
	State         string
	FetchedAt     time.Time
	ExpiresAt     time.Time
	NextRefreshAt time.Time
	StaleDeadline time.Time
	ErrorCount    int
	Hits          int64
	Misses        int64
}

// CacheManager drives one registration's CacheEntry through the state
// machine in §4.1, coordinating fetches with a single in-flight handle and
// a scheduler timer armed after every transition.
type CacheManager struct {
	tenantID   string
	providerID string
	reg        *IdentityProviderRegistration
	fetcher    *HttpFetcher
	metrics    metrics.Collector
	tracer     tracing.Emitter
	clock      Clock

	rngMu     sync.Mutex
	rng       *rand.Rand
	jsRefresh jitterState

	mu       sync.Mutex
	entry    cacheEntry
	inflight *flight
	timer    *time.Timer
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc

	kidAttemptsMu sync.Mutex
	kidAttempts   map[string]time.Time

	snapshot atomic.Pointer[resolvedSnapshot]

	hits   atomic.Int64
	misses atomic.Int64
}

func newCacheManager(
	tenantID, providerID string,
	reg *IdentityProviderRegistration,
	allowedSuffixes []string,
	baseTransport http.RoundTripper,
	clock Clock,
	mcoll metrics.Collector,
	tracer tracing.Emitter,
	breaker circuitbreaker.CircuitBreaker[*http.Response],
) *CacheManager {
	if clock == nil {
		clock = defaultClock
	}
	if mcoll == nil {
		mcoll = metrics.NoOpCollector{}
	}
	if tracer == nil {
		tracer = tracing.NoOpEmitter{}
	}
	lifetimeCtx, cancel := context.WithCancel(context.Background())
	m := &CacheManager{
		tenantID:    tenantID,
		providerID:  providerID,
		reg:         reg,
		fetcher:     newHttpFetcher(reg, allowedSuffixes, baseTransport, clock, breaker),
		metrics:     mcoll,
		tracer:      tracer,
		clock:       clock,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		kidAttempts: make(map[string]time.Time),
		ctx:         lifetimeCtx,
		cancel:      cancel,
	}
	m.entry.state = stateEmpty
	return m
}

// Resolve implements CacheManager.resolve from §4.5.
func (m *CacheManager) Resolve(ctx context.Context, kid string) (*KeySet, error) {
	m.metrics.RecordRequest(m.tenantID, m.providerID)

	m.mu.Lock()
	state := m.entry.state
	span := m.tracer.StartSpan(ctx, "jwks.resolve", m.tenantID, m.providerID, state.String())
	if m.closed {
		m.mu.Unlock()
		span.End("cancelled", nil)
		return nil, newErr(KindCancelled, "resolve", "manager unregistered", false, nil)
	}
	if state == stateEmpty && !m.entry.negativeUntil.IsZero() && m.clock.Now().Before(m.entry.negativeUntil) {
		m.mu.Unlock()
		m.misses.Add(1)
		m.metrics.RecordMiss(m.tenantID, m.providerID)
		span.End("negative_cache", nil)
		return nil, newErr(KindKeyNotFound, "resolve", "negative cache window active", false, nil)
	}
	needLoad := m.snapshot.Load() == nil
	m.mu.Unlock()

	if needLoad {
		if err := m.runCycle(ctx); err != nil {
			m.misses.Add(1)
			m.metrics.RecordMiss(m.tenantID, m.providerID)
			span.End("error", err)
			return nil, err
		}
	}

	snap := m.snapshot.Load()
	if snap == nil {
		m.misses.Add(1)
		m.metrics.RecordMiss(m.tenantID, m.providerID)
		span.End("error", nil)
		return nil, newErr(KindTransport, "resolve", "no payload available after load", true, nil)
	}

	if kid == "" {
		m.hits.Add(1)
		m.metrics.RecordHit(m.tenantID, m.providerID)
		span.End("hit", nil)
		return snap.keys, nil
	}
	if _, ok := snap.keys.Lookup(kid); ok {
		m.hits.Add(1)
		m.metrics.RecordHit(m.tenantID, m.providerID)
		span.End("hit", nil)
		return snap.keys, nil
	}

	m.misses.Add(1)
	m.metrics.RecordMiss(m.tenantID, m.providerID)

	if m.shouldAttemptOpportunisticRefresh(kid) {
		if err := m.Refresh(ctx); err == nil {
			if snap2 := m.snapshot.Load(); snap2 != nil {
				if _, ok := snap2.keys.Lookup(kid); ok {
					span.End("hit_after_refresh", nil)
					return snap2.keys, nil
				}
			}
		}
	}

	span.End("key_not_found", nil)
	return nil, newErr(KindKeyNotFound, "resolve", "kid not present in resolved key set", false, nil)
}

// shouldAttemptOpportunisticRefresh enforces "at most one opportunistic
// refresh per unresolved kid per refresh_early window" from §4.5.
func (m *CacheManager) shouldAttemptOpportunisticRefresh(kid string) bool {
	m.kidAttemptsMu.Lock()
	defer m.kidAttemptsMu.Unlock()
	now := m.clock.Now()
	last, ok := m.kidAttempts[kid]
	if ok && now.Sub(last) < m.reg.RefreshEarly {
		return false
	}
	m.kidAttempts[kid] = now
	return true
}

// Refresh implements CacheManager.refresh from §4.5: forces a transition to
// Refreshing if Ready, joins/initiates Loading if Empty, and is a no-op
// join while a fetch is already in flight.
func (m *CacheManager) Refresh(ctx context.Context) error {
	return m.runCycle(ctx)
}

// Status implements CacheManager.status from §4.5.
func (m *CacheManager) Status() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StatusSnapshot{
		TenantID:      m.tenantID,
		ProviderID:    m.providerID,
		State:         m.entry.state.String(),
		FetchedAt:     m.entry.fetchedAt,
		ExpiresAt:     m.entry.expiresAt,
		NextRefreshAt: m.entry.nextRefreshAt,
		StaleDeadline: m.entry.staleDeadline,
		ErrorCount:    m.entry.errorCount,
		Hits:          m.hits.Load(),
		Misses:        m.misses.Load(),
	}
}

// runCycle joins an in-flight fetch if one exists, otherwise performs one
// full refresh cycle (the bounded retry loop from §4.4 followed by the
// state transition from §4.1) and arms the scheduler for the result.
func (m *CacheManager) runCycle(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return newErr(KindCancelled, "refresh", "manager unregistered", false, nil)
	}
	if m.inflight != nil {
		fl := m.inflight
		m.mu.Unlock()
		select {
		case <-fl.done:
			return fl.err
		case <-ctx.Done():
			return newErr(KindCancelled, "refresh", "caller context done while awaiting in-flight fetch", false, ctx.Err())
		}
	}

	fromState := m.entry.state
	var target entryState
	switch fromState {
	case stateEmpty:
		target = stateLoading
	case stateReady:
		target = stateRefreshing
	case stateRefreshing, stateLoading:
		target = fromState
	}
	m.entry.state = target
	fl := &flight{done: make(chan struct{})}
	m.inflight = fl
	m.mu.Unlock()

	span := m.tracer.StartSpan(ctx, "jwks.refresh", m.tenantID, m.providerID, target.String())

	cycleCtx, cancelCycle := context.WithCancel(ctx)
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-m.ctx.Done():
			cancelCycle()
		case <-stopWatch:
		}
	}()

	err := m.executeCycle(cycleCtx, target)
	close(stopWatch)
	cancelCycle()

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	span.End(outcome, err)
	m.metrics.SetState(m.tenantID, m.providerID, m.Status().State)

	fl.err = err
	close(fl.done)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()

	return err
}

// executeCycle runs the bounded retry loop for one refresh cycle and
// applies the resulting transition.
func (m *CacheManager) executeCycle(ctx context.Context, fromState entryState) error {
	m.mu.Lock()
	etag, lastModified := m.entry.etag, m.entry.lastModified
	m.mu.Unlock()

	policy := m.reg.RetryPolicy
	start := m.clock.Now()
	deadline := start.Add(policy.Deadline)

	var outcome FetchOutcome
	var js jitterState

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if m.clock.Now().After(deadline) {
			break
		}
		fetchSpan := m.tracer.StartSpan(ctx, "jwks.fetch", m.tenantID, m.providerID, fromState.String())
		outcome = m.fetcher.fetch(ctx, m.reg, etag, lastModified, policy.AttemptTimeout)
		fetchSpan.End(fetchOutcomeLabel(outcome), outcome.Err)
		if outcome.Kind == OutcomeFresh || outcome.Kind == OutcomeNotModified {
			break
		}
		if outcome.Kind == OutcomePolicyError || !outcome.Retryable {
			break
		}
		if attempt == policy.MaxRetries {
			break
		}
		m.rngMu.Lock()
		delay := backoffDelay(policy, attempt, &js, m.rng)
		m.rngMu.Unlock()
		if m.clock.Now().Add(delay).After(deadline) {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return newErr(KindCancelled, "refresh", "caller context done during retry backoff", false, ctx.Err())
		}
	}

	return m.applyOutcome(fromState, outcome, start)
}

// fetchOutcomeLabel maps a FetchOutcome to the outcome string recorded on
// its jwks.fetch span.
func fetchOutcomeLabel(o FetchOutcome) string {
	switch o.Kind {
	case OutcomeFresh:
		return "fresh"
	case OutcomeNotModified:
		return "not_modified"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeProtocolError:
		return "protocol_error"
	case OutcomePolicyError:
		return "policy_error"
	default:
		return "unknown"
	}
}

// applyOutcome implements the §4.1 transition table for one completed
// fetch cycle and (re)arms the scheduler timer. start is the instant the
// cycle began, used for the recorded refresh duration.
func (m *CacheManager) applyOutcome(fromState entryState, outcome FetchOutcome, start time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	switch {
	case outcome.Kind == OutcomeFresh:
		ks, perr := parseKeySet(outcome.Body)
		if perr != nil {
			return m.applyFailure(fromState, now, perr)
		}
		sched := computeSchedule(m.reg, outcome.Headers, outcome.ReceivedAt, m.rng)
		m.entry.state = stateReady
		m.entry.etag = sched.etag
		m.entry.lastModified = sched.lastModified
		m.entry.fetchedAt = outcome.ReceivedAt
		m.entry.expiresAt = sched.expiresAt
		m.entry.nextRefreshAt = sched.nextRefreshAt
		m.entry.staleDeadline = sched.staleDeadline
		m.entry.errorCount = 0
		m.entry.retryBackoff = 0
		m.entry.negativeUntil = time.Time{}
		m.snapshot.Store(&resolvedSnapshot{keys: ks, fetchedAt: outcome.ReceivedAt})
		m.armTimer(sched.nextRefreshAt.Sub(now))
		m.metrics.RecordRefresh(m.tenantID, m.providerID, "success", now.Sub(start))
		return nil

	case outcome.Kind == OutcomeNotModified:
		if fromState == stateLoading {
			// Loading + 304 with no prior payload: protocol error per §4.1.
			return m.applyFailure(fromState, now, newErr(KindProtocol, "refresh", "304 received with no prior stored payload", false, nil))
		}
		sched := computeSchedule(m.reg, outcome.Headers, outcome.ReceivedAt, m.rng)
		m.entry.state = stateReady
		if sched.etag != "" {
			m.entry.etag = sched.etag
		}
		if sched.lastModified != "" {
			m.entry.lastModified = sched.lastModified
		}
		m.entry.expiresAt = sched.expiresAt
		m.entry.nextRefreshAt = sched.nextRefreshAt
		m.entry.staleDeadline = sched.staleDeadline
		m.entry.errorCount = 0
		m.entry.retryBackoff = 0
		m.armTimer(sched.nextRefreshAt.Sub(now))
		m.metrics.RecordRefresh(m.tenantID, m.providerID, "not_modified", now.Sub(start))
		return nil

	default:
		kind := KindTransport
		switch outcome.Kind {
		case OutcomeProtocolError:
			kind = KindProtocol
		case OutcomePolicyError:
			kind = KindPolicy
		}
		return m.applyFailure(fromState, now, newErr(kind, "fetch", fetchOutcomeLabel(outcome), outcome.Retryable, outcome.Err))
	}
}

// applyFailure handles every non-success branch of §4.1's transition
// table: Loading failures evict to Empty (optionally arming the negative
// cache), Refreshing failures stay Refreshing until stale_deadline passes
// and only then evict to Empty. Per the negative-cache design note in §9,
// the negative cache is armed only on the cold (Loading) path, never when
// a previously stale payload is finally evicted.
func (m *CacheManager) applyFailure(fromState entryState, now time.Time, cause error) error {
	m.entry.errorCount++

	m.rngMu.Lock()
	m.entry.retryBackoff = backoffDelay(m.reg.RetryPolicy, m.entry.errorCount-1, &m.jsRefresh, m.rng)
	m.rngMu.Unlock()

	kind := KindTransport
	var causeErr *Error
	if asError(cause, &causeErr) {
		kind = causeErr.Kind
	}
	wrapped := newErr(kind, "refresh", "refresh attempt failed", false, cause)

	if fromState == stateRefreshing && now.Before(m.entry.staleDeadline) {
		m.entry.state = stateRefreshing
		m.armTimer(m.entry.retryBackoff)
		m.metrics.RecordRefresh(m.tenantID, m.providerID, "error", 0)
		m.metrics.RecordStale(m.tenantID, m.providerID)
		// Hidden from readers, who keep the stale payload; only the callers
		// of this refresh cycle receive the error.
		return wrapped
	}

	// Either Loading (cold) or Refreshing past stale_deadline (warm, now
	// evicting): both land in Empty.
	m.entry.state = stateEmpty
	m.snapshot.Store(nil)
	if fromState == stateLoading && m.reg.NegativeCacheTTL > 0 {
		m.entry.negativeUntil = now.Add(m.reg.NegativeCacheTTL)
	}
	m.stopTimer()
	m.metrics.RecordRefreshError(m.tenantID, m.providerID)
	return wrapped
}

// armTimer schedules the next wakeup, never in the past.
func (m *CacheManager) armTimer(d time.Duration) {
	m.stopTimer()
	if m.closed {
		return
	}
	if d < 0 {
		d = 0
	}
	m.timer = time.AfterFunc(d, m.onWakeup)
}

func (m *CacheManager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *CacheManager) onWakeup() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	_ = m.Refresh(context.Background())
}

// close implements the unregister contract from §4.6/§5: cancels the
// wakeup timer, aborts any tracked fetch, and fails pending resolvers.
func (m *CacheManager) close() {
	m.mu.Lock()
	m.closed = true
	m.stopTimer()
	m.mu.Unlock()
	m.cancel()
}

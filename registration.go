package jwkscache

import (
	"regexp"
	"strings"
	"time"
)

// JitterStrategy selects how RetryPolicy spreads backoff delays across
// concurrent callers to avoid synchronized retry storms.
type JitterStrategy int

const (
	// JitterNone uses the raw exponential delay with no randomization.
	JitterNone JitterStrategy = iota
	// JitterFull samples uniformly in [0, d].
	JitterFull
	// JitterEqual samples uniformly in [d/2, d].
	JitterEqual
	// JitterDecorrelated samples uniformly in [initial_backoff, prev*3],
	// capped at max_backoff, carrying prev across attempts.
	JitterDecorrelated
)

func (j JitterStrategy) String() string {
	switch j {
	case JitterNone:
		return "none"
	case JitterFull:
		return "full"
	case JitterEqual:
		return "equal"
	case JitterDecorrelated:
		return "decorrelated"
	default:
		return "unknown"
	}
}

// RetryPolicy governs the bounded attempt loop a CacheManager runs inside a
// single refresh cycle before handing a failure outcome to the state
// machine described in entry.go.
type RetryPolicy struct {
	MaxRetries     int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Deadline       time.Duration
	Jitter         JitterStrategy
}

// DefaultRetryPolicy returns the policy applied to a registration that
// leaves RetryPolicy at its zero value.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		AttemptTimeout: 5 * time.Second,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Deadline:       30 * time.Second,
		Jitter:         JitterFull,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxRetries < 0 {
		return newErr(KindConfig, "validate", "retry_policy.max_retries must be >= 0", false, nil)
	}
	if p.AttemptTimeout < 100*time.Millisecond {
		return newErr(KindConfig, "validate", "retry_policy.attempt_timeout must be >= 100ms", false, nil)
	}
	if p.InitialBackoff <= 0 {
		return newErr(KindConfig, "validate", "retry_policy.initial_backoff must be > 0", false, nil)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return newErr(KindConfig, "validate", "retry_policy.max_backoff must be >= initial_backoff", false, nil)
	}
	if p.Deadline < p.AttemptTimeout {
		return newErr(KindConfig, "validate", "retry_policy.deadline must be >= attempt_timeout", false, nil)
	}
	switch p.Jitter {
	case JitterNone, JitterFull, JitterEqual, JitterDecorrelated:
	default:
		return newErr(KindConfig, "validate", "retry_policy.jitter is not a recognized strategy", false, nil)
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IdentityProviderRegistration describes one (tenant, provider) JWKS source
// and the policy the CacheManager owning it must enforce. It is immutable
// after registration except by replacement (unregister + register).
type IdentityProviderRegistration struct {
	TenantID   string
	ProviderID string
	JWKSURL    string

	RefreshEarly    time.Duration
	StaleWhileError time.Duration
	MinTTL          time.Duration
	MaxTTL          time.Duration

	MaxResponseBytes int64
	NegativeCacheTTL time.Duration

	RequireHTTPS   bool
	AllowedDomains []string
	MaxRedirects   int
	PinnedSPKI     []string
	PrefetchJitter time.Duration

	RetryPolicy RetryPolicy

	// UserAgent overrides the default "jwks-cache/<version>" User-Agent sent
	// on every upstream fetch.
	UserAgent string
	// Labels is stored with the registration only; no emitted metric
	// carries these labels.
	Labels map[string]string
}

// withDefaults returns a copy of r with zero-valued optional fields
// backfilled from package defaults. Required fields are left untouched so
// validate can still reject them.
func (r IdentityProviderRegistration) withDefaults() IdentityProviderRegistration {
	if r.MaxTTL == 0 {
		r.MaxTTL = 24 * time.Hour
	}
	if r.MaxResponseBytes == 0 {
		r.MaxResponseBytes = 1048576
	}
	if r.MaxRedirects == 0 {
		r.MaxRedirects = 3
	}
	if r.PrefetchJitter == 0 {
		r.PrefetchJitter = 5 * time.Second
	}
	if r.UserAgent == "" {
		r.UserAgent = "jwks-cache/1"
	}
	var zero RetryPolicy
	if r.RetryPolicy == zero {
		r.RetryPolicy = DefaultRetryPolicy()
	}
	return r
}

func (r *IdentityProviderRegistration) validate() error {
	if !identifierPattern.MatchString(r.TenantID) {
		return newErr(KindConfig, "register", "tenant_id must match [A-Za-z0-9_-]{1,64}", false, nil)
	}
	if !identifierPattern.MatchString(r.ProviderID) {
		return newErr(KindConfig, "register", "provider_id must match [A-Za-z0-9_-]{1,64}", false, nil)
	}
	if r.JWKSURL == "" {
		return newErr(KindConfig, "register", "jwks_url is required", false, nil)
	}
	if r.RequireHTTPS && !strings.HasPrefix(r.JWKSURL, "https://") {
		return newErr(KindConfig, "register", "jwks_url must be https when require_https is set", false, nil)
	}
	if r.RefreshEarly < time.Second {
		return newErr(KindConfig, "register", "refresh_early must be >= 1s", false, nil)
	}
	if r.StaleWhileError < 0 {
		return newErr(KindConfig, "register", "stale_while_error must be >= 0", false, nil)
	}
	if r.MinTTL < 30*time.Second {
		return newErr(KindConfig, "register", "min_ttl must be >= 30s", false, nil)
	}
	if r.MaxTTL < r.MinTTL {
		return newErr(KindConfig, "register", "max_ttl must be >= min_ttl", false, nil)
	}
	if r.RefreshEarly > r.MinTTL {
		return newErr(KindConfig, "register", "refresh_early must be <= min_ttl", false, nil)
	}
	if r.MaxResponseBytes <= 0 {
		return newErr(KindConfig, "register", "max_response_bytes must be > 0", false, nil)
	}
	if r.NegativeCacheTTL < 0 {
		return newErr(KindConfig, "register", "negative_cache_ttl must be >= 0", false, nil)
	}
	if r.MaxRedirects < 0 || r.MaxRedirects > 10 {
		return newErr(KindConfig, "register", "max_redirects must be in [0, 10]", false, nil)
	}
	if r.PrefetchJitter < 0 {
		return newErr(KindConfig, "register", "prefetch_jitter must be >= 0", false, nil)
	}
	for i, d := range r.AllowedDomains {
		r.AllowedDomains[i] = strings.ToLower(d)
	}
	for i, p := range r.PinnedSPKI {
		r.PinnedSPKI[i] = strings.ToLower(p)
	}
	return r.RetryPolicy.validate()
}

// registrationKey identifies a CacheManager within a Registry.
type registrationKey struct {
	tenantID   string
	providerID string
}

func keyOf(tenantID, providerID string) registrationKey {
	return registrationKey{tenantID: tenantID, providerID: providerID}
}

package jwkscache

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseAge implements RFC 9111 §5.1's Age header validation: the first value
// wins when duplicated, and anything that isn't a non-negative integer is
// discarded rather than treated as zero.
func parseAge(headers http.Header) (time.Duration, bool) {
	values := headers.Values("Age")
	if len(values) == 0 {
		return 0, false
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// directives is a parsed Cache-Control header, mirroring the teacher
// package's cacheControl map: directive name to (possibly empty) value.
type directives map[string]string

func parseDirectives(h http.Header) directives {
	d := directives{}
	for _, part := range strings.Split(h.Get("Cache-Control"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			name := strings.TrimSpace(part[:idx])
			value := strings.Trim(strings.TrimSpace(part[idx+1:]), `"`)
			if _, seen := d[name]; !seen {
				d[name] = value
			}
		} else if _, seen := d[part]; !seen {
			d[part] = ""
		}
	}
	return d
}

func (d directives) seconds(name string) (time.Duration, bool) {
	v, ok := d[name]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// rawTTL implements §4.3's "s-maxage preferred over max-age, else
// Expires - Date" rule. The boolean return is false when no directive or
// header yielded a usable lifetime, signalling the caller to fall back to
// min_ttl.
func rawTTL(headers http.Header, receivedAt time.Time) (time.Duration, bool) {
	d := parseDirectives(headers)
	if ttl, ok := d.seconds("s-maxage"); ok {
		return ttl, true
	}
	if ttl, ok := d.seconds("max-age"); ok {
		return ttl, true
	}
	expiresHeader := headers.Get("Expires")
	if expiresHeader == "" {
		return 0, false
	}
	expires, err := http.ParseTime(expiresHeader)
	if err != nil {
		return 0, false
	}
	dateHeader := headers.Get("Date")
	base := receivedAt
	if dateHeader != "" {
		if d, err := http.ParseTime(dateHeader); err == nil {
			base = d
		}
	}
	lifetime := expires.Sub(base)
	if lifetime < 0 {
		return 0, true
	}
	return lifetime, true
}

func hasNoCache(headers http.Header) bool {
	_, ok := parseDirectives(headers)["no-cache"]
	return ok
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func extractValidators(headers http.Header) (etag, lastModified string) {
	return headers.Get("ETag"), headers.Get("Last-Modified")
}

// schedule is the output of interpreting a fetch response's headers: the
// three monotonic instants and updated validators described by CacheEntry.
type schedule struct {
	expiresAt     time.Time
	nextRefreshAt time.Time
	staleDeadline time.Time
	etag          string
	lastModified  string
}

// computeSchedule implements §4.3 in full, including the no-cache
// immediate-revalidation rule and the stale_while_error extension of the
// stale deadline beyond expiry.
func computeSchedule(reg *IdentityProviderRegistration, headers http.Header, receivedAt time.Time, rng *rand.Rand) schedule {
	raw, ok := rawTTL(headers, receivedAt)
	if !ok {
		raw = reg.MinTTL
	}
	// An origin fronted by a shared cache may report a non-zero Age: the
	// freshness lifetime it advertises has already partially elapsed.
	if age, ok := parseAge(headers); ok {
		raw -= age
	}
	effectiveTTL := clampDuration(raw, reg.MinTTL, reg.MaxTTL)
	expiresAt := receivedAt.Add(effectiveTTL)

	var nextRefreshAt time.Time
	if hasNoCache(headers) {
		nextRefreshAt = receivedAt
	} else {
		jitter := time.Duration(0)
		if reg.PrefetchJitter > 0 {
			jitter = time.Duration(rng.Int63n(int64(reg.PrefetchJitter) + 1))
		}
		nextRefreshAt = expiresAt.Add(-reg.RefreshEarly).Add(jitter)
		if nextRefreshAt.Before(receivedAt) {
			nextRefreshAt = receivedAt
		}
		if nextRefreshAt.After(expiresAt) {
			nextRefreshAt = expiresAt
		}
	}

	staleDeadline := expiresAt
	if reg.StaleWhileError > 0 {
		staleDeadline = expiresAt.Add(reg.StaleWhileError)
	}

	etag, lastModified := extractValidators(headers)

	return schedule{
		expiresAt:     expiresAt,
		nextRefreshAt: nextRefreshAt,
		staleDeadline: staleDeadline,
		etag:          etag,
		lastModified:  lastModified,
	}
}

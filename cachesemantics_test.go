package jwkscache

import (
	"math/rand"
	"net/http"
	"testing"
	"time"
)

func header(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestComputeSchedulePrefersSMaxAgeOverMaxAge(t *testing.T) {
	reg := &IdentityProviderRegistration{MinTTL: 30 * time.Second, MaxTTL: time.Hour, RefreshEarly: 5 * time.Second}
	h := header("Cache-Control", "max-age=600, s-maxage=120")
	receivedAt := time.Now()
	sched := computeSchedule(reg, h, receivedAt, rand.New(rand.NewSource(1)))
	if got := sched.expiresAt.Sub(receivedAt); got != 120*time.Second {
		t.Fatalf("expected 120s ttl from s-maxage, got %v", got)
	}
}

func TestComputeScheduleClampsToMinMax(t *testing.T) {
	reg := &IdentityProviderRegistration{MinTTL: 60 * time.Second, MaxTTL: 300 * time.Second, RefreshEarly: 5 * time.Second}
	receivedAt := time.Now()

	tooShort := computeSchedule(reg, header("Cache-Control", "max-age=10"), receivedAt, rand.New(rand.NewSource(1)))
	if got := tooShort.expiresAt.Sub(receivedAt); got != reg.MinTTL {
		t.Fatalf("expected clamp to min_ttl 60s, got %v", got)
	}

	tooLong := computeSchedule(reg, header("Cache-Control", "max-age=3600"), receivedAt, rand.New(rand.NewSource(1)))
	if got := tooLong.expiresAt.Sub(receivedAt); got != reg.MaxTTL {
		t.Fatalf("expected clamp to max_ttl 300s, got %v", got)
	}
}

func TestComputeScheduleNoCacheForcesImmediateRevalidation(t *testing.T) {
	reg := &IdentityProviderRegistration{MinTTL: 60 * time.Second, MaxTTL: time.Hour, RefreshEarly: 5 * time.Second}
	receivedAt := time.Now()
	sched := computeSchedule(reg, header("Cache-Control", "max-age=600, no-cache", "ETag", `"abc"`), receivedAt, rand.New(rand.NewSource(1)))
	if !sched.nextRefreshAt.Equal(receivedAt) {
		t.Fatalf("expected next_refresh_at == received_at under no-cache, got %v vs %v", sched.nextRefreshAt, receivedAt)
	}
	if sched.etag != `"abc"` {
		t.Fatalf("expected etag to still be extracted, got %q", sched.etag)
	}
}

func TestComputeScheduleStaleWhileErrorExtendsDeadline(t *testing.T) {
	reg := &IdentityProviderRegistration{MinTTL: 60 * time.Second, MaxTTL: time.Hour, RefreshEarly: 5 * time.Second, StaleWhileError: 30 * time.Second}
	receivedAt := time.Now()
	sched := computeSchedule(reg, header("Cache-Control", "max-age=60"), receivedAt, rand.New(rand.NewSource(1)))
	wantDeadline := sched.expiresAt.Add(30 * time.Second)
	if !sched.staleDeadline.Equal(wantDeadline) {
		t.Fatalf("expected stale_deadline %v, got %v", wantDeadline, sched.staleDeadline)
	}
}

func TestComputeScheduleFallsBackToMinTTLWithoutHeaders(t *testing.T) {
	reg := &IdentityProviderRegistration{MinTTL: 45 * time.Second, MaxTTL: time.Hour, RefreshEarly: 5 * time.Second}
	receivedAt := time.Now()
	sched := computeSchedule(reg, http.Header{}, receivedAt, rand.New(rand.NewSource(1)))
	if got := sched.expiresAt.Sub(receivedAt); got != reg.MinTTL {
		t.Fatalf("expected fallback to min_ttl, got %v", got)
	}
}

func TestComputeScheduleExpiresHeaderMinusDate(t *testing.T) {
	reg := &IdentityProviderRegistration{MinTTL: 10 * time.Second, MaxTTL: time.Hour, RefreshEarly: 5 * time.Second}
	receivedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	date := receivedAt.Format(http.TimeFormat)
	expires := receivedAt.Add(90 * time.Second).Format(http.TimeFormat)
	sched := computeSchedule(reg, header("Date", date, "Expires", expires), receivedAt, rand.New(rand.NewSource(1)))
	if got := sched.expiresAt.Sub(receivedAt); got != 90*time.Second {
		t.Fatalf("expected 90s ttl derived from expires-date, got %v", got)
	}
}

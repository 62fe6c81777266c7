package jwkscache

import (
	"math/rand"
	"testing"
	"time"
)

func TestExponentialDelayCapsAtMax(t *testing.T) {
	d := exponentialDelay(100*time.Millisecond, time.Second, 10)
	if d != time.Second {
		t.Fatalf("expected delay capped at 1s, got %v", d)
	}
}

func TestExponentialDelayDoubles(t *testing.T) {
	d := exponentialDelay(100*time.Millisecond, 10*time.Second, 2)
	if d != 400*time.Millisecond {
		t.Fatalf("expected 400ms after 2 doublings from 100ms, got %v", d)
	}
}

func TestBackoffDelayNoneIsExact(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, Jitter: JitterNone}
	var js jitterState
	rng := rand.New(rand.NewSource(1))
	d := backoffDelay(policy, 1, &js, rng)
	if d != 200*time.Millisecond {
		t.Fatalf("expected exact 200ms with no jitter, got %v", d)
	}
}

func TestBackoffDelayFullIsBounded(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, Jitter: JitterFull}
	rng := rand.New(rand.NewSource(1))
	var js jitterState
	for i := 0; i < 50; i++ {
		d := backoffDelay(policy, 3, &js, rng)
		if d < 0 || d > 800*time.Millisecond {
			t.Fatalf("full jitter delay %v out of [0, 800ms]", d)
		}
	}
}

func TestBackoffDelayEqualIsBounded(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, Jitter: JitterEqual}
	rng := rand.New(rand.NewSource(1))
	var js jitterState
	for i := 0; i < 50; i++ {
		d := backoffDelay(policy, 3, &js, rng)
		if d < 400*time.Millisecond || d > 800*time.Millisecond {
			t.Fatalf("equal jitter delay %v out of [400ms, 800ms]", d)
		}
	}
}

func TestBackoffDelayDecorrelatedStaysWithinMax(t *testing.T) {
	policy := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: JitterDecorrelated}
	rng := rand.New(rand.NewSource(1))
	var js jitterState
	for i := 0; i < 20; i++ {
		d := backoffDelay(policy, i, &js, rng)
		if d < policy.InitialBackoff || d > policy.MaxBackoff {
			t.Fatalf("decorrelated jitter delay %v out of [%v, %v]", d, policy.InitialBackoff, policy.MaxBackoff)
		}
	}
}

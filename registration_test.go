package jwkscache

import (
	"testing"
	"time"
)

// TestValidateAcceptsSpecConcreteScenario1 pins the exact registration from
// the spec's first worked example (min_ttl=30s, refresh_early=30s): the
// effective TTL floor is min_ttl, so refresh_early equal to it is the
// boundary-valid case, not a rejection.
func TestValidateAcceptsSpecConcreteScenario1(t *testing.T) {
	r := IdentityProviderRegistration{
		TenantID:       "A",
		ProviderID:     "P",
		JWKSURL:        "https://idp.example/.well-known/jwks.json",
		MinTTL:         30 * time.Second,
		MaxTTL:         24 * time.Hour,
		RefreshEarly:   30 * time.Second,
		PrefetchJitter: 0,
	}
	r = r.withDefaults()
	if err := r.validate(); err != nil {
		t.Fatalf("expected spec scenario 1 registration to validate, got %v", err)
	}
}

func TestValidateRejectsRefreshEarlyGreaterThanMinTTL(t *testing.T) {
	r := IdentityProviderRegistration{
		TenantID:     "A",
		ProviderID:   "P",
		JWKSURL:      "https://idp.example/.well-known/jwks.json",
		MinTTL:       30 * time.Second,
		RefreshEarly: 31 * time.Second,
	}
	r = r.withDefaults()
	if err := r.validate(); err == nil {
		t.Fatal("expected refresh_early > min_ttl to be rejected")
	}
}

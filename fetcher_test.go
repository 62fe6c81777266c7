package jwkscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func baseFetcherReg(url string) *IdentityProviderRegistration {
	reg := &IdentityProviderRegistration{
		TenantID:     "tenant-a",
		ProviderID:   "okta",
		JWKSURL:      url,
		RefreshEarly: 1 * time.Second,
		MinTTL:       30 * time.Second,
		MaxRedirects: 3,
	}
	reg = reg.withDefaults()
	return reg
}

func TestFetchSendsConditionalHeadersWhenValidatorsKnown(t *testing.T) {
	var gotINM, gotIMS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotINM = r.Header.Get("If-None-Match")
		gotIMS = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, `"etag-1"`, "Mon, 02 Jan 2006 15:04:05 GMT", 2*time.Second)
	if out.Kind != OutcomeNotModified {
		t.Fatalf("expected OutcomeNotModified, got %v (err=%v)", out.Kind, out.Err)
	}
	if gotINM != `"etag-1"` {
		t.Fatalf("expected If-None-Match to be forwarded, got %q", gotINM)
	}
	if gotIMS != "Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Fatalf("expected If-Modified-Since to be forwarded, got %q", gotIMS)
	}
}

func TestFetchFreshReturnsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte(sampleJWKS))
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomeFresh {
		t.Fatalf("expected OutcomeFresh, got %v (err=%v)", out.Kind, out.Err)
	}
	if string(out.Body) != sampleJWKS {
		t.Fatalf("unexpected body: %s", out.Body)
	}
	if out.Headers.Get("ETag") != `"v2"` {
		t.Fatalf("expected ETag header preserved, got %q", out.Headers.Get("ETag"))
	}
}

func TestFetchRejectsOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	reg.MaxResponseBytes = 8
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomePolicyError {
		t.Fatalf("expected OutcomePolicyError for oversize body, got %v", out.Kind)
	}
	if out.ErrKind != "oversize" {
		t.Fatalf("expected err_kind oversize, got %q", out.ErrKind)
	}
}

func TestFetchRejectsHostNotInAllowList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleJWKS))
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	f := newHttpFetcher(reg, []string{"not-the-right-host.example"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomePolicyError {
		t.Fatalf("expected OutcomePolicyError for disallowed host, got %v", out.Kind)
	}
	if out.ErrKind != "allow_list" {
		t.Fatalf("expected err_kind allow_list, got %q", out.ErrKind)
	}
}

func TestFetchMarks5xxAsRetryableProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomeProtocolError {
		t.Fatalf("expected OutcomeProtocolError, got %v", out.Kind)
	}
	if !out.Retryable {
		t.Fatal("expected 503 to be marked retryable")
	}
}

func TestFetchMarks404AsNonRetryableProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomeProtocolError {
		t.Fatalf("expected OutcomeProtocolError, got %v", out.Kind)
	}
	if out.Retryable {
		t.Fatal("expected 404 to be marked non-retryable")
	}
}

func TestFetchRejectsRedirectPastMaxRedirects(t *testing.T) {
	var target string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	target = srv.URL + "/hop"

	reg := baseFetcherReg(srv.URL + "/start")
	reg.MaxRedirects = 1
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomePolicyError {
		t.Fatalf("expected OutcomePolicyError from redirect cap, got %v (err=%v)", out.Kind, out.Err)
	}
	if out.ErrKind != "redirect" {
		t.Fatalf("expected err_kind redirect, got %q", out.ErrKind)
	}
}

func TestFetchRejectsNonHTTPSWhenRequireHTTPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleJWKS))
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	reg.RequireHTTPS = true
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomePolicyError {
		t.Fatalf("expected OutcomePolicyError for http url under require_https, got %v", out.Kind)
	}
	if out.ErrKind != "https" {
		t.Fatalf("expected err_kind https, got %q", out.ErrKind)
	}
}

func TestHostAllowedMatchesExactAndSuffix(t *testing.T) {
	cases := []struct {
		host     string
		suffixes []string
		want     bool
	}{
		{"idp.example.com", []string{"example.com"}, true},
		{"example.com", []string{"example.com"}, true},
		{"evilexample.com", []string{"example.com"}, false},
		{"idp.example.com", []string{"other.com"}, false},
		{"IDP.EXAMPLE.COM", []string{"example.com"}, true},
	}
	for _, c := range cases {
		if got := hostAllowed(c.host, c.suffixes); got != c.want {
			t.Errorf("hostAllowed(%q, %v) = %v, want %v", c.host, c.suffixes, got, c.want)
		}
	}
}

// TestHostAllowedMatchesIDNAEquivalentHost asserts a non-ASCII host and its
// punycode-equivalent allow-list entry (or vice versa) compare equal, per
// the Registry's allow-list rule (SPEC_FULL.md §6.6): suffix match on the
// lowercased host after IDNA normalization.
func TestHostAllowedMatchesIDNAEquivalentHost(t *testing.T) {
	cases := []struct {
		host     string
		suffixes []string
		want     bool
	}{
		{"xn--mller-kva.example", []string{"xn--mller-kva.example"}, true},
		{"müller.example", []string{"xn--mller-kva.example"}, true},
		{"sso.müller.example", []string{"müller.example"}, true},
		{"müller.example", []string{"other.example"}, false},
	}
	for _, c := range cases {
		if got := hostAllowed(c.host, c.suffixes); got != c.want {
			t.Errorf("hostAllowed(%q, %v) = %v, want %v", c.host, c.suffixes, got, c.want)
		}
	}
}

func TestWrapWithPinningRejectsUnpinnedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleJWKS))
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	// A fingerprint that can never match the test server's certificate.
	reg.PinnedSPKI = []string{strings.Repeat("00", sha256.Size)}
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, srv.Client().Transport, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomeTransportError {
		t.Fatalf("expected OutcomeTransportError from pin mismatch, got %v (err=%v)", out.Kind, out.Err)
	}
	if out.ErrKind != "pinning" {
		t.Fatalf("expected err_kind pinning, got %q", out.ErrKind)
	}
}

func TestWrapWithPinningAcceptsMatchingCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleJWKS))
	}))
	defer srv.Close()

	cert := srv.Certificate()
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	pin := hex.EncodeToString(sum[:])

	reg := baseFetcherReg(srv.URL)
	reg.PinnedSPKI = []string{pin}
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, srv.Client().Transport, defaultClock, nil)

	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if out.Kind != OutcomeFresh {
		t.Fatalf("expected OutcomeFresh with matching pin, got %v (err=%v)", out.Kind, out.Err)
	}
}

func TestDoWithResilienceOpensCircuitAfterRepeatedFailures(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := baseFetcherReg(srv.URL)
	breaker := DefaultCircuitBreaker()
	f := newHttpFetcher(reg, []string{"127.0.0.1"}, nil, defaultClock, breaker)

	// Drive the breaker open with consecutive 5xx responses (failure
	// threshold is 5), then confirm it short-circuits without a new
	// upstream request.
	for i := 0; i < 5; i++ {
		f.fetch(context.Background(), reg, "", "", 2*time.Second)
	}
	before := requests
	out := f.fetch(context.Background(), reg, "", "", 2*time.Second)
	if requests != before {
		t.Fatalf("expected circuit breaker to short-circuit without a new request, requests went %d -> %d", before, requests)
	}
	if out.Kind != OutcomeTransportError {
		t.Fatalf("expected open-circuit fetch to surface as a transport error, got %v", out.Kind)
	}
}

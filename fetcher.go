package jwkscache

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/net/idna"
)

// FetchOutcomeKind tags the result of a single HttpFetcher.fetch call per
// the five-way split described in §4.2.
type FetchOutcomeKind int

const (
	OutcomeFresh FetchOutcomeKind = iota
	OutcomeNotModified
	OutcomeTransportError
	OutcomeProtocolError
	OutcomePolicyError
)

// FetchOutcome is the tagged result of one upstream attempt.
type FetchOutcome struct {
	Kind       FetchOutcomeKind
	Body       []byte
	Headers    http.Header
	ReceivedAt time.Time
	StatusCode int
	Retryable  bool
	ErrKind    string
	Err        error
}

var errSPKIPinMismatch = errors.New("jwkscache: presented certificate chain matched no pinned spki fingerprint")

// HttpFetcher performs the policy-bound upstream GET described in §4.2: a
// single *http.Client configured once at registration time with the
// registration's redirect cap, allow-list, and SPKI pinning baked into its
// RoundTripper and CheckRedirect hook.
type HttpFetcher struct {
	client          *http.Client
	clock           Clock
	allowedSuffixes []string
	breaker         circuitbreaker.CircuitBreaker[*http.Response]
}

func (f *HttpFetcher) allowList() []string { return f.allowedSuffixes }

// newHttpFetcher builds the per-registration client. base is the transport
// to wrap (nil selects http.DefaultTransport). When pinning is configured,
// an *http.Transport base is cloned with the pinning hook added; any other
// base is replaced by a pinned clone of http.DefaultTransport. breaker is
// optional (nil disables it) and is installed by Registry via
// WithCircuitBreaker.
func newHttpFetcher(reg *IdentityProviderRegistration, allowedSuffixes []string, base http.RoundTripper, clock Clock, breaker circuitbreaker.CircuitBreaker[*http.Response]) *HttpFetcher {
	transport := base
	if transport == nil {
		transport = http.DefaultTransport
	}
	if len(reg.PinnedSPKI) > 0 {
		transport = wrapWithPinning(transport, reg.PinnedSPKI)
	}
	client := &http.Client{
		Transport:     transport,
		CheckRedirect: buildRedirectPolicy(reg, allowedSuffixes),
	}
	return &HttpFetcher{client: client, clock: clock, allowedSuffixes: allowedSuffixes, breaker: breaker}
}

// DefaultCircuitBreaker returns a pre-configured optional circuit breaker
// for WithCircuitBreaker, mirroring the teacher's
// CircuitBreakerBuilder defaults: opens on transport errors or 5xx
// responses, 5 consecutive failures to open, 2 consecutive successes to
// close from half-open, 60s before probing again.
func DefaultCircuitBreaker() circuitbreaker.CircuitBreaker[*http.Response] {
	return circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(r *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return r != nil && r.StatusCode >= 500
		}).
		WithFailureThreshold(5).
		WithSuccessThreshold(2).
		WithDelay(60 * time.Second).
		Build()
}

func wrapWithPinning(rt http.RoundTripper, pins []string) http.RoundTripper {
	var t *http.Transport
	if existing, ok := rt.(*http.Transport); ok {
		t = existing.Clone()
	} else {
		t = http.DefaultTransport.(*http.Transport).Clone()
	}

	pinSet := make(map[string]struct{}, len(pins))
	for _, p := range pins {
		pinSet[strings.ToLower(p)] = struct{}{}
	}

	tlsCfg := t.TLSClientConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
			if _, ok := pinSet[hex.EncodeToString(sum[:])]; ok {
				return nil
			}
		}
		return errSPKIPinMismatch
	}
	t.TLSClientConfig = tlsCfg
	return t
}

// redirectPolicyError marks a CheckRedirect rejection so fetch can classify
// the resulting client.Do error as a PolicyError instead of a generic
// TransportError.
type redirectPolicyError struct {
	reason string
}

func (e *redirectPolicyError) Error() string { return "jwkscache: redirect rejected: " + e.reason }

func buildRedirectPolicy(reg *IdentityProviderRegistration, allowedSuffixes []string) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > reg.MaxRedirects {
			return &redirectPolicyError{reason: "max_redirects exceeded"}
		}
		if reg.RequireHTTPS && req.URL.Scheme != "https" {
			return &redirectPolicyError{reason: "redirect downgraded to non-https"}
		}
		if !hostAllowed(req.URL.Hostname(), allowedSuffixes) {
			return &redirectPolicyError{reason: "redirect host not in allow-list"}
		}
		return nil
	}
}

// normalizeHost lowercases and IDNA-normalizes a host so that a
// non-ASCII or punycode-equivalent hostname compares equal to its
// canonical ASCII form. Hosts that don't parse as IDNA (IP literals,
// already-ASCII names) pass through lowercased and unchanged.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if ascii, err := idna.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

// hostAllowed implements §4.6's suffix match against the lowercased,
// IDNA-normalized host. An empty allow-list denies every host.
func hostAllowed(host string, allowedSuffixes []string) bool {
	host = normalizeHost(host)
	for _, suffix := range allowedSuffixes {
		suffix = normalizeHost(suffix)
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// fetch performs one GET attempt bounded by attemptTimeout, attaching
// conditional headers when validators are known.
func (f *HttpFetcher) fetch(ctx context.Context, reg *IdentityProviderRegistration, etag, lastModified string, attemptTimeout time.Duration) FetchOutcome {
	parsed, err := url.Parse(reg.JWKSURL)
	if err != nil {
		return FetchOutcome{Kind: OutcomePolicyError, ErrKind: "https", Err: err}
	}
	if reg.RequireHTTPS && parsed.Scheme != "https" {
		return FetchOutcome{Kind: OutcomePolicyError, ErrKind: "https", Err: errors.New("jwks_url is not https")}
	}
	if !hostAllowed(parsed.Hostname(), f.allowedSuffixes) {
		return FetchOutcome{Kind: OutcomePolicyError, ErrKind: "allow_list", Err: fmt.Errorf("host %q not in allow-list", parsed.Hostname())}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, reg.JWKSURL, nil)
	if err != nil {
		return FetchOutcome{Kind: OutcomePolicyError, ErrKind: "request", Err: err}
	}
	req.Header.Set("User-Agent", reg.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.doWithResilience(req)
	if err != nil {
		return f.classifyTransportErr(err)
	}
	defer resp.Body.Close() //nolint:errcheck // best effort cleanup

	receivedAt := f.clock.Now()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return FetchOutcome{Kind: OutcomeNotModified, Headers: resp.Header, ReceivedAt: receivedAt, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := readBounded(resp.Body, reg.MaxResponseBytes)
		if err != nil {
			return FetchOutcome{Kind: OutcomePolicyError, ErrKind: "oversize", Err: err}
		}
		return FetchOutcome{Kind: OutcomeFresh, Body: body, Headers: resp.Header, ReceivedAt: receivedAt, StatusCode: resp.StatusCode}
	default:
		retryable := resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return FetchOutcome{
			Kind:       OutcomeProtocolError,
			Headers:    resp.Header,
			ReceivedAt: receivedAt,
			StatusCode: resp.StatusCode,
			Retryable:  retryable,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}
}

// doWithResilience executes the request directly, or through the
// per-registration circuit breaker when one is configured, exactly as the
// teacher's executeWithResilience wraps RoundTrip with failsafe.With(...).
func (f *HttpFetcher) doWithResilience(req *http.Request) (*http.Response, error) {
	if f.breaker == nil {
		return f.client.Do(req)
	}
	return failsafe.With(f.breaker).Get(func() (*http.Response, error) {
		return f.client.Do(req)
	})
}

// readBounded reads at most max+1 bytes, failing as soon as the limit is
// exceeded rather than buffering the full oversized body.
func readBounded(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > max {
		return nil, fmt.Errorf("response body exceeds max_response_bytes (%d)", max)
	}
	return body, nil
}

func (f *HttpFetcher) classifyTransportErr(err error) FetchOutcome {
	var redirectErr *redirectPolicyError
	if errors.As(err, &redirectErr) {
		return FetchOutcome{Kind: OutcomePolicyError, ErrKind: "redirect", Err: err}
	}
	if errors.Is(err, errSPKIPinMismatch) || strings.Contains(err.Error(), errSPKIPinMismatch.Error()) {
		return FetchOutcome{Kind: OutcomeTransportError, ErrKind: "pinning", Retryable: false, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchOutcome{Kind: OutcomeTransportError, ErrKind: "timeout", Retryable: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return FetchOutcome{Kind: OutcomeTransportError, ErrKind: "cancelled", Retryable: false, Err: err}
	}
	return FetchOutcome{Kind: OutcomeTransportError, ErrKind: "connect", Retryable: true, Err: err}
}

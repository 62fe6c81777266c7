package jwkscache

import "fmt"

// Kind classifies an Error into one of the taxonomy buckets described by the
// external interface contract. Kinds are compared with errors.As, never with
// string matching.
type Kind int

const (
	// KindConfig covers invalid registration fields, duplicate registrations,
	// and malformed URLs. Always fatal, never retried.
	KindConfig Kind = iota
	// KindPolicy covers HTTPS violations, disallowed redirect hosts, oversized
	// bodies, and pinning mismatches caught before a transport error occurs.
	KindPolicy
	// KindTransport covers DNS, connect, TLS, timeout, and reset failures.
	KindTransport
	// KindProtocol covers non-2xx/304 HTTP responses.
	KindProtocol
	// KindParse covers malformed JWKS documents or JWK fields.
	KindParse
	// KindKeyNotFound is returned when a requested kid cannot be resolved.
	KindKeyNotFound
	// KindNotFound is returned for an unknown (tenant, provider) pair.
	KindNotFound
	// KindCancelled is returned when an operation is aborted by unregister or
	// caller cancellation.
	KindCancelled
	// KindPersistence covers SnapshotStore failures.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindPolicy:
		return "PolicyError"
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindParse:
		return "ParseError"
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindNotFound:
		return "NotFound"
	case KindCancelled:
		return "Cancelled"
	case KindPersistence:
		return "PersistenceError"
	default:
		return "UnknownError"
	}
}

// Error is the single concrete error type produced by this module. Kind
// selects the taxonomy bucket; Retryable marks whether the failure is of a
// class the refresh retry loop (manager.go's executeCycle) attempts again.
type Error struct {
	Kind      Kind
	Op        string
	Reason    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jwkscache: %s: %s: %s: %v", e.Op, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("jwkscache: %s: %s: %s", e.Op, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op, reason string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Retryable: retryable, Err: cause}
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Retryable
	}
	return false
}

// asError walks err's Unwrap chain and returns the first *Error in it, so
// callers outside this file never need to import "errors" just to classify
// a jwkscache error.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

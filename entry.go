package jwkscache

import "time"

// entryState is the tagged variant from §4.1, modeled as an enum rather
// than a set of booleans so the transition function in manager.go can
// switch over it exhaustively.
type entryState int

const (
	stateEmpty entryState = iota
	stateLoading
	stateReady
	stateRefreshing
)

func (s entryState) String() string {
	switch s {
	case stateEmpty:
		return "Empty"
	case stateLoading:
		return "Loading"
	case stateReady:
		return "Ready"
	case stateRefreshing:
		return "Refreshing"
	default:
		return "Unknown"
	}
}

// cacheEntry holds the bookkeeping fields from §3's CacheEntry data model.
// It is owned exclusively by one CacheManager and mutated only while
// holding that manager's mutex; the published payload lives separately in
// an atomically-swapped snapshot so readers never take the mutex.
type cacheEntry struct {
	state entryState

	etag         string
	lastModified string

	fetchedAt     time.Time
	expiresAt     time.Time
	nextRefreshAt time.Time
	staleDeadline time.Time

	errorCount   int
	retryBackoff time.Duration

	negativeUntil time.Time
}

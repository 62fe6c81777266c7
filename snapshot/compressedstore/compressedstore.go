// Package compressedstore wraps a jwkscache.SnapshotStore to Snappy-compress
// serialized snapshot bytes before they reach the underlying backend.
package compressedstore

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/snappy"

	jwkscache "github.com/hack-ink/jwks-cache"
)

// Store wraps an underlying jwkscache.SnapshotStore, compressing every value
// with Snappy before Put and decompressing on Get. Keys pass through
// unmodified.
type Store struct {
	store jwkscache.SnapshotStore
}

// Config holds the configuration for creating a Store.
type Config struct {
	// Store is the underlying SnapshotStore to wrap. Required.
	Store jwkscache.SnapshotStore
}

// New wraps config.Store with Snappy compression.
func New(config Config) (*Store, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("compressedstore: store cannot be nil")
	}
	return &Store{store: config.Store}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	compressed, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, false, fmt.Errorf("compressedstore: snappy decode failed for key %q: %w", key, err)
	}
	return plain, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.store.Put(ctx, key, snappy.Encode(nil, value), ttl)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}

var _ jwkscache.SnapshotStore = (*Store)(nil)

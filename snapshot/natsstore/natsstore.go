// Package natsstore provides a jwkscache.SnapshotStore backed by a NATS
// JetStream Key/Value bucket.
package natsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	jwkscache "github.com/hack-ink/jwks-cache"
)

// Config holds the configuration for creating a NATS K/V-backed
// SnapshotStore.
type Config struct {
	// NATSUrl is the URL of the NATS server (e.g., "nats://localhost:4222").
	// If empty, defaults to nats.DefaultURL.
	NATSUrl string

	// Bucket is the name of the K/V bucket to use. Required field.
	Bucket string

	// Description is an optional description for the K/V bucket.
	Description string

	// TTL is the bucket-wide entry lifetime. JetStream K/V applies TTL per
	// bucket, not per key, so the ttl argument to Store.Put is advisory
	// only and does not override this value.
	TTL time.Duration

	// NATSOptions are additional options to pass to nats.Connect.
	NATSOptions []nats.Option
}

// Store implements jwkscache.SnapshotStore on a NATS JetStream KeyValue
// bucket. Keys are prefixed through kvKey before use; no characters are
// translated.
type Store struct {
	kv jetstream.KeyValue
	nc *nats.Conn
}

// New connects to NATS, opens a JetStream context, and creates or updates
// the configured K/V bucket. The caller should call Close() when done.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.Bucket == "" {
		return nil, errors.New("natsstore: bucket name is required")
	}

	url := config.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, config.NATSOptions...)
	if err != nil {
		return nil, fmt.Errorf("natsstore: connect failed: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsstore: jetstream context failed: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: config.Description,
		TTL:         config.TTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsstore: create or update bucket failed: %w", err)
	}

	return &Store{kv: kv, nc: nc}, nil
}

// NewWithKeyValue returns a new Store with the given NATS JetStream
// KeyValue store. Useful when the caller manages the NATS connection
// itself; Close becomes a no-op.
func NewWithKeyValue(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

func kvKey(key string) string {
	return "jwkscache_" + key
}

// Get returns the snapshot bytes stored at key, if present.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("natsstore: get failed for key %q: %w", key, err)
	}
	return entry.Value(), true, nil
}

// Put stores value at key. ttl is advisory; see Config.TTL.
func (s *Store) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := s.kv.Put(ctx, kvKey(key), value); err != nil {
		return fmt.Errorf("natsstore: put failed for key %q: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot stored at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, kvKey(key)); err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("natsstore: delete failed for key %q: %w", key, err)
		}
	}
	return nil
}

// Close closes the underlying NATS connection if New created it; a no-op
// when constructed via NewWithKeyValue.
func (s *Store) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

var _ jwkscache.SnapshotStore = (*Store)(nil)

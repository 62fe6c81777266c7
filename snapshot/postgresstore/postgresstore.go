// Package postgresstore provides a jwkscache.SnapshotStore backed by
// PostgreSQL via pgx.
package postgresstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	jwkscache "github.com/hack-ink/jwks-cache"
)

const (
	// DefaultTableName is the default table name for snapshot storage.
	DefaultTableName = "jwks_cache_snapshots"
)

// Config holds the configuration for the PostgreSQL-backed SnapshotStore.
type Config struct {
	// TableName is the name of the table to store snapshots (default:
	// "jwks_cache_snapshots").
	TableName string
	// Timeout is the maximum time to wait for database operations
	// (default: 5s).
	Timeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		TableName: DefaultTableName,
		Timeout:   5 * time.Second,
	}
}

// Store implements jwkscache.SnapshotStore on a pgxpool.Pool.
type Store struct {
	pool      *pgxpool.Pool
	tableName string
	timeout   time.Duration
}

// New creates a new Store with a connection pool from the given connection
// string, creating the snapshot table if it does not already exist.
func New(ctx context.Context, connString string, config Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgresstore: connect failed: %w", err)
	}
	return NewWithPool(ctx, pool, config)
}

// NewWithPool returns a new Store using the provided connection pool.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, config Config) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgresstore: pool cannot be nil")
	}
	def := DefaultConfig()
	if config.TableName == "" {
		config.TableName = def.TableName
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}

	s := &Store{pool: pool, tableName: config.TableName, timeout: config.Timeout}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) createTable(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := `
		CREATE TABLE IF NOT EXISTS ` + s.tableName + ` (
			key TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		)
	`
	_, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("postgresstore: create table failed: %w", err)
	}
	return nil
}

// Get returns the snapshot bytes stored at key, ignoring rows whose
// expires_at has already passed.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var data []byte
	query := `SELECT data FROM ` + s.tableName + ` WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`
	err := s.pool.QueryRow(ctx, query, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("postgresstore: get failed for key %q: %w", key, err)
	}
	return data, true, nil
}

// Put stores value at key; ttl of zero means no expiration.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	query := `
		INSERT INTO ` + s.tableName + ` (key, data, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET data = $2, expires_at = $3, created_at = $4
	`
	_, err := s.pool.Exec(ctx, query, key, value, expiresAt, time.Now())
	if err != nil {
		return fmt.Errorf("postgresstore: put failed for key %q: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot stored at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM ` + s.tableName + ` WHERE key = $1`
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("postgresstore: delete failed for key %q: %w", key, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var _ jwkscache.SnapshotStore = (*Store)(nil)

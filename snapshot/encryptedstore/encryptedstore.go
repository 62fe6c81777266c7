// Package encryptedstore wraps a jwkscache.SnapshotStore to add SHA-256 key
// hashing (always enabled) and optional AES-256-GCM encryption of the
// serialized snapshot bytes at rest.
package encryptedstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/scrypt"

	jwkscache "github.com/hack-ink/jwks-cache"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation.
	scryptN = 32768
	// scryptR is the block size parameter for scrypt.
	scryptR = 8
	// scryptP is the parallelization parameter for scrypt.
	scryptP = 1
	// keyLength is the desired key length for AES-256.
	keyLength = 32
	// nonceSize is the size of the GCM nonce.
	nonceSize = 12
)

// Store wraps an underlying jwkscache.SnapshotStore, hashing every key with
// SHA-256 and, when a passphrase is configured, encrypting every value with
// AES-256-GCM before it reaches the underlying store.
type Store struct {
	store      jwkscache.SnapshotStore
	gcm        cipher.AEAD
	passphrase string
}

// Config holds the configuration for creating a Store.
type Config struct {
	// Store is the underlying SnapshotStore to wrap. Required field.
	Store jwkscache.SnapshotStore

	// Passphrase is the secret used to encrypt/decrypt stored snapshots.
	// If empty, only key hashing is performed (no encryption).
	Passphrase string
}

// New creates a new Store that wraps config.Store. Keys are always hashed
// with SHA-256; if a passphrase is provided, values are encrypted with
// AES-256-GCM.
func New(config Config) (*Store, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("encryptedstore: store cannot be nil")
	}

	s := &Store{store: config.Store, passphrase: config.Passphrase}
	if config.Passphrase != "" {
		gcm, err := initEncryption(config.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("encryptedstore: failed to initialize encryption: %w", err)
		}
		s.gcm = gcm
	}
	return s, nil
}

func initEncryption(passphrase string) (cipher.AEAD, error) {
	// Fixed salt: the passphrase itself is the only secret input this
	// module is given, so there is nowhere to persist a random salt
	// without a second durable store.
	salt := sha256.Sum256([]byte("jwks-cache-encryptedstore-salt-v1"))
	key, err := scrypt.Key([]byte(passphrase), salt[:], scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func (s *Store) encrypt(data []byte) ([]byte, error) {
	if s.gcm == nil {
		return data, nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, data, nil), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	if s.gcm == nil {
		return data, nil
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Get retrieves and decrypts the snapshot stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, ok, err := s.store.Get(ctx, hashKey(key))
	if err != nil || !ok {
		return nil, ok, err
	}
	plaintext, err := s.decrypt(data)
	if err != nil {
		return nil, false, fmt.Errorf("encryptedstore: decrypt failed for key %q: %w", key, err)
	}
	return plaintext, true, nil
}

// Put encrypts and stores value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ciphertext, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("encryptedstore: encrypt failed for key %q: %w", key, err)
	}
	return s.store.Put(ctx, hashKey(key), ciphertext, ttl)
}

// Delete removes the snapshot stored at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, hashKey(key))
}

var _ jwkscache.SnapshotStore = (*Store)(nil)

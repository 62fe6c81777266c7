package encryptedstore

import (
	"context"
	"sync"
	"testing"
	"time"

	jwkscache "github.com/hack-ink/jwks-cache"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string][]byte)} }

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

var _ jwkscache.SnapshotStore = (*fakeStore)(nil)

func TestPutGetRoundTripsWithEncryption(t *testing.T) {
	backing := newFakeStore()
	store, err := New(Config{Store: backing, Passphrase: "correct horse battery staple"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := []byte(`{"keys":[]}`)
	if err := store.Put(context.Background(), "jwks-cache/v1/tenant-a/okta", want, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := store.Get(context.Background(), "jwks-cache/v1/tenant-a/okta")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected key to be present")
	}
	if string(got) != string(want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestPlaintextIsNotStoredWhenEncryptionEnabled(t *testing.T) {
	backing := newFakeStore()
	store, err := New(Config{Store: backing, Passphrase: "a-strong-passphrase"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	secret := []byte(`{"etag":"super-secret-value"}`)
	if err := store.Put(context.Background(), "k", secret, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, ok, _ := backing.Get(context.Background(), hashKey("k"))
	if !ok {
		t.Fatal("expected underlying store to have an entry")
	}
	if string(raw) == string(secret) {
		t.Fatal("expected ciphertext to differ from plaintext")
	}
}

func TestKeysAreHashedBeforeReachingUnderlyingStore(t *testing.T) {
	backing := newFakeStore()
	store, err := New(Config{Store: backing})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Put(context.Background(), "jwks-cache/v1/tenant-a/okta", []byte("x"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := backing.data["jwks-cache/v1/tenant-a/okta"]; ok {
		t.Fatal("expected the literal key to never reach the underlying store")
	}
	if _, ok := backing.data[hashKey("jwks-cache/v1/tenant-a/okta")]; !ok {
		t.Fatal("expected the hashed key to be present in the underlying store")
	}
}

func TestWithoutPassphraseValueIsStoredUnencrypted(t *testing.T) {
	backing := newFakeStore()
	store, err := New(Config{Store: backing})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	value := []byte("plain bytes")
	if err := store.Put(context.Background(), "k", value, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	raw, _, _ := backing.Get(context.Background(), hashKey("k"))
	if string(raw) != string(value) {
		t.Fatal("expected value to pass through unmodified without a passphrase")
	}
}

func TestNewRejectsNilStore(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error when Store is nil")
	}
}

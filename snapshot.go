package jwkscache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// snapshotSchemaVersion is the u8 version prefix of every serialized
// snapshot per §4.7. Bump and branch on read when the wire layout changes.
const snapshotSchemaVersion = 1

// SnapshotStore is the persistence seam from §4.7, mirroring the teacher's
// Cache interface shape (opaque byte get/set/delete keyed by string) so any
// of the teacher's backends can be adapted to it with a thin key/value
// wrapper instead of a bespoke persistence contract.
type SnapshotStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NoopSnapshotStore is the default SnapshotStore, used when a Registry is
// built without with_snapshot_store so persistence code paths share the
// same lifecycle regardless of whether persistence is configured.
type NoopSnapshotStore struct{}

func (NoopSnapshotStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NoopSnapshotStore) Put(context.Context, string, []byte, time.Duration) error { return nil }
func (NoopSnapshotStore) Delete(context.Context, string) error                    { return nil }

var _ SnapshotStore = NoopSnapshotStore{}

// snapshotKey implements the canonical keyspace from §6: "jwks-cache/v1/{tenant}/{provider}".
func snapshotKey(tenant, provider string) string {
	return fmt.Sprintf("jwks-cache/v1/%s/%s", tenant, provider)
}

// persistedSnapshot is the decoded form of one wire payload, carrying wall
// clock timestamps as stored; translation to monotonic instants happens at
// restore time in restoreEntry.
type persistedSnapshot struct {
	tenantID     string
	providerID   string
	jwksBytes    []byte
	etag         string
	lastModified string
	expiresAtWall     time.Time
	persistedAtWall   time.Time
}

// encodeSnapshot serializes a persistedSnapshot into the versioned binary
// format named by §4.7: a u8 schema version followed by length-prefixed
// fields and two wall-clock timestamps as Unix nanoseconds.
func encodeSnapshot(s persistedSnapshot) []byte {
	var buf bytes.Buffer
	buf.WriteByte(snapshotSchemaVersion)
	writeString(&buf, s.tenantID)
	writeString(&buf, s.providerID)
	writeBytes(&buf, s.jwksBytes)
	writeString(&buf, s.etag)
	writeString(&buf, s.lastModified)
	writeInt64(&buf, s.expiresAtWall.UnixNano())
	writeInt64(&buf, s.persistedAtWall.UnixNano())
	return buf.Bytes()
}

// decodeSnapshot is the inverse of encodeSnapshot. It rejects any schema
// version it does not recognize rather than guessing at a layout.
func decodeSnapshot(raw []byte) (persistedSnapshot, error) {
	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil {
		return persistedSnapshot{}, fmt.Errorf("jwkscache: truncated snapshot: %w", err)
	}
	if version != snapshotSchemaVersion {
		return persistedSnapshot{}, fmt.Errorf("jwkscache: unsupported snapshot schema version %d", version)
	}

	var s persistedSnapshot
	if s.tenantID, err = readString(r); err != nil {
		return persistedSnapshot{}, err
	}
	if s.providerID, err = readString(r); err != nil {
		return persistedSnapshot{}, err
	}
	if s.jwksBytes, err = readBytes(r); err != nil {
		return persistedSnapshot{}, err
	}
	if s.etag, err = readString(r); err != nil {
		return persistedSnapshot{}, err
	}
	if s.lastModified, err = readString(r); err != nil {
		return persistedSnapshot{}, err
	}
	expiresNano, err := readInt64(r)
	if err != nil {
		return persistedSnapshot{}, err
	}
	persistedNano, err := readInt64(r)
	if err != nil {
		return persistedSnapshot{}, err
	}
	s.expiresAtWall = time.Unix(0, expiresNano).UTC()
	s.persistedAtWall = time.Unix(0, persistedNano).UTC()
	return s, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("jwkscache: truncated snapshot length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("jwkscache: truncated snapshot payload: %w", err)
	}
	return b, nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("jwkscache: truncated snapshot timestamp: %w", err)
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// persistEntry serializes the manager's current Ready/Refreshing payload
// and writes it through the store. Managers in Empty or Loading have
// nothing durable to persist: with no published payload this returns nil
// without writing.
func (m *CacheManager) persistEntry(ctx context.Context, store SnapshotStore) error {
	m.mu.Lock()
	snap := m.snapshot.Load()
	if snap == nil {
		m.mu.Unlock()
		return nil
	}
	nowWall := time.Now()
	expiresWall := nowWall.Add(time.Until(m.entry.expiresAt))
	ps := persistedSnapshot{
		tenantID:        m.tenantID,
		providerID:      m.providerID,
		jwksBytes:       snap.keys.Raw,
		etag:            m.entry.etag,
		lastModified:    m.entry.lastModified,
		expiresAtWall:   expiresWall,
		persistedAtWall: nowWall,
	}
	m.mu.Unlock()

	return store.Put(ctx, snapshotKey(m.tenantID, m.providerID), encodeSnapshot(ps), 0)
}

// restoreEntry implements the §4.7 restore policy: wall-clock-expired
// snapshots are discarded, survivors are loaded straight into Ready with
// their wall-clock expiry translated to a monotonic instant.
func (m *CacheManager) restoreEntry(ctx context.Context, store SnapshotStore) error {
	raw, ok, err := store.Get(ctx, snapshotKey(m.tenantID, m.providerID))
	if err != nil {
		return newErr(KindPersistence, "restore", "snapshot store get failed", false, err)
	}
	if !ok {
		return nil
	}
	ps, err := decodeSnapshot(raw)
	if err != nil {
		return newErr(KindPersistence, "restore", "snapshot decode failed", false, err)
	}

	nowWall := time.Now()
	if !ps.expiresAtWall.After(nowWall) {
		return nil // discarded: wall-clock expired
	}

	ks, perr := parseKeySet(ps.jwksBytes)
	if perr != nil {
		return newErr(KindPersistence, "restore", "persisted jwks payload failed to parse", false, perr)
	}

	nowMono := m.clock.Now()
	expiresAt := nowMono.Add(ps.expiresAtWall.Sub(nowWall))
	if expiresAt.Before(nowMono) {
		expiresAt = nowMono
	}

	nextRefreshAt := expiresAt.Add(-m.reg.RefreshEarly)
	if m.reg.PrefetchJitter > 0 {
		m.rngMu.Lock()
		nextRefreshAt = nextRefreshAt.Add(time.Duration(m.rng.Int63n(int64(m.reg.PrefetchJitter) + 1)))
		m.rngMu.Unlock()
	}
	if nextRefreshAt.Before(nowMono) {
		nextRefreshAt = nowMono
	}

	staleDeadline := expiresAt
	if m.reg.StaleWhileError > 0 {
		staleDeadline = expiresAt.Add(m.reg.StaleWhileError)
	}

	m.mu.Lock()
	m.entry.state = stateReady
	m.entry.etag = ps.etag
	m.entry.lastModified = ps.lastModified
	m.entry.fetchedAt = nowMono
	m.entry.expiresAt = expiresAt
	m.entry.nextRefreshAt = nextRefreshAt
	m.entry.staleDeadline = staleDeadline
	m.entry.errorCount = 0
	m.snapshot.Store(&resolvedSnapshot{keys: ks, fetchedAt: nowMono})
	m.armTimer(nextRefreshAt.Sub(nowMono))
	m.mu.Unlock()
	return nil
}

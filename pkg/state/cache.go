package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cadforge/cadforge/pkg/metrics"
	"github.com/cadforge/cadforge/pkg/models"
)

// Key layout on the underlying store:
//
//	state:{session}:{name}:{ts}  checkpoint record (JSON)
//	latest:{session}             key of the newest checkpoint
//	history:{session}            hash of ts -> checkpoint key
const (
	checkpointKeyPrefix = "state:"
	latestKeyPrefix     = "latest:"
	historyKeyPrefix    = "history:"
)

// ErrCorruptCheckpoint indicates a stored record whose digest does not match
// its snapshot payload.
var ErrCorruptCheckpoint = fmt.Errorf("state: checkpoint digest mismatch")

// CheckpointRecord is the stored envelope around a snapshot. Digest is the
// hex SHA-256 of the snapshot's canonical JSON and is verified on load.
type CheckpointRecord struct {
	Key       string                 `json:"key"`
	SessionID string                 `json:"session_id"`
	Name      string                 `json:"name"`
	Timestamp int64                  `json:"timestamp"`
	Digest    string                 `json:"digest"`
	Snapshot  models.SessionSnapshot `json:"snapshot"`
}

// Cache layers the checkpoint key scheme on top of a Store. Timestamps are
// strictly monotonic per session within a process, so two checkpoints taken
// in the same nanosecond still order deterministically.
type Cache struct {
	store     Store
	ttl       time.Duration
	retention int

	mu     sync.Mutex
	lastTS map[string]int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL expires checkpoint records after d. d <= 0 keeps them forever.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = d }
}

// WithRetention keeps at most n checkpoints per session, dropping the oldest.
// n <= 0 means unlimited.
func WithRetention(n int) CacheOption {
	return func(c *Cache) { c.retention = n }
}

// NewCache creates a checkpoint cache over the given store.
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		lastTS: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Checkpoint persists a snapshot under a fresh monotonic key, advances the
// latest pointer, and appends to the session's history hash. Returns the key
// the record was stored under.
func (c *Cache) Checkpoint(ctx context.Context, snap models.SessionSnapshot, name string) (string, error) {
	if snap.SessionID == "" {
		return "", fmt.Errorf("state: snapshot has no session id")
	}
	if name == "" {
		name = "checkpoint"
	}

	ts := c.nextTimestamp(snap.SessionID)
	key := checkpointKey(snap.SessionID, name, ts)

	digest, err := snapshotDigest(snap)
	if err != nil {
		return "", err
	}
	record := CheckpointRecord{
		Key:       key,
		SessionID: snap.SessionID,
		Name:      name,
		Timestamp: ts,
		Digest:    digest,
		Snapshot:  snap,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("state: marshal checkpoint: %w", err)
	}

	if err := c.store.Set(ctx, key, payload, c.ttl); err != nil {
		return "", err
	}
	if err := c.advanceLatest(ctx, snap.SessionID, key, ts); err != nil {
		return "", err
	}
	historyKey := historyKeyPrefix + snap.SessionID
	if err := c.store.HSet(ctx, historyKey, strconv.FormatInt(ts, 10), []byte(key)); err != nil {
		return "", err
	}
	metrics.CheckpointsWritten.Inc()

	if c.retention > 0 {
		if err := c.enforceRetention(ctx, snap.SessionID); err != nil {
			return "", err
		}
	}
	return key, nil
}

// Load reads and verifies one checkpoint record by key.
func (c *Cache) Load(ctx context.Context, key string) (CheckpointRecord, error) {
	payload, err := c.store.Get(ctx, key)
	if err != nil {
		return CheckpointRecord{}, err
	}
	var record CheckpointRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return CheckpointRecord{}, fmt.Errorf("state: unmarshal checkpoint %s: %w", key, err)
	}
	digest, err := snapshotDigest(record.Snapshot)
	if err != nil {
		return CheckpointRecord{}, err
	}
	if digest != record.Digest {
		return CheckpointRecord{}, fmt.Errorf("%w: %s", ErrCorruptCheckpoint, key)
	}
	return record, nil
}

// Latest returns the newest checkpoint for a session. ErrKeyNotFound when
// the session has never been checkpointed.
func (c *Cache) Latest(ctx context.Context, sessionID string) (CheckpointRecord, error) {
	key, err := c.store.Get(ctx, latestKeyPrefix+sessionID)
	if err != nil {
		return CheckpointRecord{}, err
	}
	return c.Load(ctx, string(key))
}

// History returns the session's checkpoint keys, newest first. Keys whose
// record has since expired or been trimmed may still appear; callers should
// tolerate ErrKeyNotFound from Load.
func (c *Cache) History(ctx context.Context, sessionID string) ([]string, error) {
	fields, err := c.store.HGetAll(ctx, historyKeyPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	type entry struct {
		ts  int64
		key string
	}
	entries := make([]entry, 0, len(fields))
	for field, key := range fields {
		ts, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, entry{ts: ts, key: string(key)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts > entries[j].ts })
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}

// Purge deletes every checkpoint, the latest pointer, and the history hash
// for a session.
func (c *Cache) Purge(ctx context.Context, sessionID string) error {
	keys, err := c.store.ListPrefix(ctx, checkpointKeyPrefix+sessionID+":")
	if err != nil {
		return err
	}
	keys = append(keys, latestKeyPrefix+sessionID, historyKeyPrefix+sessionID)
	if err := c.store.Delete(ctx, keys...); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.lastTS, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *Cache) nextTimestamp(sessionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := time.Now().UnixNano()
	if last := c.lastTS[sessionID]; ts <= last {
		ts = last + 1
	}
	c.lastTS[sessionID] = ts
	return ts
}

// advanceLatest moves the latest pointer only forward. A delayed write for an
// older checkpoint never regresses the pointer.
func (c *Cache) advanceLatest(ctx context.Context, sessionID, key string, ts int64) error {
	latestKey := latestKeyPrefix + sessionID
	current, err := c.store.Get(ctx, latestKey)
	if err == nil {
		if currentTS, ok := timestampOf(string(current)); ok && currentTS >= ts {
			return nil
		}
	}
	return c.store.Set(ctx, latestKey, []byte(key), 0)
}

func (c *Cache) enforceRetention(ctx context.Context, sessionID string) error {
	keys, err := c.History(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(keys) <= c.retention {
		return nil
	}
	excess := keys[c.retention:]
	if err := c.store.Delete(ctx, excess...); err != nil {
		return err
	}
	fields := make([]string, 0, len(excess))
	for _, key := range excess {
		if ts, ok := timestampOf(key); ok {
			fields = append(fields, strconv.FormatInt(ts, 10))
		}
	}
	return c.store.HDel(ctx, historyKeyPrefix+sessionID, fields...)
}

func checkpointKey(sessionID, name string, ts int64) string {
	return fmt.Sprintf("%s%s:%s:%d", checkpointKeyPrefix, sessionID, name, ts)
}

// timestampOf extracts the trailing timestamp segment of a checkpoint key.
func timestampOf(key string) (int64, bool) {
	idx := strings.LastIndexByte(key, ':')
	if idx < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func snapshotDigest(snap models.SessionSnapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("state: marshal snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

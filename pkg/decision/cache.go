// Package decision caches agent decisions so identical deliberations inside a
// session are answered without another provider round-trip.
package decision

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cadforge/cadforge/pkg/metrics"
	"github.com/cadforge/cadforge/pkg/state"
)

// DefaultTTL bounds how long a cached decision stays valid when the
// configured TTL is zero or negative.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "decision:"

// Key identifies one deliberation. Two keys with equal fingerprints are the
// same deliberation and may share a cached result.
type Key struct {
	SessionID string
	Role      string // planner | generator | validator
	Prompt    string
	// StateDigest summarizes the session state the deliberation ran against.
	// Any change to the state changes the digest and misses the cache.
	StateDigest string
	Iteration   int
	// Context carries iteration-specific input such as validation feedback.
	Context string
}

// Fingerprint hashes the key into a stable hex digest. Each component is
// length-prefixed so field boundaries cannot collide, and the prompt is
// whitespace-normalized so formatting-only changes still hit.
func (k Key) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{
		k.SessionID,
		k.Role,
		NormalizePrompt(k.Prompt),
		k.StateDigest,
		fmt.Sprintf("%d", k.Iteration),
		k.Context,
	} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePrompt collapses runs of whitespace to single spaces and trims the
// ends. Character case is preserved; prompts are often case-sensitive.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// Cache stores decisions on a state.Store under per-session keys so a whole
// session can be invalidated with one prefix sweep.
type Cache struct {
	store  state.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache creates a decision cache. ttl <= 0 falls back to DefaultTTL.
func NewCache(store state.Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "decision_cache"),
	}
}

func storageKey(k Key) string {
	return keyPrefix + k.SessionID + ":" + k.Fingerprint()
}

// Get returns the cached decision for the key, or ok=false on a miss. Store
// errors are reported as misses after logging; a broken cache must never fail
// a pipeline.
func (c *Cache) Get(ctx context.Context, k Key) (payload []byte, ok bool) {
	payload, err := c.store.Get(ctx, storageKey(k))
	if err != nil {
		if !errors.Is(err, state.ErrKeyNotFound) {
			c.logger.Warn("Decision cache read failed, treating as miss",
				"session_id", k.SessionID, "role", k.Role, "error", err)
		}
		metrics.DecisionCacheMisses.WithLabelValues(k.Role).Inc()
		return nil, false
	}
	metrics.DecisionCacheHits.WithLabelValues(k.Role).Inc()
	return payload, true
}

// Put stores a decision under the key with the cache TTL.
func (c *Cache) Put(ctx context.Context, k Key, payload []byte) error {
	if err := c.store.Set(ctx, storageKey(k), payload, c.ttl); err != nil {
		return fmt.Errorf("decision cache put: %w", err)
	}
	return nil
}

// InvalidateSession removes every cached decision for a session. Called when
// the session's state changes out-of-band and cached deliberations may be
// stale regardless of their digests.
func (c *Cache) InvalidateSession(ctx context.Context, sessionID string) error {
	keys, err := c.store.ListPrefix(ctx, keyPrefix+sessionID+":")
	if err != nil {
		return fmt.Errorf("decision cache invalidate: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("decision cache invalidate: %w", err)
	}
	c.logger.Debug("Invalidated cached decisions",
		"session_id", sessionID, "count", len(keys))
	return nil
}

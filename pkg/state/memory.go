package state

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expiry is enforced lazily on read and
// during ListPrefix. Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	hashes map[string]map[string][]byte
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		hashes: make(map[string]map[string][]byte),
	}
}

// Set writes a value. ttl <= 0 means no expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.values[key] = entry
	s.mu.Unlock()
	return nil
}

// Get reads a value; ErrKeyNotFound for missing or expired keys.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.values[key]
	s.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), entry.value...), nil
}

// Delete removes keys and hashes with the given names.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.hashes, k)
	}
	s.mu.Unlock()
	return nil
}

// ListPrefix returns live keys with the prefix, unordered.
func (s *MemoryStore) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, entry := range s.values {
		if strings.HasPrefix(k, prefix) && !entry.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// HSet writes one hash field.
func (s *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

// HGetAll returns a copy of all hash fields.
func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

// HDel removes hash fields.
func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

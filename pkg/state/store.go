// Package state persists session snapshots for resume, diffing, and audit.
//
// The Store interface is a minimal KV contract: values with optional TTL,
// list-by-prefix, and atomic append to a hash. Three implementations are
// provided: in-memory (tests, embedded use), Redis, and PostgreSQL.
// Cache layers the checkpoint key scheme on top of a Store; Checkpointer
// makes checkpoint writes asynchronous and bounded.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound indicates the requested key does not exist or has expired.
var ErrKeyNotFound = errors.New("state: key not found")

// Store is the minimal KV contract the core needs. Any store providing
// TTL'd values, prefix listing, and atomic hash-field writes qualifies.
type Store interface {
	// Set writes a value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads a value; returns ErrKeyNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// ListPrefix returns all live keys with the given prefix, unordered.
	ListPrefix(ctx context.Context, prefix string) ([]string, error)

	// HSet atomically writes one field of a hash.
	HSet(ctx context.Context, key, field string, value []byte) error

	// HGetAll returns all fields of a hash; empty map for a missing hash.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// HDel removes fields from a hash. Missing fields are not an error.
	HDel(ctx context.Context, key string, fields ...string) error

	// Close releases underlying resources.
	Close() error
}

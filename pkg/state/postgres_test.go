package state

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a throwaway PostgreSQL container and returns a
// migrated store. Skipped in -short mode so unit runs stay docker-free.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("cadforge_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresStore_Integration(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	t.Run("set get delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "k1", []byte("v1"), 0))

		got, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		// Upsert replaces the value.
		require.NoError(t, store.Set(ctx, "k1", []byte("v2"), 0))
		got, err = store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		require.NoError(t, store.Delete(ctx, "k1"))
		_, err = store.Get(ctx, "k1")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "never-written")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "ttl-key", []byte("v"), 500*time.Millisecond))

		_, err := store.Get(ctx, "ttl-key")
		require.NoError(t, err)

		time.Sleep(time.Second)
		_, err = store.Get(ctx, "ttl-key")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
	})

	t.Run("list prefix", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "state:s1:a", []byte("1"), 0))
		require.NoError(t, store.Set(ctx, "state:s1:b", []byte("2"), 0))
		require.NoError(t, store.Set(ctx, "state:s2:a", []byte("3"), 0))

		keys, err := store.ListPrefix(ctx, "state:s1:")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"state:s1:a", "state:s1:b"}, keys)
	})

	t.Run("prefix wildcards are literal", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "pct%key:a", []byte("1"), 0))
		require.NoError(t, store.Set(ctx, "pctXkey:a", []byte("2"), 0))

		keys, err := store.ListPrefix(ctx, "pct%key:")
		require.NoError(t, err)
		assert.Equal(t, []string{"pct%key:a"}, keys)
	})

	t.Run("hash ops", func(t *testing.T) {
		require.NoError(t, store.HSet(ctx, "h", "f1", []byte("v1")))
		require.NoError(t, store.HSet(ctx, "h", "f2", []byte("v2")))
		require.NoError(t, store.HSet(ctx, "h", "f1", []byte("v1b")))

		fields, err := store.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"f1": []byte("v1b"), "f2": []byte("v2")}, fields)

		require.NoError(t, store.HDel(ctx, "h", "f1"))
		fields, err = store.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"f2": []byte("v2")}, fields)
	})

	t.Run("delete clears hash under same key", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "dual", []byte("v"), 0))
		require.NoError(t, store.HSet(ctx, "dual", "f", []byte("h")))

		require.NoError(t, store.Delete(ctx, "dual"))

		_, err := store.Get(ctx, "dual")
		assert.True(t, errors.Is(err, ErrKeyNotFound))
		fields, err := store.HGetAll(ctx, "dual")
		require.NoError(t, err)
		assert.Empty(t, fields)
	})

	t.Run("checkpoint cache round trip", func(t *testing.T) {
		cache := NewCache(store)

		key, err := cache.Checkpoint(ctx, snap(map[string]string{"box1": "solid"}, false), "cp")
		require.NoError(t, err)

		latest, err := cache.Latest(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, key, latest.Key)
		assert.Equal(t, map[string]string{"box1": "solid"}, latest.Snapshot.Objects)
	})
}

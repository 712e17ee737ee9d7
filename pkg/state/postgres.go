package state

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store on PostgreSQL. Values live in kv_entries
// with an optional expires_at; hash fields live in kv_hash_fields with a
// composite primary key, so HSet is a single atomic upsert.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL, runs pending migrations, and
// returns a ready store.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromPool wraps an existing pool without running migrations.
// The caller owns the pool's lifecycle; Close is then a no-op on it.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Set writes a value. ttl <= 0 stores without expiry.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires_at = $3`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

// Get reads a value; ErrKeyNotFound for missing or expired keys.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

// Delete removes keys and any hashes stored under the same names.
func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM kv_entries WHERE key = ANY($1)`, keys)
	batch.Queue(`DELETE FROM kv_hash_fields WHERE key = ANY($1)`, keys)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// ListPrefix returns live keys with the prefix, unordered. LIKE wildcards in
// the prefix are escaped so the prefix always matches literally.
func (s *PostgresStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	pattern := likeEscape(prefix) + "%"
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM kv_entries
		WHERE key LIKE $1 ESCAPE '\'
		  AND (expires_at IS NULL OR expires_at > now())`,
		pattern)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s*: %w", prefix, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres list %s*: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list %s*: %w", prefix, err)
	}
	return keys, nil
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// HSet writes one hash field as an atomic upsert.
func (s *PostgresStore) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kv_hash_fields (key, field, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, field) DO UPDATE SET value = $3`,
		key, field, value)
	if err != nil {
		return fmt.Errorf("postgres hset %s.%s: %w", key, field, err)
	}
	return nil
}

// HGetAll returns all fields of a hash; empty map for a missing hash.
func (s *PostgresStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field, value FROM kv_hash_fields WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("postgres hgetall %s: %w", key, err)
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("postgres hgetall %s: %w", key, err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres hgetall %s: %w", key, err)
	}
	return out, nil
}

// HDel removes hash fields.
func (s *PostgresStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM kv_hash_fields WHERE key = $1 AND field = ANY($2)`,
		key, fields)
	if err != nil {
		return fmt.Errorf("postgres hdel %s: %w", key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key           TEXT PRIMARY KEY,
	value         BLOB NOT NULL,
	expires_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry ON cache_entries (expires_at_ms);
`

// SQLiteTier is the persistent cache tier. Entries survive restarts and
// carry day-scale TTLs.
type SQLiteTier struct {
	name  string
	sqlDB *sql.DB
}

// OpenSQLiteTier opens (or creates) the persistent tier at path.
func OpenSQLiteTier(name, path string) (*SQLiteTier, error) {
	if path == "" {
		return nil, fmt.Errorf("cache tier path is required")
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	return &SQLiteTier{name: name, sqlDB: db}, nil
}

func (t *SQLiteTier) Name() string {
	return t.name
}

// Get returns the value for key if present and unexpired. Expired rows are
// deleted opportunistically.
func (t *SQLiteTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAtMs int64

	err := t.sqlDB.QueryRowContext(ctx,
		`SELECT value, expires_at_ms FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	if time.Now().UnixMilli() > expiresAtMs {
		_, _ = t.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set upserts the entry with a fresh expiry.
func (t *SQLiteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAtMs := time.Now().Add(ttl).UnixMilli()

	_, err := t.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`,
		key, value, expiresAtMs,
	)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry.
func (t *SQLiteTier) Delete(ctx context.Context, key string) error {
	if _, err := t.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired drops all expired rows.
func (t *SQLiteTier) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := t.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at_ms < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database handle.
func (t *SQLiteTier) Close() error {
	return t.sqlDB.Close()
}

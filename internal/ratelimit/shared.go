package ratelimit

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/meridian-ai/llm-orchestrator/internal/events"
)

const sharedSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	scope          TEXT PRIMARY KEY,
	tokens         REAL NOT NULL,
	last_refill_ms INTEGER NOT NULL
);
`

// SharedLimiter implements the Limiter contract against a SQL store so that
// several processes can share one set of buckets. Refill semantics match
// BucketLimiter within clock-skew tolerance; each acquire is a single
// transaction per scope.
type SharedLimiter struct {
	db     *sql.DB
	cfg    Config
	logger *logrus.Logger
	events events.Emitter
}

// OpenShared opens (or creates) the shared bucket store at path.
func OpenShared(path string, cfg Config, logger *logrus.Logger, emitter events.Emitter) (*SharedLimiter, error) {
	if path == "" {
		return nil, fmt.Errorf("shared limiter store path is required")
	}
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = DefaultConfig().BucketCapacity
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = DefaultConfig().RefillPerSec
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open shared limiter store: %w", err)
	}
	if _, err := db.Exec(sharedSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init shared limiter schema: %w", err)
	}

	return &SharedLimiter{db: db, cfg: cfg, logger: logger, events: emitter}, nil
}

// TryAcquire refills and spends inside one transaction for the scope.
func (l *SharedLimiter) TryAcquire(scope string, cost float64) bool {
	allowed, err := l.tryAcquire(scope, cost)
	if err != nil {
		// Store trouble must not take down admission entirely; deny and log.
		l.logger.WithError(err).WithField("scope", scope).Warn("Shared rate limit check failed")
		return false
	}
	if !allowed {
		l.events.Emit(events.RateLimited, map[string]interface{}{"scope": scope})
	}
	return allowed
}

func (l *SharedLimiter) tryAcquire(scope string, cost float64) (bool, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	nowMs := now.UnixMilli()

	var tokens float64
	var lastRefillMs int64
	err = tx.QueryRow(
		`SELECT tokens, last_refill_ms FROM rate_limit_buckets WHERE scope = ?`, scope,
	).Scan(&tokens, &lastRefillMs)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		tokens = l.cfg.BucketCapacity
		lastRefillMs = nowMs
		if _, err := tx.Exec(
			`INSERT INTO rate_limit_buckets (scope, tokens, last_refill_ms) VALUES (?, ?, ?)`,
			scope, tokens, lastRefillMs,
		); err != nil {
			return false, fmt.Errorf("insert bucket: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("read bucket: %w", err)
	}

	elapsedSec := float64(nowMs-lastRefillMs) / 1000.0
	if elapsedSec > 0 {
		tokens = minFloat(l.cfg.BucketCapacity, tokens+elapsedSec*l.cfg.RefillPerSec)
	}

	allowed := tokens >= cost
	if allowed {
		tokens -= cost
	}

	if _, err := tx.Exec(
		`UPDATE rate_limit_buckets SET tokens = ?, last_refill_ms = ? WHERE scope = ?`,
		tokens, nowMs, scope,
	); err != nil {
		return false, fmt.Errorf("update bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return allowed, nil
}

// Cleanup removes buckets that have been idle past the retention window;
// an idle bucket is fully refilled, so dropping it loses nothing.
func (l *SharedLimiter) Cleanup(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	res, err := l.db.Exec(`DELETE FROM rate_limit_buckets WHERE last_refill_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup buckets: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		l.logger.WithField("removed_buckets", rows).Debug("Shared rate limit cleanup completed")
	}
	return rows, nil
}

// Close releases the store handle.
func (l *SharedLimiter) Close() error {
	return l.db.Close()
}

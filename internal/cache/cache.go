// Package cache implements the multi-tier response cache with single-flight
// de-duplication of upstream computations.
package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-ai/llm-orchestrator/internal/events"
)

// Tier is one cache layer, queried fast-to-slow on lookup. Implementations
// must be safe for concurrent use. A tier returning an error is treated as
// unavailable for that call, never as fatal.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TierConfig pairs a tier with its tier-local TTL.
type TierConfig struct {
	Tier Tier
	TTL  time.Duration
}

// Result is the outcome of a Lookup.
type Result struct {
	Value []byte
	Hit   bool
	Tier  string
}

// Manager queries tiers in order, promotes lower-tier hits, and serializes
// identical concurrent computations through a single-flight group.
type Manager struct {
	tiers  []TierConfig
	flight singleflight.Group
	logger *logrus.Logger
	events events.Emitter
}

// NewManager creates a manager over the given tiers, ordered fastest first.
func NewManager(tiers []TierConfig, logger *logrus.Logger, emitter events.Emitter) *Manager {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Manager{
		tiers:  tiers,
		logger: logger,
		events: emitter,
	}
}

// Lookup queries tiers L1..Ln in order. A hit in a slower tier is written
// back to all faster tiers before returning.
func (m *Manager) Lookup(ctx context.Context, key string) Result {
	for i, tc := range m.tiers {
		value, ok, err := tc.Tier.Get(ctx, key)
		if err != nil {
			// Tier unavailable: log, skip, keep going.
			m.logger.WithError(err).WithFields(logrus.Fields{
				"tier": tc.Tier.Name(),
				"key":  key,
			}).Warn("Cache tier unavailable on lookup")
			continue
		}
		if !ok {
			continue
		}

		m.promote(ctx, key, value, i)

		m.events.Emit(events.CacheHit, map[string]interface{}{
			"key":  key,
			"tier": tc.Tier.Name(),
		})
		return Result{Value: value, Hit: true, Tier: tc.Tier.Name()}
	}

	m.events.Emit(events.CacheMiss, map[string]interface{}{"key": key})
	return Result{}
}

// promote writes a hit found at tier index hitIdx back to all faster tiers,
// each with its own TTL. Best-effort.
func (m *Manager) promote(ctx context.Context, key string, value []byte, hitIdx int) {
	for _, tc := range m.tiers[:hitIdx] {
		if err := tc.Tier.Set(ctx, key, value, tc.TTL); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"tier": tc.Tier.Name(),
				"key":  key,
			}).Warn("Cache tier unavailable on promotion")
		}
	}
}

// Store writes the value to every tier with that tier's TTL. Writes to
// slower tiers are best-effort; a failed L3 write never fails the store.
func (m *Manager) Store(ctx context.Context, key string, value []byte) {
	for _, tc := range m.tiers {
		if err := tc.Tier.Set(ctx, key, value, tc.TTL); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"tier": tc.Tier.Name(),
				"key":  key,
			}).Warn("Cache tier unavailable on store")
		}
	}
}

// Delete invalidates the key in all tiers immediately.
func (m *Manager) Delete(ctx context.Context, key string) {
	for _, tc := range m.tiers {
		if err := tc.Tier.Delete(ctx, key); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"tier": tc.Tier.Name(),
				"key":  key,
			}).Warn("Cache tier unavailable on delete")
		}
	}
}

// GetOrCompute returns the cached value for key, or runs fn exactly once
// across all concurrent callers for that key. A successful computation is
// stored in all tiers before waiters are released; a failed one is never
// stored, and its error propagates to every waiter. A waiter whose context
// is cancelled stops waiting without disturbing the computation or the
// other waiters.
func (m *Manager) GetOrCompute(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) (Result, error) {
	if r := m.Lookup(ctx, key); r.Hit {
		return r, nil
	}

	ch := m.flight.DoChan(key, func() (interface{}, error) {
		value, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		m.Store(ctx, key, value)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		// Computed (or shared with the computing caller): not a cache hit.
		return Result{Value: res.Val.([]byte)}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

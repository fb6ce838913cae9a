package ratelimit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/events"
)

// Limiter is the admission contract shared by the in-memory and the shared
// (store-backed) implementations.
type Limiter interface {
	TryAcquire(scope string, cost float64) bool
}

// Config holds token bucket parameters shared by all scopes.
type Config struct {
	BucketCapacity  float64       `yaml:"bucket_capacity"`
	RefillPerSec    float64       `yaml:"refill_per_sec"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns sensible bucket defaults.
func DefaultConfig() Config {
	return Config{
		BucketCapacity:  10,
		RefillPerSec:    1,
		CleanupInterval: 5 * time.Minute,
	}
}

// bucket holds the mutable state for one scope. Refill and spend happen in
// a single critical section per scope; scopes never contend with each other.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// BucketLimiter is the in-process token bucket limiter, one bucket per
// scope (backend id or caller id), created lazily on first reference.
type BucketLimiter struct {
	cfg    Config
	logger *logrus.Logger
	events events.Emitter

	mu      sync.RWMutex
	buckets map[string]*bucket

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewBucketLimiter creates a limiter and starts its idle-bucket cleanup.
func NewBucketLimiter(cfg Config, logger *logrus.Logger, emitter events.Emitter) *BucketLimiter {
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = DefaultConfig().BucketCapacity
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = DefaultConfig().RefillPerSec
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}

	l := &BucketLimiter{
		cfg:         cfg,
		logger:      logger,
		events:      emitter,
		buckets:     make(map[string]*bucket),
		stopCleanup: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// TryAcquire refills the scope's bucket for the elapsed time and consumes
// cost tokens if available. Tokens are never refunded; a timed-out upstream
// call still paid its admission.
func (l *BucketLimiter) TryAcquire(scope string, cost float64) bool {
	b := l.getOrCreateBucket(scope)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = minFloat(l.cfg.BucketCapacity, b.tokens+elapsed*l.cfg.RefillPerSec)
		b.lastRefill = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}

	l.logger.WithFields(logrus.Fields{
		"scope": scope,
		"cost":  cost,
	}).Debug("Rate limit denied")

	l.events.Emit(events.RateLimited, map[string]interface{}{"scope": scope})

	return false
}

// Tokens returns the current token count for a scope after refill. Intended
// for diagnostics.
func (l *BucketLimiter) Tokens(scope string) float64 {
	b := l.getOrCreateBucket(scope)

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := time.Since(b.lastRefill).Seconds()
	return minFloat(l.cfg.BucketCapacity, b.tokens+elapsed*l.cfg.RefillPerSec)
}

// Stop terminates the cleanup goroutine.
func (l *BucketLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCleanup)
	})
}

func (l *BucketLimiter) getOrCreateBucket(scope string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[scope]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[scope]; ok {
		return b
	}

	b = &bucket{
		tokens:     l.cfg.BucketCapacity,
		lastRefill: time.Now(),
	}
	l.buckets[scope] = b
	return b
}

func (l *BucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets idle long enough to be fully refilled anyway.
func (l *BucketLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
	removed := 0
	for scope, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, scope)
			removed++
		}
	}

	if removed > 0 {
		l.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryEntry is one cached value with its own expiry and LRU position.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryTier is an in-process LRU tier with per-entry TTL. Used for both
// the L1 and (by default) L2 tiers.
type MemoryTier struct {
	name    string
	maxSize int

	mu      sync.Mutex
	entries map[string]*memoryEntry
	lruList *list.List
}

// NewMemoryTier creates a memory tier bounded to maxSize entries.
func NewMemoryTier(name string, maxSize int) *MemoryTier {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &MemoryTier{
		name:    name,
		maxSize: maxSize,
		entries: make(map[string]*memoryEntry),
		lruList: list.New(),
	}
}

func (t *MemoryTier) Name() string {
	return t.name
}

// Get returns the value for key if present and unexpired.
func (t *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		t.remove(key)
		return nil, false, nil
	}

	t.lruList.MoveToFront(entry.element)
	return entry.value, true, nil
}

// Set stores value under key for ttl, evicting the LRU entry when full.
func (t *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if entry, ok := t.entries[key]; ok {
		entry.value = value
		entry.expiresAt = now.Add(ttl)
		t.lruList.MoveToFront(entry.element)
		return nil
	}

	if t.lruList.Len() >= t.maxSize {
		t.evictLRU()
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: now.Add(ttl),
	}
	entry.element = t.lruList.PushFront(key)
	t.entries[key] = entry
	return nil
}

// Delete removes key from the tier.
func (t *MemoryTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.remove(key)
	return nil
}

// Len returns the number of live entries.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lruList.Len()
}

// PurgeExpired removes all expired entries and returns how many were dropped.
func (t *MemoryTier) PurgeExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, entry := range t.entries {
		if entry.expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		t.remove(key)
	}
	return len(expired)
}

// remove must be called with the lock held.
func (t *MemoryTier) remove(key string) {
	if entry, ok := t.entries[key]; ok {
		t.lruList.Remove(entry.element)
		delete(t.entries, key)
	}
}

// evictLRU must be called with the lock held.
func (t *MemoryTier) evictLRU() {
	back := t.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	t.lruList.Remove(back)
	delete(t.entries, key)
}

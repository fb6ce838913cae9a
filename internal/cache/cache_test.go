package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, tiers []TierConfig) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewManager(tiers, logger, nil)
}

func twoMemoryTiers(l1TTL, l2TTL time.Duration) []TierConfig {
	return []TierConfig{
		{Tier: NewMemoryTier("l1", 128), TTL: l1TTL},
		{Tier: NewMemoryTier("l2", 1024), TTL: l2TTL},
	}
}

func TestManager_StoreThenLookupHitsL1(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(time.Minute, time.Hour))
	ctx := context.Background()

	m.Store(ctx, "k", []byte("v"))

	r := m.Lookup(ctx, "k")
	require.True(t, r.Hit)
	assert.Equal(t, []byte("v"), r.Value)
	assert.Equal(t, "l1", r.Tier)
}

func TestManager_LookupMiss(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(time.Minute, time.Hour))

	r := m.Lookup(context.Background(), "absent")
	assert.False(t, r.Hit)
}

func TestManager_TierTTLsAreIndependent(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(100*time.Millisecond, time.Hour))
	ctx := context.Background()

	m.Store(ctx, "k", []byte("v"))
	time.Sleep(150 * time.Millisecond)

	// L1 expired, L2 still holds the entry.
	r := m.Lookup(ctx, "k")
	require.True(t, r.Hit)
	assert.Equal(t, "l2", r.Tier)
}

func TestManager_PromotionOnLowerTierHit(t *testing.T) {
	tiers := twoMemoryTiers(time.Minute, time.Hour)
	m := newTestManager(t, tiers)
	ctx := context.Background()

	// Seed only the slow tier.
	require.NoError(t, tiers[1].Tier.Set(ctx, "k", []byte("v"), time.Hour))

	r := m.Lookup(ctx, "k")
	require.True(t, r.Hit)
	assert.Equal(t, "l2", r.Tier)

	// The hit was promoted; the next lookup is served by L1.
	r = m.Lookup(ctx, "k")
	require.True(t, r.Hit)
	assert.Equal(t, "l1", r.Tier)
}

func TestManager_DeleteRemovesFromAllTiers(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(time.Minute, time.Hour))
	ctx := context.Background()

	m.Store(ctx, "k", []byte("v"))
	m.Delete(ctx, "k")

	assert.False(t, m.Lookup(ctx, "k").Hit)
}

// failingTier simulates an unreachable shared/persistent tier.
type failingTier struct{ name string }

func (f *failingTier) Name() string { return f.name }
func (f *failingTier) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("tier unreachable")
}
func (f *failingTier) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("tier unreachable")
}
func (f *failingTier) Delete(context.Context, string) error {
	return errors.New("tier unreachable")
}

func TestManager_UnavailableTierIsNeverFatal(t *testing.T) {
	tiers := []TierConfig{
		{Tier: NewMemoryTier("l1", 128), TTL: time.Minute},
		{Tier: &failingTier{name: "l2"}, TTL: time.Hour},
	}
	m := newTestManager(t, tiers)
	ctx := context.Background()

	// Store succeeds despite the broken lower tier.
	m.Store(ctx, "k", []byte("v"))

	r := m.Lookup(ctx, "k")
	require.True(t, r.Hit)
	assert.Equal(t, "l1", r.Tier)

	// Lookups fall through broken tiers without erroring.
	m.Delete(ctx, "k")
	assert.False(t, m.Lookup(ctx, "k").Hit)
}

func TestManager_GetOrCompute_SingleFlight(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(time.Minute, time.Hour))
	ctx := context.Background()

	var invocations int32
	fn := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&invocations, 1)
		time.Sleep(200 * time.Millisecond)
		return []byte("computed"), nil
	}

	const callers = 50
	results := make([][]byte, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.GetOrCompute(ctx, "k", fn)
			results[i], errs[i] = r.Value, err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations),
		"identical concurrent requests must share one upstream call")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("computed"), results[i])
	}

	// The computed value was stored.
	r := m.Lookup(ctx, "k")
	require.True(t, r.Hit)
	assert.Equal(t, "l1", r.Tier)
}

func TestManager_GetOrCompute_ErrorPropagatesToAllWaiters(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(time.Minute, time.Hour))
	ctx := context.Background()

	wantErr := errors.New("upstream failed")
	fn := func(ctx context.Context) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.GetOrCompute(ctx, "k", fn)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, errs[i], wantErr)
	}

	// Failed computations never populate the cache.
	assert.False(t, m.Lookup(ctx, "k").Hit)
}

func TestManager_GetOrCompute_WaiterCancellation(t *testing.T) {
	m := newTestManager(t, twoMemoryTiers(time.Minute, time.Hour))

	started := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return []byte("slow"), nil
	}

	// Computer runs with its own context.
	computerDone := make(chan error, 1)
	go func() {
		_, err := m.GetOrCompute(context.Background(), "k", fn)
		computerDone <- err
	}()
	<-started

	// A waiter with a short deadline gives up without killing the flight.
	waiterCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.GetOrCompute(waiterCtx, "k", fn)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The computing caller still completes.
	require.NoError(t, <-computerDone)
}

func TestMemoryTier_TTLExpiry(t *testing.T) {
	tier := NewMemoryTier("l1", 128)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "k", []byte("v"), 100*time.Millisecond))

	_, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	_, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry must be logically expired after its TTL")
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	tier := NewMemoryTier("l1", 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tier.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}

	// Touch k0 so k1 becomes the LRU victim.
	_, ok, _ := tier.Get(ctx, "k0")
	require.True(t, ok)

	require.NoError(t, tier.Set(ctx, "k3", []byte("v"), time.Minute))

	_, ok, _ = tier.Get(ctx, "k1")
	assert.False(t, ok, "least recently used entry should have been evicted")
	_, ok, _ = tier.Get(ctx, "k0")
	assert.True(t, ok)
	assert.Equal(t, 3, tier.Len())
}

func TestMemoryTier_PurgeExpired(t *testing.T) {
	tier := NewMemoryTier("l1", 128)
	ctx := context.Background()

	require.NoError(t, tier.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	require.NoError(t, tier.Set(ctx, "long", []byte("v"), time.Minute))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tier.PurgeExpired())
	assert.Equal(t, 1, tier.Len())
}

func TestSQLiteTier_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	tier, err := OpenSQLiteTier("l3", path)
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "k", []byte("v"), time.Minute))

	value, ok, err := tier.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// Overwrite refreshes the value.
	require.NoError(t, tier.Set(ctx, "k", []byte("v2"), time.Minute))
	value, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)

	require.NoError(t, tier.Delete(ctx, "k"))
	_, ok, err = tier.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteTier_Expiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	tier, err := OpenSQLiteTier("l3", path)
	require.NoError(t, err)
	defer tier.Close()

	ctx := context.Background()
	require.NoError(t, tier.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	require.NoError(t, tier.Set(ctx, "long", []byte("v"), time.Hour))

	time.Sleep(30 * time.Millisecond)

	_, ok, err := tier.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := tier.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed, "expired row already dropped by Get")

	_, ok, err = tier.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGroup(cfg Config) *Group {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewGroup(cfg, logger, nil)
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	b := NewBreaker("openai", DefaultConfig(), nil)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Admit())
}

func TestBreaker_OpensExactlyAtThreshold(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 5, OpenTimeout: time.Minute}, nil)

	// Failures below the threshold keep the breaker closed.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State(), "failure %d should not open", i+1)
		assert.True(t, b.Admit())
	}

	// The 5th consecutive failure opens it.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Admit())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 3, OpenTimeout: time.Minute}, nil)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// Count restarted; two more failures must not open.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CancellationLeavesFailureCountIntact(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 3, OpenTimeout: time.Minute}, nil)

	b.RecordFailure()
	b.RecordFailure()

	// An abandoned call says nothing about the backend; the count stands.
	b.RecordCancellation()
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "third consecutive failure must open")
}

func TestBreaker_CancelledProbeReturnsToOpen(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Admit())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordCancellation()
	assert.Equal(t, StateOpen, b.State(), "a cancelled probe must not close the breaker")

	// The slot is free and the timeout window did not restart, so the next
	// caller may be admitted for a fresh probe immediately.
	assert.True(t, b.Admit())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_OpenDeniesUntilTimeout(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 1, OpenTimeout: 50 * time.Millisecond}, nil)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.Admit())

	time.Sleep(60 * time.Millisecond)

	// Timeout elapsed: one probe is admitted, breaker is half-open.
	assert.True(t, b.Admit())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Admit())
}

func TestBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond}, nil)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	time.Sleep(20 * time.Millisecond)

	const callers = 10
	var admitted int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if b.Admit() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted, "exactly one probe must win the CAS")
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Admit())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Admit())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker("openai", Config{FailureThreshold: 1, OpenTimeout: 30 * time.Millisecond}, nil)

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.Admit())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Admit())

	// A fresh timeout window starts from the probe failure.
	time.Sleep(40 * time.Millisecond)
	assert.True(t, b.Admit())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_StateChangeHook(t *testing.T) {
	type change struct{ old, new State }
	var changes []change

	b := NewBreaker("openai", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond},
		func(backend string, old, new State) {
			assert.Equal(t, "openai", backend)
			changes = append(changes, change{old, new})
		})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Admit())
	b.RecordSuccess()

	require.Len(t, changes, 3)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
	assert.Equal(t, change{StateOpen, StateHalfOpen}, changes[1])
	assert.Equal(t, change{StateHalfOpen, StateClosed}, changes[2])
}

func TestGroup_LazyCreationAndSharing(t *testing.T) {
	g := newTestGroup(DefaultConfig())

	b1 := g.For("openai")
	b2 := g.For("openai")
	assert.Same(t, b1, b2, "one breaker per backend, shared across requests")

	b3 := g.For("anthropic")
	assert.NotSame(t, b1, b3)

	states := g.States()
	assert.Len(t, states, 2)
	assert.Equal(t, StateClosed, states["openai"])
}

func TestGroup_ConcurrentFor(t *testing.T) {
	g := newTestGroup(DefaultConfig())

	var wg sync.WaitGroup
	results := make([]*Breaker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.For("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 50; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func BenchmarkBreaker_AdmitClosed(b *testing.B) {
	br := NewBreaker("openai", DefaultConfig(), nil)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br.Admit()
	}
}

package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/events"
)

// State is the admission state of a backend.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds per-backend breaker parameters.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}
}

// Breaker gates admission to a single backend. Admit on the hot path is
// lock-free; the CAS on probeInFlight is the only serialization point when
// an OPEN breaker times out into HALF_OPEN.
type Breaker struct {
	backend string
	cfg     Config

	state               atomic.Int32
	consecutiveFailures atomic.Int32
	openedAt            atomic.Int64 // unix nanos
	probeInFlight       atomic.Bool

	onStateChange func(backend string, old, new State)
}

// NewBreaker creates a breaker in the CLOSED state.
func NewBreaker(backend string, cfg Config, onStateChange func(backend string, old, new State)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig().OpenTimeout
	}
	return &Breaker{
		backend:       backend,
		cfg:           cfg,
		onStateChange: onStateChange,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Admit reports whether a call to the backend may proceed. While OPEN, once
// the open timeout has elapsed exactly one caller wins the probe CAS and is
// admitted as the HALF_OPEN probe; everyone else is denied until the probe
// resolves.
func (b *Breaker) Admit() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		// A probe is already in flight.
		return false
	case StateOpen:
		if time.Now().UnixNano()-b.openedAt.Load() < int64(b.cfg.OpenTimeout) {
			return false
		}
		if !b.probeInFlight.CompareAndSwap(false, true) {
			// Lost the probe race; treated as OPEN.
			return false
		}
		b.transition(StateOpen, StateHalfOpen)
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count, and closes the breaker when the
// HALF_OPEN probe succeeds.
func (b *Breaker) RecordSuccess() {
	if b.transition(StateHalfOpen, StateClosed) {
		b.consecutiveFailures.Store(0)
		b.probeInFlight.Store(false)
		return
	}
	b.consecutiveFailures.Store(0)
}

// RecordCancellation settles a call the caller abandoned. The outcome says
// nothing about backend health: failure counts are untouched, and a
// cancelled HALF_OPEN probe returns the breaker to OPEN with the probe slot
// freed. openedAt is left as-is, so the next Admit may start a fresh probe
// immediately.
func (b *Breaker) RecordCancellation() {
	if b.transition(StateHalfOpen, StateOpen) {
		b.probeInFlight.Store(false)
	}
}

// RecordFailure counts a failure against the backend. A failed HALF_OPEN
// probe reopens the breaker; in CLOSED, reaching the threshold opens it.
func (b *Breaker) RecordFailure() {
	if b.transition(StateHalfOpen, StateOpen) {
		b.openedAt.Store(time.Now().UnixNano())
		b.probeInFlight.Store(false)
		return
	}

	if State(b.state.Load()) != StateClosed {
		return
	}

	failures := b.consecutiveFailures.Add(1)
	if int(failures) >= b.cfg.FailureThreshold {
		if b.transition(StateClosed, StateOpen) {
			b.openedAt.Store(time.Now().UnixNano())
		}
	}
}

// transition CASes the state and fires the change hook. Returns whether the
// transition happened.
func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if b.onStateChange != nil {
		b.onStateChange(b.backend, from, to)
	}
	return true
}

// Group owns one breaker per backend, created lazily on first reference and
// kept for the process lifetime.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	logger   *logrus.Logger
	events   events.Emitter
}

// NewGroup creates a breaker group with shared per-backend parameters.
func NewGroup(cfg Config, logger *logrus.Logger, emitter events.Emitter) *Group {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Group{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger,
		events:   emitter,
	}
}

// For returns the breaker for a backend, creating it on first use.
func (g *Group) For(backend string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[backend]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[backend]; ok {
		return b
	}

	b = NewBreaker(backend, g.cfg, g.stateChanged)
	g.breakers[backend] = b
	return b
}

// States returns a snapshot of all known breaker states.
func (g *Group) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]State, len(g.breakers))
	for backend, b := range g.breakers {
		states[backend] = b.State()
	}
	return states
}

func (g *Group) stateChanged(backend string, old, new State) {
	g.logger.WithFields(logrus.Fields{
		"backend":   backend,
		"old_state": old.String(),
		"new_state": new.String(),
	}).Info("Breaker state changed")

	g.events.Emit(events.BreakerStateChanged, map[string]interface{}{
		"backend":   backend,
		"old_state": old.String(),
		"new_state": new.String(),
	})
}

package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType enumerates the events the orchestration core emits at its
// observability boundary. Aggregation and storage belong to the monitoring
// subsystem, not this core.
type EventType string

const (
	RequestServed       EventType = "request_served"
	CacheHit            EventType = "cache_hit"
	CacheMiss           EventType = "cache_miss"
	FallbackTriggered   EventType = "fallback_triggered"
	BreakerStateChanged EventType = "breaker_state_changed"
	RateLimited         EventType = "rate_limited"
)

// Event is a single observability record.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Emitter receives events from the core. Implementations must be safe for
// concurrent use and must never block the request path.
type Emitter interface {
	Emit(eventType EventType, fields map[string]interface{})
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(EventType, map[string]interface{}) {}

// LogEmitter buffers events on a channel and logs them from a background
// worker so the hot path never waits on the logger. Events are dropped when
// the buffer is full.
type LogEmitter struct {
	logger *logrus.Logger
	buffer chan *Event
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewLogEmitter creates a LogEmitter with the given buffer size.
func NewLogEmitter(logger *logrus.Logger, bufferSize int) *LogEmitter {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	e := &LogEmitter{
		logger: logger,
		buffer: make(chan *Event, bufferSize),
		stop:   make(chan struct{}),
	}

	e.wg.Add(1)
	go e.run()

	return e
}

// Emit queues an event for logging. Drops the event if the buffer is full.
func (e *LogEmitter) Emit(eventType EventType, fields map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	select {
	case e.buffer <- event:
	default:
		e.logger.Warn("Event buffer full, dropping event")
	}
}

// Stop drains remaining events and shuts down the worker.
func (e *LogEmitter) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stop)
	e.wg.Wait()
}

func (e *LogEmitter) run() {
	defer e.wg.Done()

	for {
		select {
		case event := <-e.buffer:
			e.log(event)
		case <-e.stop:
			// Drain what is already buffered before exiting
			for {
				select {
				case event := <-e.buffer:
					e.log(event)
				default:
					return
				}
			}
		}
	}
}

func (e *LogEmitter) log(event *Event) {
	entry := e.logger.WithField("event", string(event.Type))
	for k, v := range event.Fields {
		entry = entry.WithField(k, v)
	}
	entry.Info("Orchestrator event")
}

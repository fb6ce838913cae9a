// Package adapters defines the opaque capability surface each backend
// exposes to the orchestration core, and the error classification the core
// relies on for failover decisions.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// Adapter is the per-backend invoke capability. Adapter internals (wire
// protocols, auth) are opaque to the core.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	HealthProbe(ctx context.Context) bool
}

// StreamingAdapter is implemented by backends that can stream chunks.
type StreamingAdapter interface {
	Adapter
	InvokeStream(ctx context.Context, req *types.CompletionRequest) (*Stream, error)
}

// ErrorClass partitions adapter failures for breaker accounting: timeouts
// and server errors count against the backend, client errors do not.
type ErrorClass int

const (
	ClassTimeout ErrorClass = iota
	ClassClient
	ClassServer
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassClient:
		return "client_error"
	case ClassServer:
		return "server_error"
	default:
		return "unknown"
	}
}

// Error wraps an upstream failure with its backend and classification.
type Error struct {
	Backend    string
	Class      ErrorClass
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CountsAsFailure reports whether the error counts against the breaker.
func (e *Error) CountsAsFailure() bool {
	return e.Class == ClassTimeout || e.Class == ClassServer
}

// NewError classifies err for backend. Context deadline errors become
// timeouts; an HTTP-style status code in [400,500) is a client error,
// everything else is attributed to the backend.
func NewError(backend string, statusCode int, err error) *Error {
	class := ClassServer
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		class = ClassTimeout
	case statusCode >= 400 && statusCode < 500:
		class = ClassClient
	}
	return &Error{Backend: backend, Class: class, StatusCode: statusCode, Err: err}
}

// StreamEvent is one item of a streamed completion.
type StreamEvent struct {
	Chunk *types.Chunk
	Err   error
}

// Stream is a cancellable, lazily produced sequence of chunks. The consumer
// pulls with Next; backpressure comes from the unconsumed channel. Closing
// the stream cancels the underlying adapter call.
type Stream struct {
	events <-chan StreamEvent
	cancel context.CancelFunc
}

// NewStream wraps a producer channel and the cancel func for the
// underlying call.
func NewStream(events <-chan StreamEvent, cancel context.CancelFunc) *Stream {
	return &Stream{events: events, cancel: cancel}
}

// Next returns the next chunk. It returns io.EOF when the stream is
// exhausted and the ctx error if the consumer is cancelled while waiting.
func (s *Stream) Next(ctx context.Context) (*types.Chunk, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return nil, io.EOF
		}
		if ev.Err != nil {
			return nil, ev.Err
		}
		return ev.Chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the underlying adapter call. Safe to call more than once.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Package orchestrator walks capability-filtered fallback chains, gating
// each candidate on its breaker and rate budget, and fronts the chain with
// the multi-tier cache.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	"github.com/meridian-ai/llm-orchestrator/internal/breaker"
	"github.com/meridian-ai/llm-orchestrator/internal/cache"
	"github.com/meridian-ai/llm-orchestrator/internal/events"
	"github.com/meridian-ai/llm-orchestrator/internal/ratelimit"
	"github.com/meridian-ai/llm-orchestrator/internal/registry"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

const defaultInvokeTimeout = 30 * time.Second

// Params collects the executor's collaborators.
type Params struct {
	Registry      *registry.Registry
	Adapters      map[string]adapters.Adapter
	Breakers      *breaker.Group
	Limiter       ratelimit.Limiter
	Cache         *cache.Manager
	Events        events.Emitter
	Logger        *logrus.Logger
	InvokeTimeout time.Duration
}

// Executor runs requests through the fallback chain.
type Executor struct {
	registry      *registry.Registry
	adapters      map[string]adapters.Adapter
	breakers      *breaker.Group
	limiter       ratelimit.Limiter
	cache         *cache.Manager
	events        events.Emitter
	logger        *logrus.Logger
	invokeTimeout time.Duration
}

// New creates an executor. Cache and Limiter are optional; Events defaults
// to a no-op emitter.
func New(p Params) *Executor {
	if p.Events == nil {
		p.Events = events.NopEmitter{}
	}
	if p.InvokeTimeout <= 0 {
		p.InvokeTimeout = defaultInvokeTimeout
	}
	return &Executor{
		registry:      p.Registry,
		adapters:      p.Adapters,
		breakers:      p.Breakers,
		limiter:       p.Limiter,
		cache:         p.Cache,
		events:        p.Events,
		logger:        p.Logger,
		invokeTimeout: p.InvokeTimeout,
	}
}

// Execute serves a completion request, from cache when possible, otherwise
// by walking the fallback chain. Identical concurrent misses share one
// upstream call.
func (e *Executor) Execute(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if e.cache == nil {
		chain, err := e.selectChain(req)
		if err != nil {
			return nil, err
		}
		resp, err := e.runChain(ctx, req, chain)
		if err != nil {
			return nil, err
		}
		e.emitServed(req, resp)
		return resp, nil
	}

	// The chain is built only on a miss: a cached answer stays servable
	// even while the catalog momentarily has no eligible model.
	key := CacheKey(req)
	result, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, error) {
		chain, err := e.selectChain(req)
		if err != nil {
			return nil, err
		}
		resp, err := e.runChain(ctx, req, chain)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return nil, err
	}

	var resp types.CompletionResponse
	if err := json.Unmarshal(result.Value, &resp); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	if result.Hit {
		resp.FromCache = true
		resp.CacheTier = result.Tier
	}

	e.emitServed(req, &resp)
	return &resp, nil
}

// ExecuteStream serves a streaming request. Streamed responses bypass the
// cache; candidates whose backend cannot stream are skipped.
func (e *Executor) ExecuteStream(ctx context.Context, req *types.CompletionRequest) (*adapters.Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	chain, err := e.selectChain(req)
	if err != nil {
		return nil, err
	}

	var causes []Cause
	for _, candidate := range chain {
		adapter, skip := e.admit(candidate)
		if skip != nil {
			causes = append(causes, *skip)
			e.emitFallback(req, *skip)
			continue
		}

		streamer, ok := adapter.(adapters.StreamingAdapter)
		if !ok {
			cause := Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonStreamingUnsupported}
			causes = append(causes, cause)
			e.emitFallback(req, cause)
			continue
		}

		stream, err := streamer.InvokeStream(ctx, requestFor(req, candidate))
		if err == nil {
			// The backend accepted the stream; connection-level health is
			// what the breaker tracks.
			e.breakers.For(candidate.BackendID).RecordSuccess()
			return stream, nil
		}

		failCause, terminal := e.recordFailure(ctx, candidate, chainTail(chain, candidate), err)
		if terminal {
			return nil, err
		}
		causes = append(causes, failCause)
		e.emitFallback(req, failCause)
	}

	return nil, &ExhaustedError{Causes: causes}
}

// runChain walks the chain in order until a candidate produces a response.
func (e *Executor) runChain(ctx context.Context, req *types.CompletionRequest, chain []registry.ModelDescriptor) (*types.CompletionResponse, error) {
	var causes []Cause
	for _, candidate := range chain {
		adapter, skip := e.admit(candidate)
		if skip != nil {
			causes = append(causes, *skip)
			e.emitFallback(req, *skip)
			continue
		}

		invokeCtx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
		resp, err := adapter.Invoke(invokeCtx, requestFor(req, candidate))
		cancel()

		if err == nil {
			e.breakers.For(candidate.BackendID).RecordSuccess()
			resp.ProviderUsed = candidate.ID
			if resp.Model == "" {
				resp.Model = candidate.ID
			}
			return resp, nil
		}

		failCause, terminal := e.recordFailure(ctx, candidate, chainTail(chain, candidate), err)
		if terminal {
			return nil, err
		}
		causes = append(causes, failCause)
		e.emitFallback(req, failCause)
	}

	return nil, &ExhaustedError{Causes: causes}
}

// admit applies the rate limit and breaker gates for a candidate. The rate
// check runs first so a denied request never consumes the half-open probe
// slot. Returns the adapter on admission, or the skip cause.
func (e *Executor) admit(candidate registry.ModelDescriptor) (adapters.Adapter, *Cause) {
	adapter, ok := e.adapters[candidate.BackendID]
	if !ok {
		return nil, &Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonNoAdapter}
	}

	if e.limiter != nil && !e.limiter.TryAcquire("backend:"+candidate.BackendID, 1) {
		return nil, &Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonRateLimited}
	}

	if !e.breakers.For(candidate.BackendID).Admit() {
		return nil, &Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonBreakerOpen}
	}

	return adapter, nil
}

// recordFailure settles the breaker for a failed invoke and decides whether
// the chain walk continues. A client error resolves the probe (the backend
// answered) and terminates the chain unless a later candidate has a
// different capability set, where retrying could change the verdict.
func (e *Executor) recordFailure(ctx context.Context, candidate registry.ModelDescriptor, rest []registry.ModelDescriptor, err error) (Cause, bool) {
	br := e.breakers.For(candidate.BackendID)

	// Caller abandonment is neither success nor failure for the backend.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		br.RecordCancellation()
		return Cause{}, true
	}

	var aerr *adapters.Error
	if !errors.As(err, &aerr) {
		br.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonTimeout, Err: err}, false
		}
		return Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonServerError, Err: err}, false
	}

	switch aerr.Class {
	case adapters.ClassClient:
		br.RecordSuccess()
		for _, later := range rest {
			if later.CapabilityKey() != candidate.CapabilityKey() {
				return Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonClientError, Err: err}, false
			}
		}
		return Cause{}, true
	case adapters.ClassTimeout:
		br.RecordFailure()
		return Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonTimeout, Err: err}, false
	default:
		br.RecordFailure()
		return Cause{Backend: candidate.BackendID, Model: candidate.ID, Reason: ReasonServerError, Err: err}, false
	}
}

// selectChain builds the fallback chain for the request. A requested model
// that is present in the chain moves to the front; the rest of the order is
// preserved.
func (e *Executor) selectChain(req *types.CompletionRequest) ([]registry.ModelDescriptor, error) {
	chain, err := e.registry.SelectChain(registry.Requirements{
		Capability:       req.RequiredCapability(),
		MaxCost:          req.MaxCost,
		PreferredBackend: req.PreferredBackend,
	})
	if err != nil {
		return nil, err
	}

	if req.Model != "" {
		for i, desc := range chain {
			if desc.ID == req.Model && i > 0 {
				reordered := make([]registry.ModelDescriptor, 0, len(chain))
				reordered = append(reordered, desc)
				reordered = append(reordered, chain[:i]...)
				reordered = append(reordered, chain[i+1:]...)
				return reordered, nil
			}
		}
	}
	return chain, nil
}

func (e *Executor) emitFallback(req *types.CompletionRequest, cause Cause) {
	e.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"backend":    cause.Backend,
		"model":      cause.Model,
		"reason":     cause.Reason,
	}).Info("Fallback candidate skipped")

	e.events.Emit(events.FallbackTriggered, map[string]interface{}{
		"request_id": req.ID,
		"backend":    cause.Backend,
		"model":      cause.Model,
		"reason":     cause.Reason,
	})
}

func (e *Executor) emitServed(req *types.CompletionRequest, resp *types.CompletionResponse) {
	e.events.Emit(events.RequestServed, map[string]interface{}{
		"request_id": req.ID,
		"model":      resp.Model,
		"provider":   resp.ProviderUsed,
		"from_cache": resp.FromCache,
		"cache_tier": resp.CacheTier,
	})
}

func validate(req *types.CompletionRequest) error {
	if req == nil {
		return &ValidationError{Message: "request is nil"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Message: "messages must not be empty"}
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return &ValidationError{Message: fmt.Sprintf("message %d has no role", i)}
		}
	}
	return nil
}

// requestFor rewrites the request to target the candidate model.
func requestFor(req *types.CompletionRequest, candidate registry.ModelDescriptor) *types.CompletionRequest {
	out := *req
	out.Model = candidate.ID
	return &out
}

// chainTail returns the candidates after the given one.
func chainTail(chain []registry.ModelDescriptor, candidate registry.ModelDescriptor) []registry.ModelDescriptor {
	for i, desc := range chain {
		if desc.ID == candidate.ID {
			return chain[i+1:]
		}
	}
	return nil
}

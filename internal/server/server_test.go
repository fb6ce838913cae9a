package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	"github.com/meridian-ai/llm-orchestrator/internal/breaker"
	"github.com/meridian-ai/llm-orchestrator/internal/cache"
	"github.com/meridian-ai/llm-orchestrator/internal/orchestrator"
	"github.com/meridian-ai/llm-orchestrator/internal/registry"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

type stubAdapter struct {
	name    string
	healthy bool
	err     error
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Invoke(_ context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &types.CompletionResponse{
		ID:     "resp-1",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []types.Choice{{
			Message:      types.Message{Role: "assistant", Content: "pong"},
			FinishReason: "stop",
		}},
	}, nil
}

func (a *stubAdapter) HealthProbe(context.Context) bool { return a.healthy }

type callerLimiter struct {
	denied map[string]bool
}

func (l *callerLimiter) TryAcquire(scope string, cost float64) bool {
	return !l.denied[scope]
}

func newTestServer(t *testing.T, limiter *callerLimiter) (*Server, *breaker.Group) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	reg := registry.New(logger)
	require.NoError(t, reg.Register(registry.ModelDescriptor{
		ID:           "gpt-4o",
		BackendID:    "openai",
		Capabilities: []types.Capability{types.CapabilityChat},
		Priority:     10,
	}))

	backends := map[string]adapters.Adapter{
		"openai": &stubAdapter{name: "openai", healthy: true},
	}
	breakers := breaker.NewGroup(breaker.Config{FailureThreshold: 2, OpenTimeout: time.Minute}, logger, nil)
	mgr := cache.NewManager([]cache.TierConfig{
		{Tier: cache.NewMemoryTier("l1", 64), TTL: time.Minute},
	}, logger, nil)

	exec := orchestrator.New(orchestrator.Params{
		Registry: reg,
		Adapters: backends,
		Breakers: breakers,
		Cache:    mgr,
		Logger:   logger,
	})

	cfg := &Config{Port: "0", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	var s *Server
	if limiter != nil {
		s = New(exec, reg, backends, breakers, limiter, cfg, logger)
	} else {
		s = New(exec, reg, backends, breakers, nil, cfg, logger)
	}
	return s, breakers
}

func postCompletion(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_ChatCompletion(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	rec := postCompletion(t, handler, `{"messages":[{"role":"user","content":"ping"}]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "gpt-4o", resp.ProviderUsed)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
}

func TestServer_InvalidJSON(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postCompletion(t, s.Handler(), `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_EmptyMessagesRejected(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postCompletion(t, s.Handler(), `{"messages":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_request_error", errResp.Error.Type)
}

func TestServer_UnknownCapabilityIs404(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := postCompletion(t, s.Handler(),
		`{"messages":[{"role":"user","content":"x"}],"capability":"embedding"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ExhaustedChainIs503(t *testing.T) {
	s, breakers := newTestServer(t, nil)

	b := breakers.For("openai")
	b.RecordFailure()
	b.RecordFailure()

	rec := postCompletion(t, s.Handler(), `{"messages":[{"role":"user","content":"ping"}]}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Error.Message, "breaker_open")
}

func TestServer_CallerRateLimit(t *testing.T) {
	limiter := &callerLimiter{denied: map[string]bool{"caller:tenant-a": true}}
	s, _ := newTestServer(t, limiter)
	handler := s.Handler()

	rec := postCompletion(t, handler, `{"messages":[{"role":"user","content":"ping"}]}`,
		map[string]string{"X-Caller-ID": "tenant-a"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other callers are unaffected; backend scopes are separate.
	rec = postCompletion(t, handler, `{"messages":[{"role":"user","content":"ping"}]}`,
		map[string]string{"X-Caller-ID": "tenant-b"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ListModels(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Object string                   `json:"object"`
		Data   []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "gpt-4o", body.Data[0]["id"])
}

func TestServer_GetModel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/models/gpt-4o", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/models/unknown", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthCheck(t *testing.T) {
	s, breakers := newTestServer(t, nil)
	handler := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	// An open breaker degrades the report.
	b := breakers.For("openai")
	b.RecordFailure()
	b.RecordFailure()

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_WrongContentType(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString("x"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

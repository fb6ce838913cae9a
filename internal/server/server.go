// Package server exposes the orchestrator over an OpenAI-compatible HTTP
// surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	"github.com/meridian-ai/llm-orchestrator/internal/breaker"
	"github.com/meridian-ai/llm-orchestrator/internal/orchestrator"
	"github.com/meridian-ai/llm-orchestrator/internal/ratelimit"
	"github.com/meridian-ai/llm-orchestrator/internal/registry"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// Config holds server configuration.
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// Server represents the HTTP server.
type Server struct {
	executor   *orchestrator.Executor
	registry   *registry.Registry
	backends   map[string]adapters.Adapter
	breakers   *breaker.Group
	limiter    ratelimit.Limiter
	httpServer *http.Server
	logger     *logrus.Logger
	config     *Config
}

// New creates a new server instance.
func New(executor *orchestrator.Executor, reg *registry.Registry, backends map[string]adapters.Adapter, breakers *breaker.Group, limiter ratelimit.Limiter, config *Config, logger *logrus.Logger) *Server {
	return &Server{
		executor: executor,
		registry: reg,
		backends: backends,
		breakers: breakers,
		limiter:  limiter,
		logger:   logger,
		config:   config,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting orchestrator server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping orchestrator server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the configured router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.contentTypeMiddleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/models", s.handleListModels).Methods("GET")
	api.HandleFunc("/models/{id}", s.handleGetModel).Methods("GET")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "invalid_request_error", "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleChatCompletion serves OpenAI-compatible chat completion requests.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.ID == "" {
		req.ID = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	req.Timestamp = time.Now()
	if req.CallerID == "" {
		req.CallerID = r.Header.Get("X-Caller-ID")
	}

	if !s.admitCaller(&req) {
		s.writeErrorResponse(w, http.StatusTooManyRequests, "rate_limit_error", "Caller rate limit exceeded")
		return
	}

	if req.Stream {
		s.handleStreamingCompletion(w, r, &req)
		return
	}

	resp, err := s.executor.Execute(r.Context(), &req)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// handleStreamingCompletion relays the backend stream as SSE.
func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, req *types.CompletionRequest) {
	stream, err := s.executor.ExecuteStream(r.Context(), req)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorResponse(w, http.StatusInternalServerError, "api_error", "Streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Next(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Headers already sent; the best we can do is log and stop.
			s.logger.WithError(err).Warn("Stream aborted")
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// handleListModels lists the registered model catalog.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.List()

	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{
			"id":             m.ID,
			"object":         "model",
			"owned_by":       m.BackendID,
			"capabilities":   m.Capabilities,
			"cost_per_token": m.CostPerToken,
			"priority":       m.Priority,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// handleGetModel returns one model descriptor.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	m, ok := s.registry.Get(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("Model %s not found", id))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":             m.ID,
		"object":         "model",
		"owned_by":       m.BackendID,
		"capabilities":   m.Capabilities,
		"cost_per_token": m.CostPerToken,
		"priority":       m.Priority,
	})
}

// handleHealthCheck reports breaker states and adapter probes. Probes run
// with a short deadline so a hung backend cannot hang the health endpoint.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	states := s.breakers.States()

	backends := make(map[string]interface{}, len(s.backends))
	overallHealthy := true
	for name, adapter := range s.backends {
		probe := adapter.HealthProbe(ctx)
		state, ok := states[name]
		if !ok {
			state = breaker.StateClosed
		}

		healthy := probe && state != breaker.StateOpen
		if !healthy {
			overallHealthy = false
		}
		backends[name] = map[string]interface{}{
			"healthy":       healthy,
			"probe":         probe,
			"breaker_state": state.String(),
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"backends":  backends,
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

// admitCaller applies the per-caller rate budget. Anonymous callers share
// one scope.
func (s *Server) admitCaller(req *types.CompletionRequest) bool {
	if s.limiter == nil {
		return true
	}
	caller := req.CallerID
	if caller == "" {
		caller = "anonymous"
	}
	return s.limiter.TryAcquire("caller:"+caller, 1)
}

// writeExecutionError maps orchestrator failures onto HTTP statuses.
func (s *Server) writeExecutionError(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	if errors.As(err, &verr) {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_error", verr.Error())
		return
	}

	var notFound *registry.NoEligibleModelError
	if errors.As(err, &notFound) {
		s.writeErrorResponse(w, http.StatusNotFound, "invalid_request_error", notFound.Error())
		return
	}

	var aerr *adapters.Error
	if errors.As(err, &aerr) && aerr.Class == adapters.ClassClient {
		status := aerr.StatusCode
		if status < 400 || status >= 500 {
			status = http.StatusBadRequest
		}
		s.writeErrorResponse(w, status, "invalid_request_error", aerr.Error())
		return
	}

	var exhausted *orchestrator.ExhaustedError
	if errors.As(err, &exhausted) {
		s.logger.WithError(err).Warn("All providers exhausted")
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "service_unavailable", exhausted.Error())
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.writeErrorResponse(w, http.StatusGatewayTimeout, "timeout_error", "Request timed out")
		return
	}

	s.logger.WithError(err).Error("Completion failed")
	s.writeErrorResponse(w, http.StatusInternalServerError, "api_error", err.Error())
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    fmt.Sprintf("%d", statusCode),
		},
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

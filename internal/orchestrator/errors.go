package orchestrator

import (
	"fmt"
	"strings"
)

// Skip reasons recorded when a fallback candidate cannot serve a request.
const (
	ReasonBreakerOpen          = "breaker_open"
	ReasonRateLimited          = "rate_limited"
	ReasonTimeout              = "timeout"
	ReasonServerError          = "server_error"
	ReasonClientError          = "client_error"
	ReasonNoAdapter            = "no_adapter"
	ReasonStreamingUnsupported = "streaming_unsupported"
)

// ValidationError marks a request that is malformed before any backend is
// consulted. The transport maps it to a 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// Cause records why one candidate in the chain did not produce a response.
type Cause struct {
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Reason  string `json:"reason"`
	Err     error  `json:"-"`
}

func (c Cause) String() string {
	return fmt.Sprintf("%s/%s: %s", c.Backend, c.Model, c.Reason)
}

// ExhaustedError is returned when every candidate in the fallback chain was
// skipped or failed. Causes preserve chain order.
type ExhaustedError struct {
	Causes []Cause
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		parts[i] = c.String()
	}
	return fmt.Sprintf("all providers exhausted: [%s]", strings.Join(parts, "; "))
}

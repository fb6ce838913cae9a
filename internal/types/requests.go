package types

import (
	"time"
)

// Capability identifies a class of work a model can serve.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbedding  Capability = "embedding"
	CapabilityVision     Capability = "vision"
	CapabilityTools      Capability = "tools"
)

// CompletionRequest is the normalized inference request consumed from the
// transport layer. Requests are assumed authenticated and validated before
// they reach the orchestration core.
type CompletionRequest struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float32  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream"`

	// Routing hints
	Capability       Capability `json:"capability,omitempty"`
	MaxCost          *float64   `json:"max_cost,omitempty"`
	PreferredBackend string     `json:"preferred_backend,omitempty"`

	// Caller identity feeds rate limiting only; it is never part of the
	// cache key (responses are shared across callers).
	CallerID string `json:"caller_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// RequiredCapability returns the requested capability, defaulting to chat.
func (r *CompletionRequest) RequiredCapability() Capability {
	if r.Capability == "" {
		return CapabilityChat
	}
	return r.Capability
}

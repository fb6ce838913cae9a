package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// keyPayload is the canonical request shape that feeds the cache key. Caller
// identity, request id, timestamps and routing hints are deliberately
// excluded: two callers asking the same question share one cached answer.
type keyPayload struct {
	Model       string           `json:"model"`
	Messages    []types.Message  `json:"messages"`
	Temperature *float32         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float32         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
	Capability  types.Capability `json:"capability,omitempty"`
}

// CacheKey derives the deterministic cache key for a request.
func CacheKey(req *types.CompletionRequest) string {
	payload := keyPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Capability:  req.RequiredCapability(),
	}

	// Struct field order fixes the JSON key order, so encoding is stable.
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

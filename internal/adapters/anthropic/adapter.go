// Package anthropic adapts the Anthropic Messages API to the orchestrator's
// backend contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

const defaultMaxTokens = 1024

// Config holds Anthropic-specific configuration.
type Config struct {
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	ProbeModel string        `yaml:"probe_model"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Adapter implements adapters.Adapter against Anthropic. Streaming is not
// supported; streamed requests fall through to the next candidate.
type Adapter struct {
	name       string
	client     *anthropic.Client
	probeModel string
	logger     *logrus.Logger
}

// New creates an Anthropic adapter registered under name.
func New(name string, config *Config, logger *logrus.Logger) *Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	probeModel := config.ProbeModel
	if probeModel == "" {
		probeModel = "claude-3-haiku-20240307"
	}

	return &Adapter{
		name:       name,
		client:     &client,
		probeModel: probeModel,
		logger:     logger,
	}
}

func (a *Adapter) Name() string {
	return a.name
}

// Invoke performs a messages request.
func (a *Adapter) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	params, err := a.convertRequest(req)
	if err != nil {
		return nil, adapters.NewError(a.name, 400, err)
	}

	resp, err := a.client.Messages.New(ctx, *params)
	if err != nil {
		a.logger.WithError(err).WithField("backend", a.name).Warn("Anthropic API call failed")
		return nil, a.classify(err)
	}
	return a.convertResponse(resp), nil
}

// HealthProbe sends a one-token message to the cheapest configured model.
func (a *Adapter) HealthProbe(ctx context.Context) bool {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(a.probeModel),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		a.logger.WithError(err).WithField("backend", a.name).Debug("Anthropic health probe failed")
		return false
	}
	return true
}

func (a *Adapter) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return adapters.NewError(a.name, apiErr.StatusCode, err)
	}
	return adapters.NewError(a.name, 0, fmt.Errorf("anthropic call: %w", err))
}

// convertRequest maps the normalized request onto MessageNewParams. System
// turns move to the dedicated system field.
func (a *Adapter) convertRequest(req *types.CompletionRequest) (*anthropic.MessageNewParams, error) {
	var system string
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = msg.Content
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	params := &anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(float64(*req.TopP))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = append([]string(nil), req.Stop...)
	}
	return params, nil
}

func (a *Adapter) convertResponse(resp *anthropic.Message) *types.CompletionResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var usage *types.Usage
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}

	return &types.CompletionResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(resp.Model),
		Choices: []types.Choice{{
			Index: 0,
			Message: types.Message{
				Role:    "assistant",
				Content: text.String(),
			},
			FinishReason: string(resp.StopReason),
		}},
		Usage: usage,
	}
}

var _ adapters.Adapter = (*Adapter)(nil)

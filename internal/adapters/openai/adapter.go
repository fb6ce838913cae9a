// Package openai adapts the OpenAI chat completions API to the
// orchestrator's backend contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// Config holds OpenAI-specific configuration.
type Config struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// Adapter implements adapters.StreamingAdapter against OpenAI.
type Adapter struct {
	name   string
	client *openai.Client
	logger *logrus.Logger
}

// New creates an OpenAI adapter registered under name.
func New(name string, config *Config, logger *logrus.Logger) *Adapter {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}

	return &Adapter{
		name:   name,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}
}

func (a *Adapter) Name() string {
	return a.name
}

// Invoke performs a chat completion request.
func (a *Adapter) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.convertRequest(req, false))
	if err != nil {
		a.logger.WithError(err).WithField("backend", a.name).Warn("OpenAI API call failed")
		return nil, a.classify(err)
	}
	return a.convertResponse(&resp), nil
}

// InvokeStream performs a streaming chat completion request.
func (a *Adapter) InvokeStream(ctx context.Context, req *types.CompletionRequest) (*adapters.Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	stream, err := a.client.CreateChatCompletionStream(streamCtx, a.convertRequest(req, true))
	if err != nil {
		cancel()
		a.logger.WithError(err).WithField("backend", a.name).Warn("OpenAI streaming call failed")
		return nil, a.classify(err)
	}

	events := make(chan adapters.StreamEvent, 16)
	go func() {
		defer close(events)
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case events <- adapters.StreamEvent{Err: a.classify(err)}:
				case <-streamCtx.Done():
				}
				return
			}
			select {
			case events <- adapters.StreamEvent{Chunk: a.convertChunk(&chunk)}:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return adapters.NewStream(events, cancel), nil
}

// HealthProbe reports whether the models endpoint answers.
func (a *Adapter) HealthProbe(ctx context.Context) bool {
	if _, err := a.client.ListModels(ctx); err != nil {
		a.logger.WithError(err).WithField("backend", a.name).Debug("OpenAI health probe failed")
		return false
	}
	return true
}

// classify maps SDK errors onto the orchestrator's failure taxonomy.
func (a *Adapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return adapters.NewError(a.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return adapters.NewError(a.name, reqErr.HTTPStatusCode, err)
	}
	return adapters.NewError(a.name, 0, fmt.Errorf("openai call: %w", err))
}

func (a *Adapter) convertRequest(req *types.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stop:     req.Stop,
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	return out
}

func (a *Adapter) convertResponse(resp *openai.ChatCompletionResponse) *types.CompletionResponse {
	choices := make([]types.Choice, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		choices = append(choices, types.Choice{
			Index: choice.Index,
			Message: types.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
			FinishReason: string(choice.FinishReason),
		})
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &types.CompletionResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   usage,
	}
}

func (a *Adapter) convertChunk(chunk *openai.ChatCompletionStreamResponse) *types.Chunk {
	out := &types.Chunk{
		ID:      chunk.ID,
		Object:  chunk.Object,
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		out.Delta = types.Message{
			Role:    choice.Delta.Role,
			Content: choice.Delta.Content,
		}
		out.FinishReason = string(choice.FinishReason)
	}
	return out
}

var _ adapters.StreamingAdapter = (*Adapter)(nil)

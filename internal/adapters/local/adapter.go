// Package local adapts a self-hosted OpenAI-compatible inference server
// (llama.cpp server, vLLM and the like) to the orchestrator's backend
// contract.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// Config holds local backend configuration. APIKey is optional; most local
// servers ignore it.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Adapter implements adapters.StreamingAdapter against a local
// OpenAI-compatible endpoint.
type Adapter struct {
	name    string
	baseURL string
	client  *openai.Client
	httpc   *http.Client
	logger  *logrus.Logger
}

// New creates a local adapter registered under name.
func New(name string, config *Config, logger *logrus.Logger) (*Adapter, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("local backend %s: base_url is required", name)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/") + "/v1"

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Adapter{
		name:    name,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		client:  openai.NewClientWithConfig(clientConfig),
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

// Invoke performs a chat completion request against the local server.
func (a *Adapter) Invoke(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.convertRequest(req, false))
	if err != nil {
		a.logger.WithError(err).WithField("backend", a.name).Warn("Local backend call failed")
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
		a.logger.WithError(err).WithField("backend", a.name).Warn("Local backend streaming call failed")
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

			out := &types.Chunk{
				ID:      chunk.ID,
				Object:  chunk.Object,
				Created: chunk.Created,
				Model:   chunk.Model,
			}
			if len(chunk.Choices) > 0 {
				out.Delta = types.Message{
					Role:    chunk.Choices[0].Delta.Role,
					Content: chunk.Choices[0].Delta.Content,
				}
				out.FinishReason = string(chunk.Choices[0].FinishReason)
			}

			select {
			case events <- adapters.StreamEvent{Chunk: out}:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return adapters.NewStream(events, cancel), nil
}

// HealthProbe hits the server's /health endpoint. llama.cpp and vLLM both
// expose it outside the /v1 prefix, which the OpenAI client cannot reach.
func (a *Adapter) HealthProbe(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpc.Do(httpReq)
	if err != nil {
		a.logger.WithError(err).WithField("backend", a.name).Debug("Local health probe failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (a *Adapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return adapters.NewError(a.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return adapters.NewError(a.name, reqErr.HTTPStatusCode, err)
	}
	return adapters.NewError(a.name, 0, fmt.Errorf("local backend call: %w", err))
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

var _ adapters.StreamingAdapter = (*Adapter)(nil)

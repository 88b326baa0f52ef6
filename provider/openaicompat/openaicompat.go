// Package openaicompat is a Gateway for OpenAI-compatible chat completion
// endpoints (MiniMax, OpenAI, Together, Ollama and others).
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ineyio/offload"
)

// Gateway calls an OpenAI-compatible /chat/completions endpoint.
type Gateway struct {
	name   string
	model  string
	client *openai.Client
}

var _ offload.Gateway = (*Gateway)(nil)

// Option configures the gateway.
type Option func(*settings)

type settings struct {
	name       string
	httpClient *http.Client
}

// WithName sets the provider name reported in errors and metrics.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// New creates a gateway. A missing API key is a configuration error reported
// as offload.ErrNotInitialized so callers can run without network access.
func New(baseURL, apiKey, model string, opts ...Option) (*Gateway, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", offload.ErrNotInitialized)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: model is required", offload.ErrNotInitialized)
	}

	s := settings{name: "minimax"}
	for _, opt := range opts {
		opt(&s)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if s.httpClient != nil {
		clientCfg.HTTPClient = s.httpClient
	}

	return &Gateway{
		name:   s.name,
		model:  model,
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

// FromConfig creates a gateway from the module configuration.
func FromConfig(cfg offload.GatewayConfig, opts ...Option) (*Gateway, error) {
	return New(cfg.BaseURL, cfg.APIKey, cfg.Model, append([]Option{WithName(cfg.Provider)}, opts...)...)
}

func (g *Gateway) Name() string  { return g.name }
func (g *Gateway) Model() string { return g.model }

// Complete performs one chat completion.
func (g *Gateway) Complete(ctx context.Context, req offload.GatewayRequest) (offload.GatewayResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return offload.GatewayResponse{}, g.mapError(err)
	}

	if len(resp.Choices) == 0 {
		return offload.GatewayResponse{}, &offload.GatewayError{
			Err:      offload.ErrEmptyResponse,
			Provider: g.name,
			Model:    g.model,
			Detail:   "no choices",
		}
	}

	return offload.GatewayResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Model:        resp.Model,
		Usage: offload.Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}

// mapError converts go-openai errors into offload sentinels.
func (g *Gateway) mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &offload.GatewayError{Err: err, Provider: g.name, Model: g.model}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &offload.GatewayError{
			Err:      sentinelForStatus(apiErr.HTTPStatusCode),
			Provider: g.name,
			Model:    g.model,
			Status:   apiErr.HTTPStatusCode,
			Detail:   apiErr.Message,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = truncate(string(reqErr.Body), 1024)
		}
		if detail == "" && reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return &offload.GatewayError{
			Err:      sentinelForStatus(reqErr.HTTPStatusCode),
			Provider: g.name,
			Model:    g.model,
			Status:   reqErr.HTTPStatusCode,
			Detail:   detail,
		}
	}

	return &offload.GatewayError{
		Err:      offload.ErrProviderUnavailable,
		Provider: g.name,
		Model:    g.model,
		Detail:   err.Error(),
	}
}

func sentinelForStatus(status int) error {
	switch status {
	case http.StatusTooManyRequests:
		return offload.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return offload.ErrAuthFailed
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return offload.ErrInvalidRequest
	default:
		return offload.ErrProviderUnavailable
	}
}

// extractDetail pulls a message out of non-OpenAI error bodies.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail   string `json:"detail"`
		BaseResp struct {
			StatusMsg string `json:"status_msg"`
		} `json:"base_resp"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return ""
	}
	if parsed.Detail != "" {
		return parsed.Detail
	}
	return parsed.BaseResp.StatusMsg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package openaicompat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/offload"
	"github.com/ineyio/offload/provider/openaicompat"
)

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newServer(t *testing.T, status int, body string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete(t *testing.T) {
	var seen chatRequest
	srv := newServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"model": "MiniMax-M2",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
	}`, &seen)

	gw, err := openaicompat.New(srv.URL+"/v1/", "sk-test", "MiniMax-M2")
	require.NoError(t, err)
	assert.Equal(t, "minimax", gw.Name())
	assert.Equal(t, "MiniMax-M2", gw.Model())

	resp, err := gw.Complete(context.Background(), offload.GatewayRequest{
		Prompt:    "2+2?",
		System:    "Answer with a number.",
		MaxTokens: 64,
	})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "4", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, offload.Usage{InputTokens: 12, OutputTokens: 3}, resp.Usage)

	assert.Equal(t, "MiniMax-M2", seen.Model)
	assert.Equal(t, 64, seen.MaxTokens)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "system", seen.Messages[0].Role)
	assert.Equal(t, "Answer with a number.", seen.Messages[0].Content)
	assert.Equal(t, "user", seen.Messages[1].Role)
	assert.Equal(t, "2+2?", seen.Messages[1].Content)
}

func TestComplete_NoSystemMessage(t *testing.T) {
	var seen chatRequest
	srv := newServer(t, http.StatusOK, `{"choices": [{"message": {"role": "assistant", "content": "hi"}}]}`, &seen)

	gw, err := openaicompat.New(srv.URL+"/v1", "sk-test", "MiniMax-M2")
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), offload.GatewayRequest{Prompt: "hello"})
	require.NoError(t, err)
	require.Len(t, seen.Messages, 1)
	assert.Equal(t, "user", seen.Messages[0].Role)
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		want       error
		wantDetail string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error": {"message": "slow down", "type": "rate_limit"}}`, offload.ErrRateLimited, "slow down"},
		{"unauthorized", http.StatusUnauthorized, `{"error": {"message": "invalid api key"}}`, offload.ErrAuthFailed, "invalid api key"},
		{"bad request", http.StatusBadRequest, `{"detail": "max_tokens too large"}`, offload.ErrInvalidRequest, "max_tokens too large"},
		{"server error", http.StatusInternalServerError, `{"base_resp": {"status_code": 1000, "status_msg": "unknown error"}}`, offload.ErrProviderUnavailable, "unknown error"},
		{"bad gateway", http.StatusBadGateway, `upstream down`, offload.ErrProviderUnavailable, "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.status, tt.body, nil)
			gw, err := openaicompat.New(srv.URL+"/v1", "sk-test", "MiniMax-M2")
			require.NoError(t, err)

			_, err = gw.Complete(context.Background(), offload.GatewayRequest{Prompt: "hello"})
			require.ErrorIs(t, err, tt.want)

			var ge *offload.GatewayError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tt.status, ge.Status)
			assert.Equal(t, "minimax", ge.Provider)
			assert.Contains(t, ge.Detail, tt.wantDetail)
		})
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{"id": "x", "choices": []}`, nil)
	gw, err := openaicompat.New(srv.URL+"/v1", "sk-test", "MiniMax-M2")
	require.NoError(t, err)

	_, err = gw.Complete(context.Background(), offload.GatewayRequest{Prompt: "hello"})
	assert.ErrorIs(t, err, offload.ErrEmptyResponse)
	assert.Equal(t, offload.CodeProviderUnavailable, offload.ErrorCode(err))
}

func TestComplete_ContextCancelled(t *testing.T) {
	srv := newServer(t, http.StatusOK, `{}`, nil)
	gw, err := openaicompat.New(srv.URL+"/v1", "sk-test", "MiniMax-M2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gw.Complete(ctx, offload.GatewayRequest{Prompt: "hello"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresKeyAndModel(t *testing.T) {
	_, err := openaicompat.New("", "", "MiniMax-M2")
	assert.ErrorIs(t, err, offload.ErrNotInitialized)

	_, err = openaicompat.New("", "sk-test", "")
	assert.ErrorIs(t, err, offload.ErrNotInitialized)
}

func TestFromConfig(t *testing.T) {
	cfg := offload.DefaultConfig()
	cfg.Gateway.APIKey = "sk-test"
	cfg.Gateway.Provider = "together"

	gw, err := openaicompat.FromConfig(cfg.Gateway)
	require.NoError(t, err)
	assert.Equal(t, "together", gw.Name())
	assert.Equal(t, offload.DefaultModel, gw.Model())
}

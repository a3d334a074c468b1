package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/pvebatch/internal/ai/aierr"
	"github.com/kiranshivaraju/pvebatch/internal/ai/ollama"
	"github.com/kiranshivaraju/pvebatch/internal/ai/openai"
	"github.com/kiranshivaraju/pvebatch/internal/ai/vllm"
	"github.com/kiranshivaraju/pvebatch/internal/config"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, status int, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if got != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompatible_Complete(t *testing.T) {
	var got chatRequest
	srv := chatServer(t, http.StatusOK, "resource runs nginx", &got)

	p := openai.NewCompatible("test", srv.URL+"/v1", "key", "llama3")
	text, err := p.Complete(context.Background(), models.CompletionRequest{
		System: "sys", Prompt: "analyze vm 100", MaxTokens: 256,
	})

	require.NoError(t, err)
	assert.Equal(t, "resource runs nginx", text)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "analyze vm 100", got.Messages[1].Content)
}

func TestCompatible_EmptyChoice(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "", nil)

	_, err := openai.NewCompatible("test", srv.URL+"/v1", "key", "m").
		Complete(context.Background(), models.CompletionRequest{Prompt: "p"})

	assert.ErrorIs(t, err, aierr.ErrInvalidResponse)
}

func TestCompatible_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, aierr.ErrRateLimited},
		{http.StatusServiceUnavailable, aierr.ErrProviderUnavailable},
		{http.StatusBadRequest, aierr.ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := chatServer(t, tt.status, "", nil)
			_, err := openai.NewCompatible("test", srv.URL+"/v1", "key", "m").
				Complete(context.Background(), models.CompletionRequest{Prompt: "p"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompatible_Unreachable(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "x", nil)
	url := srv.URL
	srv.Close()

	_, err := openai.NewCompatible("test", url+"/v1", "key", "m").
		Complete(context.Background(), models.CompletionRequest{Prompt: "p"})
	assert.ErrorIs(t, err, aierr.ErrProviderUnavailable)
}

func TestOllamaAndVLLM_AppendV1(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "ok", nil)

	text, err := ollama.NewProvider(config.OllamaConfig{BaseURL: srv.URL + "/", Model: "llama3"}).
		Complete(context.Background(), models.CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	text, err = vllm.NewProvider(config.VLLMConfig{BaseURL: srv.URL, Model: "mistral"}).
		Complete(context.Background(), models.CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

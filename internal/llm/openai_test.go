package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	config := openai.DefaultConfig("test-api-key")
	config.BaseURL = ts.URL + "/v1"
	return newOpenAIProviderWithClient(openai.NewClientWithConfig(config))
}

func TestOpenAIComplete_Success(t *testing.T) {
	provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-test123",
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{
				{
					Message: openai.ChatCompletionMessage{
						Role:    "assistant",
						Content: `{"steps":[]}`,
					},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 6},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	resp, err := provider.Complete(context.Background(), &Request{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "plan this"}},
		Temperature: 0.2,
		MaxTokens:   500,
		ForceJSON:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 6, resp.OutputTokens)
	assert.Equal(t, "gpt-4o", resp.Model)
}

func TestOpenAIComplete_APIError(t *testing.T) {
	provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Invalid API key",
				"type":    "invalid_request_error",
			},
		})
	})

	_, err := provider.Complete(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai api call")
}

func TestNormalizeOpenAIBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"scheme+host gets /v1", "https://api.openai.com", "https://api.openai.com/v1"},
		{"scheme+host+port", "http://localhost:8080", "http://localhost:8080/v1"},
		{"already /v1 unchanged", "https://my-proxy.com/v1", "https://my-proxy.com/v1"},
		{"trailing slash", "https://proxy.com/", "https://proxy.com/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeOpenAIBaseURL(tt.baseURL))
		})
	}
}

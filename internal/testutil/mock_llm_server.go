// Package testutil provides shared test doubles, currently a scriptable
// OpenAI-compatible chat completions server.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockLLMServer is an httptest.Server speaking the OpenAI chat completions
// wire format. It can be scripted to fail a number of requests with a given
// status before answering normally, which is how the retry paths are tested.
type MockLLMServer struct {
	*httptest.Server

	mu         sync.Mutex
	content    string
	failStatus int
	failCount  int
	requests   int
}

// NewOpenAICompatibleServer starts a server answering POST
// /v1/chat/completions with content as the assistant message. Caller must
// Close() it or register t.Cleanup(server.Close).
func NewOpenAICompatibleServer(content string) *MockLLMServer {
	if content == "" {
		content = "mock response"
	}
	s := &MockLLMServer{content: content}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailNext makes the next n requests fail with the given HTTP status.
func (s *MockLLMServer) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount = n
	s.failStatus = status
}

// Requests returns the number of completions requests received.
func (s *MockLLMServer) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *MockLLMServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.requests++
	if s.failCount > 0 {
		s.failCount--
		status := s.failStatus
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "scripted failure",
				"type":    "server_error",
			},
		})
		return
	}
	content := s.content
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"model":  "gpt-4o",
		"choices": []map[string]interface{}{
			{
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 20,
			"total_tokens":      30,
		},
	})
}

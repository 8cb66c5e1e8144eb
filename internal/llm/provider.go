// Package llm wraps the remote language model API behind a small Provider
// interface and a bounded retry policy. The orchestrator never talks to the
// vendor SDK directly.
package llm

import (
	"context"
	"errors"
	"time"
)

// TimeoutLLMCall bounds every single completion attempt.
const TimeoutLLMCall = 60 * time.Second

var (
	// ErrOverloaded marks a call abandoned because the provider kept
	// rate-limiting past the retry bound. Callers surface this as a distinct
	// "try again later" failure, never as a generic error.
	ErrOverloaded = errors.New("llm provider overloaded")

	// ErrEmptyResponse marks a completion that returned no choices.
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// Provider is the single seam between the engine and a chat-completion API.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// Complete sends one completion request. One call, one attempt — retry
	// policy lives in CompleteWithRetry, not in implementations.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is a chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// ForceJSON asks the provider for a JSON-object response, used by the
	// planner and the semantic validator which both parse structured output.
	ForceJSON bool
}

// Message is one chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response is a chat completion response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

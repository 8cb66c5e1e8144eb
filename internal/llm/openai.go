package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	relayotel "github.com/relaycrm/relay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/llm")

// OpenAIProvider implements Provider against any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider with the given API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithBaseURL creates a provider pointed at a custom base
// URL (a vendor proxy, or a mock server in tests).
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = NormalizeOpenAIBaseURL(baseURL)
	return &OpenAIProvider{client: openai.NewClientWithConfig(config)}
}

// newOpenAIProviderWithClient injects a pre-configured client. Test hook.
func newOpenAIProviderWithClient(client *openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

// NormalizeOpenAIBaseURL appends /v1 unless the URL already ends in it, so
// config can carry either scheme+host or a full API root without producing
// a double /v1/v1 path.
func NormalizeOpenAIBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends one chat completion attempt.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.complete",
		trace.WithAttributes(
			relayotel.GenAISystem.String("openai"),
			relayotel.GenAIRequestModel.String(req.Model),
			relayotel.GenAIRequestTemperature.Float64(req.Temperature),
			relayotel.GenAIRequestMaxTokens.Int(req.MaxTokens),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.ForceJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai api call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api call: %w", ErrEmptyResponse)
	}

	span.SetAttributes(
		relayotel.GenAIUsageInputTokens.Int(resp.Usage.PromptTokens),
		relayotel.GenAIUsageOutputTokens.Int(resp.Usage.CompletionTokens),
		relayotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)),
	)

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Model:        resp.Model,
	}, nil
}

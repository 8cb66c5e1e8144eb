package otel

import "go.opentelemetry.io/otel/attribute"

// GenAI semantic convention attribute keys used by the LLM client spans.
const (
	GenAISystem               = attribute.Key("gen_ai.system")
	GenAIRequestModel         = attribute.Key("gen_ai.request.model")
	GenAIRequestTemperature   = attribute.Key("gen_ai.request.temperature")
	GenAIRequestMaxTokens     = attribute.Key("gen_ai.request.max_tokens")
	GenAIUsageInputTokens     = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens    = attribute.Key("gen_ai.usage.output_tokens")
	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")
)

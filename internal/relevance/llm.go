package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/llm"
)

// LLMJudgment is the semantic validator's verdict on one action.
type LLMJudgment struct {
	Relevant          bool    `json:"relevant"`
	Confidence        float64 `json:"confidence"`
	Reason            string  `json:"reason"`
	RecommendApproval bool    `json:"recommend_approval"`
}

// llmValidator wraps the validator model behind the retry discipline.
type llmValidator struct {
	provider    llm.Provider
	model       string
	maxAttempts int
}

const validatorDirective = `You validate whether a scheduled CRM action is still
relevant for its contact. Consider the contact's lifecycle stage, whether they
converted, declined, or went quiet, and whether the action would help or harm
the relationship. Respond with a single JSON object:
{"relevant": bool, "confidence": 0.0-1.0, "reason": string, "recommend_approval": bool}
Set recommend_approval when the action is relevant but a human should confirm it.`

// Judge asks the model whether the action is still relevant. Overload and
// other provider failures propagate as errors; the caller decides how an
// undecidable validation resolves.
func (v *llmValidator) Judge(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext) (*LLMJudgment, error) {
	ctx, span := tracer.Start(ctx, "relevance.llm_judge")
	defer span.End()

	resp, err := llm.CompleteWithRetry(ctx, v.provider, &llm.Request{
		Model:       v.model,
		Temperature: 0,
		MaxTokens:   512,
		ForceJSON:   true,
		Messages: []llm.Message{
			{Role: "system", Content: validatorDirective},
			{Role: "user", Content: buildJudgmentPrompt(act, contact)},
		},
	}, v.maxAttempts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	judgment, err := parseJudgment(resp.Content)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("relevance.llm_relevant", judgment.Relevant),
		attribute.Float64("relevance.llm_confidence", judgment.Confidence),
	)
	return judgment, nil
}

func parseJudgment(content string) (*LLMJudgment, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var judgment LLMJudgment
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &judgment); err != nil {
		return nil, fmt.Errorf("decoding relevance judgment: %w", err)
	}
	if judgment.Confidence < 0 || judgment.Confidence > 1 {
		return nil, errors.New("relevance judgment confidence out of range")
	}
	return &judgment, nil
}

func buildJudgmentPrompt(act *action.ScheduledAction, contact *action.ContactContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled action:\n- type: %s\n- channel: %s\n- risk band: %s\n",
		act.ActionType, act.Channel, act.RiskBand)
	if act.Template != "" {
		fmt.Fprintf(&b, "- template: %s\n", act.Template)
	}
	if contact == nil {
		b.WriteString("\nNo contact context is available.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "\nContact state:\n- lifecycle stage: %s\n- converted: %t\n- declined: %t\n",
		contact.LifecycleStage, contact.Converted, contact.Declined)
	if contact.LastInteraction != nil {
		fmt.Fprintf(&b, "- last interaction: %s\n", contact.LastInteraction.Format("2006-01-02"))
	}
	if contact.Notes != "" {
		fmt.Fprintf(&b, "- notes: %s\n", contact.Notes)
	}
	return b.String()
}

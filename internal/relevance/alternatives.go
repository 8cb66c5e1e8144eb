package relevance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/llm"
)

const alternativesDirective = `A scheduled CRM action was rejected as no longer
relevant. Suggest up to 3 alternative actions that fit the contact's current
state. Respond with a single JSON object:
{"alternatives": [{"action_type": string, "channel": string, "template": string,
"payload": object, "rationale": string}]}`

type alternativesResponse struct {
	Alternatives []struct {
		ActionType string        `json:"action_type"`
		Channel    string        `json:"channel"`
		Template   string        `json:"template"`
		Payload    action.Params `json:"payload"`
		Rationale  string        `json:"rationale"`
	} `json:"alternatives"`
}

// SuggestAlternativeActions proposes replacements for a rejected action.
// A rejection is never empty-handed: when the model cannot produce usable
// suggestions the deterministic fallback (a manual-review task) stands in,
// so the returned slice always has at least one entry.
func (v *Validator) SuggestAlternativeActions(ctx context.Context, rejected *action.ScheduledAction, contact *action.ContactContext, reason string) []action.ScheduledAction {
	ctx, span := tracer.Start(ctx, "relevance.suggest_alternatives")
	defer span.End()

	alternatives := v.suggestWithLLM(ctx, rejected, contact, reason)
	if len(alternatives) == 0 {
		alternatives = []action.ScheduledAction{fallbackAlternative(rejected, reason)}
	}
	return alternatives
}

func (v *Validator) suggestWithLLM(ctx context.Context, rejected *action.ScheduledAction, contact *action.ContactContext, reason string) []action.ScheduledAction {
	if v.judge == nil {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rejected action: %s via %s\nRejection reason: %s\n",
		rejected.ActionType, rejected.Channel, reason)
	if contact != nil {
		fmt.Fprintf(&b, "Contact lifecycle stage: %s, converted: %t, declined: %t\n",
			contact.LifecycleStage, contact.Converted, contact.Declined)
	}

	resp, err := llm.CompleteWithRetry(ctx, v.judge.provider, &llm.Request{
		Model:       v.judge.model,
		Temperature: 0.3,
		MaxTokens:   512,
		ForceJSON:   true,
		Messages: []llm.Message{
			{Role: "system", Content: alternativesDirective},
			{Role: "user", Content: b.String()},
		},
	}, v.judge.maxAttempts)
	if err != nil {
		log.Warn().Err(err).
			Str("tenant_id", rejected.TenantID).
			Msg("alternative_suggestion_failed")
		return nil
	}

	cleaned := strings.TrimSpace(resp.Content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var parsed alternativesResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &parsed); err != nil {
		return nil
	}

	out := make([]action.ScheduledAction, 0, len(parsed.Alternatives))
	for _, alt := range parsed.Alternatives {
		if alt.ActionType == "" {
			continue
		}
		out = append(out, action.ScheduledAction{
			ID:             "act_" + uuid.New().String()[:12],
			TenantID:       rejected.TenantID,
			OrganizationID: rejected.OrganizationID,
			ContactID:      rejected.ContactID,
			ActionType:     alt.ActionType,
			Channel:        firstNonEmpty(alt.Channel, rejected.Channel),
			RiskBand:       rejected.RiskBand,
			Payload:        alt.Payload,
			Template:       alt.Template,
		})
	}
	return out
}

// fallbackAlternative is the guaranteed suggestion: park the decision with a
// human instead of silently dropping the contact.
func fallbackAlternative(rejected *action.ScheduledAction, reason string) action.ScheduledAction {
	return action.ScheduledAction{
		ID:             "act_" + uuid.New().String()[:12],
		TenantID:       rejected.TenantID,
		OrganizationID: rejected.OrganizationID,
		ContactID:      rejected.ContactID,
		ActionType:     "create_task",
		Channel:        "task",
		RiskBand:       action.RiskLow,
		Payload: action.Params{
			"title":  fmt.Sprintf("Review contact: %s was rejected", rejected.ActionType),
			"detail": reason,
		},
		ScheduledFor: time.Now().UTC(),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

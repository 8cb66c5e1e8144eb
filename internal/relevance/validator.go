package relevance

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/llm"
	"github.com/relaycrm/relay/internal/policy"
)

// Stage names recorded in audit entries and results.
const (
	StageRules = "rules"
	StageLLM   = "llm"
	StageError = "error"
)

// Result is the outcome of validating one action.
type Result struct {
	ActionID          string                   `json:"action_id"`
	Relevant          bool                     `json:"relevant"`
	Stage             string                   `json:"stage"`
	Reason            string                   `json:"reason,omitempty"`
	Criterion         string                   `json:"criterion,omitempty"`
	Confidence        float64                  `json:"confidence,omitempty"`
	RecommendApproval bool                     `json:"recommend_approval,omitempty"`
	Overloaded        bool                     `json:"overloaded,omitempty"` // semantic stage rate-limited past the retry bound
	Alternatives      []action.ScheduledAction `json:"alternatives,omitempty"`
	Err               string                   `json:"error,omitempty"` // isolated per-item failure in a batch
}

// BatchItem pairs an action with its contact snapshot for batch validation.
type BatchItem struct {
	Action  *action.ScheduledAction
	Contact *action.ContactContext
}

// Validator runs the two-stage relevance check and records every decision.
type Validator struct {
	criteria *CriteriaEngine
	judge    *llmValidator
	audit    *AuditLog
}

// NewValidator wires the criteria engine and the semantic judge. audit may
// be nil in unit tests; decisions are then not persisted.
func NewValidator(pol *policy.TenantPolicy, provider llm.Provider, validatorModel string, maxAttempts int, audit *AuditLog) (*Validator, error) {
	engine, err := NewCriteriaEngine(pol.Relevance.Criteria)
	if err != nil {
		return nil, fmt.Errorf("building criteria engine: %w", err)
	}
	v := &Validator{criteria: engine, audit: audit}
	if provider != nil {
		v.judge = &llmValidator{provider: provider, model: validatorModel, maxAttempts: maxAttempts}
	}
	return v, nil
}

// Criteria exposes the compiled criteria engine for callers that evaluate
// ad-hoc expressions (replay-plan preconditions).
func (v *Validator) Criteria() *CriteriaEngine {
	return v.criteria
}

// EvaluateRelevanceCriteria runs only the declarative stage.
func (v *Validator) EvaluateRelevanceCriteria(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext) RuleResult {
	return v.criteria.Evaluate(ctx, act, contact)
}

// ValidateWithLLM runs only the semantic stage.
func (v *Validator) ValidateWithLLM(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext) (*LLMJudgment, error) {
	if v.judge == nil {
		return nil, errors.New("no validator model configured")
	}
	return v.judge.Judge(ctx, act, contact)
}

// ValidateActionRelevance is the full two-stage check. Rules decide when
// they can; the model only sees actions the rules could not settle. Every
// rejection carries at least one alternative.
func (v *Validator) ValidateActionRelevance(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext) Result {
	ctx, span := tracer.Start(ctx, "relevance.validate",
		trace.WithAttributes(
			attribute.String("tenant_id", act.TenantID),
			attribute.String("action_type", act.ActionType),
		))
	defer span.End()

	result := v.validate(ctx, act, contact)
	span.SetAttributes(
		attribute.Bool("relevance.relevant", result.Relevant),
		attribute.String("relevance.stage", result.Stage),
	)

	v.record(ctx, act, contact, &result)
	return result
}

func (v *Validator) validate(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext) Result {
	result := Result{ActionID: act.ID}

	rule := v.criteria.Evaluate(ctx, act, contact)
	switch rule.Outcome {
	case RulePass:
		result.Relevant = true
		result.Stage = StageRules
		return result
	case RuleReject:
		result.Stage = StageRules
		result.Reason = rule.Reason
		result.Criterion = rule.Criterion
		result.Alternatives = v.SuggestAlternativeActions(ctx, act, contact, rule.Reason)
		return result
	}

	// Rules were inconclusive; hand the decision to the model.
	if v.judge == nil {
		// No model configured: inconclusive resolves to relevant so a
		// rules-only deployment does not silently drop actions.
		result.Relevant = true
		result.Stage = StageRules
		result.Reason = rule.Reason
		return result
	}

	judgment, err := v.judge.Judge(ctx, act, contact)
	if err != nil {
		// An undecidable validation is not a rejection. Surface the failure;
		// the caller's approval gate still applies.
		result.Stage = StageError
		result.Err = err.Error()
		if errors.Is(err, llm.ErrOverloaded) {
			result.Overloaded = true
			result.Reason = "validation service is overloaded, try again later"
		} else {
			result.Reason = "semantic validation failed"
		}
		return result
	}

	result.Stage = StageLLM
	result.Relevant = judgment.Relevant
	result.Reason = judgment.Reason
	result.Confidence = judgment.Confidence
	result.RecommendApproval = judgment.RecommendApproval
	if !judgment.Relevant {
		result.Alternatives = v.SuggestAlternativeActions(ctx, act, contact, judgment.Reason)
	}
	return result
}

// ValidateBatch validates every item independently. The output is
// order-preserving and always the same length as the input; one item
// failing — even panicking — never poisons its neighbours.
func (v *Validator) ValidateBatch(ctx context.Context, items []BatchItem) []Result {
	ctx, span := tracer.Start(ctx, "relevance.validate_batch",
		trace.WithAttributes(attribute.Int("relevance.batch_size", len(items))))
	defer span.End()

	results := make([]Result, len(items))
	for i, item := range items {
		results[i] = v.validateIsolated(ctx, item)
	}
	return results
}

func (v *Validator) validateIsolated(ctx context.Context, item BatchItem) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("action_id", result.ActionID).
				Msg("validation_panic_recovered")
			result.Relevant = false
			result.Stage = StageError
			result.Err = fmt.Sprintf("validation panicked: %v", r)
		}
	}()

	if item.Action == nil {
		return Result{Stage: StageError, Err: "batch item has no action"}
	}
	result.ActionID = item.Action.ID
	return v.ValidateActionRelevance(ctx, item.Action, item.Contact)
}

// RequiresApproval applies the override-mode dispatch. Precedence: the
// user's request-level override, then the tenant policy default. judgment
// may be nil; LLMDecision then asks the model directly, and any model
// failure fails closed (approval required).
func (v *Validator) RequiresApproval(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext, overrides action.UserOverrides, pol *policy.TenantPolicy, judgment *LLMJudgment) (bool, string) {
	mode := overrides.Mode
	if mode == "" {
		mode = pol.OverrideMode()
	}

	switch mode {
	case action.AlwaysAsk:
		return true, "user requires approval for every action"
	case action.NeverAsk:
		return false, ""
	case action.RiskBased:
		threshold := overrides.RiskThreshold
		if threshold == "" {
			threshold = pol.RiskThreshold()
		}
		if act.RiskBand.Exceeds(threshold) {
			return true, fmt.Sprintf("risk band %s exceeds threshold %s", act.RiskBand, threshold)
		}
		return false, ""
	case action.LLMDecision:
		return v.llmRecommendsApproval(ctx, act, contact, judgment)
	default:
		// ParseOverrideMode never yields anything else; fail closed anyway.
		return true, fmt.Sprintf("unknown override mode %q", mode)
	}
}

// llmRecommendsApproval resolves the LLMDecision mode. Reuses an existing
// judgment when the semantic stage already ran.
func (v *Validator) llmRecommendsApproval(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext, judgment *LLMJudgment) (bool, string) {
	if judgment == nil {
		if v.judge == nil {
			return true, "no validator model configured for llm_decision mode"
		}
		var err error
		judgment, err = v.judge.Judge(ctx, act, contact)
		if err != nil {
			return true, "approval recommendation unavailable"
		}
	}
	if judgment.RecommendApproval {
		reason := judgment.Reason
		if reason == "" {
			reason = "model recommends human review"
		}
		return true, reason
	}
	return false, ""
}

// GetValidationAuditLog exposes the audit trail.
func (v *Validator) GetValidationAuditLog(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditEntry, error) {
	if v.audit == nil {
		return nil, errors.New("no audit log configured")
	}
	return v.audit.Query(ctx, tenantID, filter)
}

func (v *Validator) record(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext, result *Result) {
	if v.audit == nil {
		return
	}
	entry := &AuditEntry{
		TenantID:   act.TenantID,
		ActionID:   act.ID,
		ActionType: act.ActionType,
		Channel:    act.Channel,
		Stage:      result.Stage,
		Relevant:   result.Relevant,
		Reason:     result.Reason,
		Criterion:  result.Criterion,
		Confidence: result.Confidence,
	}
	if contact != nil {
		entry.ContactID = contact.ContactID
	}
	if err := v.audit.Record(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("tenant_id", act.TenantID).
			Str("action_id", act.ID).
			Msg("validation_audit_write_failed")
	}
}

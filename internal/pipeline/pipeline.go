// Package pipeline is the validation gauntlet every candidate action runs
// before execution, regardless of whether it came from a replayed procedure
// or a fresh plan. Order: hard risk policy, then relevance, then the
// approval gate.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/approval"
	relayotel "github.com/relaycrm/relay/internal/otel"
	"github.com/relaycrm/relay/internal/planner"
	"github.com/relaycrm/relay/internal/policy"
	"github.com/relaycrm/relay/internal/procmem"
	"github.com/relaycrm/relay/internal/relevance"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/pipeline")

// Verdict is the pipeline's decision about one candidate action.
// Allowed=false with ApprovalRequired=true means deferred, not rejected:
// the action waits on the referenced approval request.
type Verdict struct {
	Allowed          bool                     `json:"allowed"`
	Reason           string                   `json:"reason,omitempty"`
	Overloaded       bool                     `json:"overloaded,omitempty"` // semantic validation rate-limited past the retry bound
	ApprovalRequired bool                     `json:"approval_required,omitempty"`
	ApprovalID       string                   `json:"approval_id,omitempty"`
	Alternatives     []action.ScheduledAction `json:"alternatives,omitempty"`
}

// Pipeline wires the risk engine, the relevance validator, and the approval
// store into one pass.
type Pipeline struct {
	engine    *policy.Engine
	validator *relevance.Validator
	approvals *approval.Store
	now       func() time.Time
}

// New creates a pipeline. approvals may be nil in tests; the approval gate
// then fails closed by rejecting anything that would need approval.
func New(engine *policy.Engine, validator *relevance.Validator, approvals *approval.Store) *Pipeline {
	return &Pipeline{
		engine:    engine,
		validator: validator,
		approvals: approvals,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ValidateReplay checks a replayed procedure before its steps run. Beyond
// the shared gauntlet it evaluates the procedure's stored preconditions; a
// precondition that fails, or cannot be evaluated, blocks the replay so the
// request falls back to fresh planning.
func (p *Pipeline) ValidateReplay(ctx context.Context, plan *procmem.ReplayPlan, req *action.AgentRequest, contact *action.ContactContext) Verdict {
	ctx, span := tracer.Start(ctx, "pipeline.validate_replay",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("procedure_id", plan.ID),
			attribute.Int("procedure_version", plan.Version),
		))
	defer span.End()

	act := replayAction(plan, req)

	for _, pre := range plan.Preconditions {
		held, err := p.validator.Criteria().EvaluateExpression(ctx, pre, act, contact)
		if err != nil {
			log.Warn().Err(err).
				Str("tenant_id", req.TenantID).
				Str("procedure_id", plan.ID).
				Msg("replay_precondition_unevaluable")
			return Verdict{Reason: "replay precondition could not be evaluated"}
		}
		if !held {
			span.SetAttributes(attribute.String("pipeline.blocked_precondition", pre))
			return Verdict{Reason: "replay precondition no longer holds"}
		}
	}

	return p.validateAction(ctx, act, req, contact)
}

// ValidatePlanned checks a freshly planned action.
func (p *Pipeline) ValidatePlanned(ctx context.Context, planned *planner.PlannedExecution, req *action.AgentRequest, contact *action.ContactContext) Verdict {
	ctx, span := tracer.Start(ctx, "pipeline.validate_planned",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("trace_id", planned.TraceID),
		))
	defer span.End()

	return p.validateAction(ctx, planned.Action, req, contact)
}

func (p *Pipeline) validateAction(ctx context.Context, act *action.ScheduledAction, req *action.AgentRequest, contact *action.ContactContext) Verdict {
	// Stage 1: hard risk policy. Denials here are final and carry the
	// fallback alternative so the caller is never empty-handed.
	decision, err := p.engine.EvaluateAction(ctx, policy.ActionInput{
		ActionType: act.ActionType,
		Channel:    act.Channel,
		RiskBand:   string(act.RiskBand),
		Hour:       p.sendHour(act),
	})
	if err != nil {
		return Verdict{Reason: "risk policy evaluation failed"}
	}
	if !decision.Allowed {
		reason := strings.Join(decision.Reasons, "; ")
		return Verdict{
			Reason:       reason,
			Alternatives: p.validator.SuggestAlternativeActions(ctx, act, contact, reason),
		}
	}

	// Stage 2: relevance (rules first, model only when inconclusive).
	result := p.validator.ValidateActionRelevance(ctx, act, contact)
	if result.Stage == relevance.StageError {
		return Verdict{Reason: result.Reason, Overloaded: result.Overloaded}
	}
	if !result.Relevant {
		return Verdict{Reason: result.Reason, Alternatives: result.Alternatives}
	}

	// Stage 3: approval gate.
	var judgment *relevance.LLMJudgment
	if result.Stage == relevance.StageLLM {
		judgment = &relevance.LLMJudgment{
			Relevant:          result.Relevant,
			Confidence:        result.Confidence,
			Reason:            result.Reason,
			RecommendApproval: result.RecommendApproval,
		}
	}
	required, reason := p.validator.RequiresApproval(ctx, act, contact, req.Overrides, p.engine.Policy(), judgment)
	if !required {
		return Verdict{Allowed: true}
	}

	if p.approvals == nil {
		return Verdict{Reason: "approval required but no approval store is configured"}
	}
	approvalReq, err := p.approvals.CreateApprovalRequest(ctx, req.TenantID, req.UserID, act, reason)
	if err != nil {
		log.Error().Err(err).
			Str("tenant_id", req.TenantID).
			Msg("approval_request_create_failed")
		return Verdict{Reason: "approval required but the request could not be filed"}
	}
	return Verdict{
		ApprovalRequired: true,
		ApprovalID:       approvalReq.ID,
		Reason:           reason,
	}
}

// sendHour is the local hour the action would go out, for quiet-hours
// evaluation. Unscheduled actions send now.
func (p *Pipeline) sendHour(act *action.ScheduledAction) int {
	if !act.ScheduledFor.IsZero() {
		return act.ScheduledFor.Hour()
	}
	return p.now().Hour()
}

// replayAction materializes the candidate action a replayed procedure
// would perform for this request.
func replayAction(plan *procmem.ReplayPlan, req *action.AgentRequest) *action.ScheduledAction {
	payload := req.Params.Clone()
	for k, v := range plan.Params {
		if payload == nil {
			payload = action.Params{}
		}
		if _, set := payload[k]; !set {
			payload[k] = v
		}
	}
	template := ""
	if len(plan.Steps) > 0 {
		template, _ = plan.Steps[0].Args.String("template")
	}
	return &action.ScheduledAction{
		ID:             "act_replay_" + plan.ID,
		TenantID:       req.TenantID,
		OrganizationID: req.OrganizationID,
		ContactID:      req.ContactID,
		ActionType:     plan.ActionType,
		Channel:        plan.Channel,
		RiskBand:       req.RiskBand,
		Payload:        payload,
		Template:       template,
	}
}

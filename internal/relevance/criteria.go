// Package relevance decides whether a scheduled action still makes sense
// for its contact. Validation is two-stage: declarative criteria evaluated
// deterministically first, the model's semantic judgment only when the
// rules cannot decide. Every validation, rejected or not, lands in an
// append-only audit log.
package relevance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaycrm/relay/internal/action"
	relayotel "github.com/relaycrm/relay/internal/otel"
	"github.com/relaycrm/relay/internal/policy"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/relevance")

// RuleOutcome is the verdict of the declarative stage.
type RuleOutcome string

const (
	// RulePass: at least one criterion applied and all applicable criteria held.
	RulePass RuleOutcome = "pass"
	// RuleReject: a criterion failed; the action is irrelevant, no model call.
	RuleReject RuleOutcome = "reject"
	// RuleInconclusive: no criterion applied, or evaluation errored. The
	// semantic stage decides.
	RuleInconclusive RuleOutcome = "inconclusive"
)

// RuleResult is the outcome of EvaluateRelevanceCriteria.
type RuleResult struct {
	Outcome   RuleOutcome
	Criterion string // name of the failing criterion on reject
	Reason    string
}

// CriteriaEngine compiles and evaluates the tenant's CEL relevance criteria.
// Programs are compiled once per expression and cached; evaluation is pure
// over the action/contact snapshot and safe for concurrent use.
type CriteriaEngine struct {
	env      *cel.Env
	criteria []policy.Criterion

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCriteriaEngine builds the CEL environment exposing `action` and
// `contact` maps and eagerly compiles every criterion so a broken
// expression fails at startup, not per request.
func NewCriteriaEngine(criteria []policy.Criterion) (*CriteriaEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("contact", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	e := &CriteriaEngine{
		env:      env,
		criteria: criteria,
		cache:    make(map[string]cel.Program, len(criteria)),
	}
	for _, c := range criteria {
		if _, err := e.program(c.Expr); err != nil {
			return nil, fmt.Errorf("criterion %q: %w", c.Name, err)
		}
	}
	return e, nil
}

func (e *CriteriaEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}

// Evaluate runs every applicable criterion against the snapshot. Opted-out
// contacts reject unconditionally before any tenant criterion runs — that
// guard is not configurable.
func (e *CriteriaEngine) Evaluate(ctx context.Context, act *action.ScheduledAction, contact *action.ContactContext) RuleResult {
	_, span := tracer.Start(ctx, "relevance.evaluate_criteria")
	defer span.End()

	if contact != nil && contact.OptedOut {
		span.SetAttributes(attribute.String("relevance.rule_outcome", string(RuleReject)))
		return RuleResult{
			Outcome:   RuleReject,
			Criterion: "contact_opted_out",
			Reason:    "contact has opted out of outreach",
		}
	}

	input := map[string]interface{}{
		"action":  actionToInput(act),
		"contact": contactToInput(contact),
	}

	applied := 0
	for _, c := range e.criteria {
		if !criterionApplies(c, act.ActionType) {
			continue
		}
		applied++

		prg, err := e.program(c.Expr)
		if err != nil {
			// Compile errors are caught at construction; this is unreachable
			// unless criteria were mutated. Treat as inconclusive.
			return RuleResult{Outcome: RuleInconclusive, Reason: fmt.Sprintf("criterion %q unavailable", c.Name)}
		}

		out, _, err := prg.Eval(input)
		if err != nil {
			span.RecordError(err)
			return RuleResult{
				Outcome: RuleInconclusive,
				Reason:  fmt.Sprintf("criterion %q evaluation failed: %v", c.Name, err),
			}
		}
		held, ok := out.Value().(bool)
		if !ok {
			return RuleResult{
				Outcome: RuleInconclusive,
				Reason:  fmt.Sprintf("criterion %q did not produce a boolean", c.Name),
			}
		}
		if !held {
			reason := c.Reason
			if reason == "" {
				reason = fmt.Sprintf("criterion %q rejected the action", c.Name)
			}
			span.SetAttributes(attribute.String("relevance.rule_outcome", string(RuleReject)))
			return RuleResult{Outcome: RuleReject, Criterion: c.Name, Reason: reason}
		}
	}

	if applied == 0 {
		span.SetAttributes(attribute.String("relevance.rule_outcome", string(RuleInconclusive)))
		return RuleResult{Outcome: RuleInconclusive, Reason: "no criteria apply to this action type"}
	}
	span.SetAttributes(attribute.String("relevance.rule_outcome", string(RulePass)))
	return RuleResult{Outcome: RulePass}
}

// EvaluateExpression evaluates one ad-hoc CEL expression over the snapshot.
// Used for replay-plan preconditions, which are stored per procedure rather
// than in the tenant policy.
func (e *CriteriaEngine) EvaluateExpression(ctx context.Context, expr string, act *action.ScheduledAction, contact *action.ContactContext) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"action":  actionToInput(act),
		"contact": contactToInput(contact),
	})
	if err != nil {
		return false, fmt.Errorf("evaluating expression: %w", err)
	}
	held, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not produce a boolean")
	}
	return held, nil
}

func criterionApplies(c policy.Criterion, actionType string) bool {
	if len(c.AppliesTo) == 0 {
		return true
	}
	for _, t := range c.AppliesTo {
		if t == actionType {
			return true
		}
	}
	return false
}

// actionToInput flattens the action for CEL. Payload is exposed as a nested
// map so criteria can reference individual parameters.
func actionToInput(act *action.ScheduledAction) map[string]interface{} {
	in := map[string]interface{}{
		"action_type": act.ActionType,
		"channel":     act.Channel,
		"risk_band":   string(act.RiskBand),
		"template":    act.Template,
		"payload":     map[string]interface{}(act.Payload),
	}
	if !act.ScheduledFor.IsZero() {
		in["scheduled_for"] = act.ScheduledFor.Format(time.RFC3339)
	}
	return in
}

// contactToInput exposes the contact snapshot. Notes stay out: criteria run
// over structured state, never free text.
func contactToInput(contact *action.ContactContext) map[string]interface{} {
	if contact == nil {
		return map[string]interface{}{}
	}
	in := map[string]interface{}{
		"contact_id":      contact.ContactID,
		"lifecycle_stage": contact.LifecycleStage,
		"converted":       contact.Converted,
		"declined":        contact.Declined,
		"opted_out":       contact.OptedOut,
	}
	if contact.LastInteraction != nil {
		in["days_since_interaction"] = int(time.Since(*contact.LastInteraction).Hours() / 24)
	}
	return in
}

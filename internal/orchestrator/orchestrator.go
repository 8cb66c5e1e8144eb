// Package orchestrator coordinates the replay-or-plan decision loop: find a
// compiled procedure, validate it, fall back to fresh planning when replay
// is blocked, validate the plan, then execute or reject. Every request ends
// in an ExecutionResult; no internal error crosses this boundary.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycrm/relay/internal/action"
	relayotel "github.com/relaycrm/relay/internal/otel"
	"github.com/relaycrm/relay/internal/pipeline"
	"github.com/relaycrm/relay/internal/planner"
	"github.com/relaycrm/relay/internal/procmem"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/orchestrator")

// ContactSource supplies the contact snapshot validation judges against.
type ContactSource interface {
	Snapshot(ctx context.Context, tenantID, contactID string) (*action.ContactContext, error)
}

// Config is the orchestrator's settings snapshot, fixed at construction.
// Handle never reads ambient configuration.
type Config struct {
	// IndustryFilteredLookups enables the tiered industry-aware procedure
	// lookup; when off, only the legacy tenant-wide lookup runs.
	IndustryFilteredLookups bool
}

// Orchestrator runs the decision loop for agent requests.
type Orchestrator struct {
	store    *procmem.Store
	planner  *planner.Planner
	pipeline *pipeline.Pipeline
	executor planner.Executor
	contacts ContactSource
	cfg      Config
}

// New wires the orchestrator. contacts may be nil; validation then runs
// without a contact snapshot.
func New(store *procmem.Store, pl *planner.Planner, pipe *pipeline.Pipeline, executor planner.Executor, contacts ContactSource, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    store,
		planner:  pl,
		pipeline: pipe,
		executor: executor,
		contacts: contacts,
		cfg:      cfg,
	}
}

// Handle processes one agent request end to end. The returned result
// carries the decision path taken: replay (procedure reused), planned (no
// procedure available), or fallback (procedure found but blocked, planned
// fresh instead).
func (o *Orchestrator) Handle(ctx context.Context, req *action.AgentRequest) action.ExecutionResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.handle",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("action_type", req.ActionType),
			attribute.String("channel", req.Channel),
		))
	defer span.End()

	result := o.handle(ctx, req)
	result.DurationMS = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Bool("result.success", result.Success),
		attribute.String("result.path", string(result.Path)),
		attribute.Bool("result.override_required", result.OverrideRequired),
	)
	log.Info().
		Str("tenant_id", req.TenantID).
		Str("organization_id", req.OrganizationID).
		Str("action_type", req.ActionType).
		Str("path", string(result.Path)).
		Str("trace_id", result.TraceID).
		Bool("success", result.Success).
		Bool("override_required", result.OverrideRequired).
		Int64("duration_ms", result.DurationMS).
		Msg("action_request_completed")
	return result
}

func (o *Orchestrator) handle(ctx context.Context, req *action.AgentRequest) action.ExecutionResult {
	if err := req.Validate(); err != nil {
		return action.ExecutionResult{Error: err.Error()}
	}

	contact := o.contactSnapshot(ctx, req)
	fingerprint := action.Fingerprint(req)

	plan, err := o.store.TryFind(ctx, procmem.Query{
		TenantID:          req.TenantID,
		ActionType:        req.ActionType,
		Channel:           req.Channel,
		Industry:          req.Industry,
		OrganizationID:    req.OrganizationID,
		UseIndustryFilter: o.cfg.IndustryFilteredLookups,
	})
	if err != nil {
		// A broken lookup must not take the request down with it; planning
		// still works without procedural memory.
		log.Error().Err(err).
			Str("tenant_id", req.TenantID).
			Msg("procedure_lookup_failed")
		plan = nil
	}

	path := action.PathPlanned
	if plan != nil {
		verdict := o.pipeline.ValidateReplay(ctx, plan, req, contact)
		switch {
		case verdict.Allowed:
			return o.executeReplay(ctx, req, plan, fingerprint)
		case verdict.ApprovalRequired:
			return action.ExecutionResult{
				Path:             action.PathReplay,
				OverrideRequired: true,
				ApprovalID:       verdict.ApprovalID,
				Message:          verdict.Reason,
			}
		default:
			// Replay blocked: plan fresh. The distinct path keeps degraded
			// replays visible in telemetry.
			log.Debug().
				Str("tenant_id", req.TenantID).
				Str("procedure_id", plan.ID).
				Str("reason", verdict.Reason).
				Msg("replay_blocked_falling_back_to_planning")
			path = action.PathFallback
		}
	}

	return o.planAndExecute(ctx, req, contact, fingerprint, path)
}

func (o *Orchestrator) planAndExecute(ctx context.Context, req *action.AgentRequest, contact *action.ContactContext, fingerprint string, path action.DecisionPath) action.ExecutionResult {
	planned := o.planner.Plan(ctx, req)

	// The trace is written exactly once per planning attempt, whatever
	// happens downstream.
	outcome := procmem.OutcomePlanned
	defer func() {
		o.captureTrace(ctx, req, planned.TraceID, fingerprint, outcome)
	}()

	if planned.Failed {
		outcome = procmem.OutcomeFailed
		return action.ExecutionResult{
			Path:       path,
			TraceID:    planned.TraceID,
			Error:      planned.FailureReason,
			Overloaded: planned.Overloaded,
		}
	}

	verdict := o.pipeline.ValidatePlanned(ctx, planned, req, contact)
	switch {
	case verdict.ApprovalRequired:
		return action.ExecutionResult{
			Path:             path,
			TraceID:          planned.TraceID,
			OverrideRequired: true,
			ApprovalID:       verdict.ApprovalID,
			Message:          verdict.Reason,
		}
	case !verdict.Allowed:
		outcome = procmem.OutcomeRejected
		return action.ExecutionResult{
			Path:         path,
			TraceID:      planned.TraceID,
			Error:        verdict.Reason,
			Overloaded:   verdict.Overloaded,
			Alternatives: verdict.Alternatives,
		}
	}

	if err := o.executeSteps(ctx, req.TenantID, planned.Steps); err != nil {
		outcome = procmem.OutcomeFailed
		return action.ExecutionResult{
			Path:    path,
			TraceID: planned.TraceID,
			Error:   fmt.Sprintf("executing planned action: %v", err),
		}
	}

	outcome = procmem.OutcomeExecuted
	return action.ExecutionResult{
		Success: true,
		Path:    path,
		TraceID: planned.TraceID,
		Message: "action executed",
	}
}

func (o *Orchestrator) executeReplay(ctx context.Context, req *action.AgentRequest, plan *procmem.ReplayPlan, fingerprint string) action.ExecutionResult {
	if err := o.executeSteps(ctx, req.TenantID, plan.Steps); err != nil {
		return action.ExecutionResult{
			Path:  action.PathReplay,
			Error: fmt.Sprintf("executing replayed procedure: %v", err),
		}
	}
	return action.ExecutionResult{
		Success: true,
		Path:    action.PathReplay,
		Message: fmt.Sprintf("replayed procedure %s v%d", plan.ID, plan.Version),
	}
}

func (o *Orchestrator) executeSteps(ctx context.Context, tenantID string, steps []procmem.Step) error {
	for i, step := range steps {
		if err := o.executor.ExecuteStep(ctx, tenantID, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Tool, err)
		}
	}
	return nil
}

func (o *Orchestrator) contactSnapshot(ctx context.Context, req *action.AgentRequest) *action.ContactContext {
	if o.contacts == nil || req.ContactID == "" {
		return nil
	}
	contact, err := o.contacts.Snapshot(ctx, req.TenantID, req.ContactID)
	if err != nil {
		log.Warn().Err(err).
			Str("tenant_id", req.TenantID).
			Str("contact_id", req.ContactID).
			Msg("contact_snapshot_unavailable")
		return nil
	}
	return contact
}

func (o *Orchestrator) captureTrace(ctx context.Context, req *action.AgentRequest, traceID, fingerprint, outcome string) {
	tr := &procmem.ProcedureTrace{
		ID:          traceID,
		TenantID:    req.TenantID,
		ActionType:  req.ActionType,
		Channel:     req.Channel,
		Fingerprint: fingerprint,
		Inputs:      procmem.RedactParams(req.Params),
		Outcome:     outcome,
	}
	if err := o.store.CaptureTrace(ctx, tr); err != nil {
		log.Error().Err(err).
			Str("tenant_id", req.TenantID).
			Str("trace_id", traceID).
			Msg("trace_capture_failed")
	}
}

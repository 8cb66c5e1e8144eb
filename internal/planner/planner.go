// Package planner turns an agent request into a concrete, executable plan by
// calling the remote model. Planning failures are values on the returned
// PlannedExecution, never errors that escape upward — the orchestrator
// decides how a failed plan surfaces to the caller.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/llm"
	relayotel "github.com/relaycrm/relay/internal/otel"
	"github.com/relaycrm/relay/internal/procmem"
)

var tracer = relayotel.Tracer("github.com/relaycrm/relay/internal/planner")

// Context is the retrieved knowledge handed to the model alongside the
// request: a rolling summary of the relationship plus a few redacted
// interaction snippets.
type Context struct {
	Summary  string
	Snippets []string
}

// ContextRetriever supplies per-contact context for planning. Implementations
// must return redacted text; the planner passes it to the model verbatim.
type ContextRetriever interface {
	Retrieve(ctx context.Context, req *action.AgentRequest) (*Context, error)
}

// Executor runs plan steps against the CRM. The same executor serves both
// replayed and freshly planned steps.
type Executor interface {
	ExecuteStep(ctx context.Context, tenantID string, step procmem.Step) error
}

// PlannedExecution is the outcome of one planning attempt. When Failed is
// set the other planning fields are zero and FailureReason explains why;
// Overloaded further distinguishes "the model provider is rate-limiting us"
// from ordinary failure.
type PlannedExecution struct {
	TraceID       string
	Action        *action.ScheduledAction
	Steps         []procmem.Step
	Rationale     string
	Failed        bool
	FailureReason string
	Overloaded    bool
}

// Planner composes directives, calls the model with the bounded retry
// policy, and parses the structured plan it returns.
type Planner struct {
	provider    llm.Provider
	model       string
	maxAttempts int
	retriever   ContextRetriever
}

// New creates a planner. retriever may be nil; planning then proceeds
// without contact context.
func New(provider llm.Provider, model string, maxAttempts int, retriever ContextRetriever) *Planner {
	return &Planner{
		provider:    provider,
		model:       model,
		maxAttempts: maxAttempts,
		retriever:   retriever,
	}
}

// planResponse is the JSON shape the model is instructed to return.
type planResponse struct {
	ActionType   string         `json:"action_type"`
	Channel      string         `json:"channel"`
	Payload      action.Params  `json:"payload"`
	Template     string         `json:"template"`
	ScheduledFor string         `json:"scheduled_for"`
	Steps        []procmem.Step `json:"steps"`
	Rationale    string         `json:"rationale"`
}

// Plan produces an executable plan for the request. It never returns an
// error: every failure mode is folded into the returned value.
func (p *Planner) Plan(ctx context.Context, req *action.AgentRequest) *PlannedExecution {
	ctx, span := tracer.Start(ctx, "planner.plan",
		trace.WithAttributes(
			attribute.String("tenant_id", req.TenantID),
			attribute.String("action_type", req.ActionType),
			attribute.String("model", p.model),
		))
	defer span.End()

	traceID := "trace_" + uuid.New().String()[:12]
	planned := &PlannedExecution{TraceID: traceID}

	var retrieved *Context
	if p.retriever != nil {
		var err error
		retrieved, err = p.retriever.Retrieve(ctx, req)
		if err != nil {
			// Context retrieval failing degrades the plan, it does not
			// abort it. The model plans from the request alone.
			log.Warn().Err(err).
				Str("tenant_id", req.TenantID).
				Str("trace_id", traceID).
				Msg("planner_context_retrieval_failed")
			retrieved = nil
		}
	}

	llmReq := &llm.Request{
		Model:       p.model,
		Temperature: 0.2,
		MaxTokens:   1024,
		ForceJSON:   true,
		Messages: []llm.Message{
			{Role: "system", Content: systemDirective},
			{Role: "user", Content: buildUserPrompt(req, retrieved)},
		},
	}

	resp, err := llm.CompleteWithRetry(ctx, p.provider, llmReq, p.maxAttempts)
	if err != nil {
		span.RecordError(err)
		planned.Failed = true
		planned.Overloaded = errors.Is(err, llm.ErrOverloaded)
		if planned.Overloaded {
			planned.FailureReason = "planning service is overloaded, try again later"
		} else {
			planned.FailureReason = fmt.Sprintf("planning failed: %v", err)
		}
		return planned
	}

	parsed, err := parsePlan(resp.Content)
	if err != nil {
		span.RecordError(err)
		planned.Failed = true
		planned.FailureReason = fmt.Sprintf("planning produced an unusable plan: %v", err)
		return planned
	}

	scheduled := &action.ScheduledAction{
		ID:             "act_" + uuid.New().String()[:12],
		TenantID:       req.TenantID,
		OrganizationID: req.OrganizationID,
		ContactID:      req.ContactID,
		ActionType:     firstNonEmpty(parsed.ActionType, req.ActionType),
		Channel:        firstNonEmpty(parsed.Channel, req.Channel),
		RiskBand:       req.RiskBand,
		Payload:        parsed.Payload,
		Template:       parsed.Template,
	}
	if parsed.ScheduledFor != "" {
		if at, perr := time.Parse(time.RFC3339, parsed.ScheduledFor); perr == nil {
			scheduled.ScheduledFor = at
		}
	}

	planned.Action = scheduled
	planned.Steps = parsed.Steps
	planned.Rationale = parsed.Rationale
	span.SetAttributes(
		attribute.String("trace_id", traceID),
		attribute.Int("planner.steps", len(parsed.Steps)),
	)
	return planned
}

// parsePlan decodes the model output, tolerating a fenced code block around
// the JSON object.
func parsePlan(content string) (*planResponse, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed planResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, errors.New("plan contains no steps")
	}
	for i, step := range parsed.Steps {
		if step.Tool == "" {
			return nil, fmt.Errorf("plan step %d has no tool", i)
		}
	}
	return &parsed, nil
}

func buildUserPrompt(req *action.AgentRequest, retrieved *Context) string {
	var b strings.Builder
	b.WriteString("Plan the following CRM action.\n\n")
	fmt.Fprintf(&b, "Action type: %s\nChannel: %s\nRisk band: %s\n",
		req.ActionType, req.Channel, req.RiskBand)
	if req.Industry != "" {
		fmt.Fprintf(&b, "Industry: %s\n", req.Industry)
	}
	if len(req.Params) > 0 {
		paramsJSON, _ := json.Marshal(req.Params)
		fmt.Fprintf(&b, "Parameters: %s\n", paramsJSON)
	}
	if retrieved != nil {
		if retrieved.Summary != "" {
			fmt.Fprintf(&b, "\nRelationship summary:\n%s\n", retrieved.Summary)
		}
		for _, snippet := range retrieved.Snippets {
			fmt.Fprintf(&b, "\nRecent interaction:\n%s\n", snippet)
		}
	}
	return b.String()
}

const systemDirective = `You are a CRM action planner. Given an action request and
contact context, respond with a single JSON object:
{
  "action_type": string,
  "channel": string,
  "payload": object,
  "template": string,
  "scheduled_for": RFC3339 timestamp or "",
  "steps": [{"tool": string, "args": object}],
  "rationale": string
}
Steps must reference only CRM tools (crm.send_email, crm.send_sms,
crm.schedule_call, crm.update_contact, crm.create_task). Respond with JSON only.`

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

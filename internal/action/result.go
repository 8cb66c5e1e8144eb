package action

import "time"

// DecisionPath records which branch of the replay-or-plan loop produced the
// result. It appears in telemetry and on the ExecutionResult itself.
type DecisionPath string

const (
	PathReplay   DecisionPath = "replay"
	PathPlanned  DecisionPath = "planned"
	PathFallback DecisionPath = "fallback" // replay found but blocked; planned instead
)

// ExecutionResult is the single outbound type returned to callers. Failures
// are values here — no internal error escapes the orchestrator boundary.
type ExecutionResult struct {
	Success          bool              `json:"success"`
	Message          string            `json:"message,omitempty"`
	Error            string            `json:"error,omitempty"`
	Overloaded       bool              `json:"overloaded,omitempty"` // remote model rate-limited past the retry bound
	TraceID          string            `json:"trace_id,omitempty"`
	Path             DecisionPath      `json:"path,omitempty"`
	OverrideRequired bool              `json:"override_required,omitempty"`
	ApprovalID       string            `json:"approval_id,omitempty"`
	Alternatives     []ScheduledAction `json:"alternatives,omitempty"`
	DurationMS       int64             `json:"duration_ms"`
}

// ScheduledAction is the concrete action candidate subjected to relevance
// and risk checks, and the unit the approval workflow operates on.
type ScheduledAction struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	ContactID      string    `json:"contact_id,omitempty"`
	ActionType     string    `json:"action_type"`
	Channel        string    `json:"channel"`
	RiskBand       RiskBand  `json:"risk_band"`
	Payload        Params    `json:"payload,omitempty"`
	Template       string    `json:"template,omitempty"` // action template id, used by bulk-approval similarity
	ScheduledFor   time.Time `json:"scheduled_for,omitempty"`
}

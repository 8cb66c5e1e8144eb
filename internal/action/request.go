// Package action defines the request, result, and candidate-action types
// shared by the orchestration pipeline. Everything here is plain data: no
// I/O, no stores, no remote calls.
package action

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest wraps all malformed-request failures. Validation runs
// before any I/O is attempted.
var ErrInvalidRequest = errors.New("invalid agent request")

// RiskBand is a coarse classification of an action's potential impact.
type RiskBand string

const (
	RiskLow      RiskBand = "low"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskCritical RiskBand = "critical"
)

// Rank returns the ordinal of the band for threshold comparisons. Unknown
// bands rank highest so typos fail closed.
func (b RiskBand) Rank() int {
	switch b {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 4
	}
}

// Exceeds reports whether b is strictly riskier than the threshold.
func (b RiskBand) Exceeds(threshold RiskBand) bool {
	return b.Rank() > threshold.Rank()
}

// OverrideMode governs when human approval is required before an action
// executes. The switch over it is exhaustive in RequiresApproval; adding a
// mode without a handler is a compile-visible change there.
type OverrideMode string

const (
	AlwaysAsk   OverrideMode = "always_ask"
	NeverAsk    OverrideMode = "never_ask"
	RiskBased   OverrideMode = "risk_based"
	LLMDecision OverrideMode = "llm_decision"
)

// ParseOverrideMode maps a config string to an OverrideMode. An empty value
// means unset and takes the RiskBased default; an unrecognized value fails
// closed to AlwaysAsk so misconfiguration gates rather than opens.
func ParseOverrideMode(s string) OverrideMode {
	switch OverrideMode(s) {
	case AlwaysAsk, NeverAsk, RiskBased, LLMDecision:
		return OverrideMode(s)
	case "":
		return RiskBased
	default:
		return AlwaysAsk
	}
}

// UserOverrides are the per-user approval preferences carried on a request.
type UserOverrides struct {
	Mode          OverrideMode `json:"mode"`
	RiskThreshold RiskBand     `json:"risk_threshold,omitempty"` // used by RiskBased
}

// AgentRequest is one agent-initiated action attempt. Immutable once
// constructed by the calling system.
type AgentRequest struct {
	TenantID       string        `json:"tenant_id"`
	OrganizationID string        `json:"organization_id"`
	UserID         string        `json:"user_id"`
	ContactID      string        `json:"contact_id,omitempty"`
	ActionType     string        `json:"action_type"`
	Channel        string        `json:"channel"`
	Industry       string        `json:"industry,omitempty"`
	RiskBand       RiskBand      `json:"risk_band"`
	Params         Params        `json:"params,omitempty"`
	Overrides      UserOverrides `json:"overrides"`
}

// Validate rejects requests missing required fields. RiskBand defaults are
// not applied here — an absent band is a caller bug, not a preference.
func (r *AgentRequest) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case r.ActionType == "":
		return fmt.Errorf("%w: action_type is required", ErrInvalidRequest)
	case r.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidRequest)
	case r.RiskBand == "":
		return fmt.Errorf("%w: risk_band is required", ErrInvalidRequest)
	}
	return nil
}

// ValidationContext carries the identifiers and preferences both validation
// paths (replay and freshly planned) evaluate against.
type ValidationContext struct {
	TenantID       string
	OrganizationID string
	UserID         string
	ContactID      string
	Overrides      UserOverrides
	Params         Params
}

// ContactContext is the snapshot of contact state the relevance rules and
// the semantic validator judge against. Assembled by the caller; the
// pipeline never reads the CRM store directly.
type ContactContext struct {
	ContactID       string     `json:"contact_id"`
	LifecycleStage  string     `json:"lifecycle_stage"` // e.g. "lead", "opportunity", "customer", "closed_lost"
	Converted       bool       `json:"converted"`
	Declined        bool       `json:"declined"`
	OptedOut        bool       `json:"opted_out"`
	LastInteraction *time.Time `json:"last_interaction,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// Package policy holds the per-tenant policy file and the OPA-backed risk
// rules that gate actions before any relevance or approval logic runs.
package policy

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/relaycrm/relay/internal/action"
)

// TenantPolicy is the parsed relay.policy.yaml for one tenant. All fields
// are optional in the file; applyDefaults fills the gaps.
type TenantPolicy struct {
	Version      string             `yaml:"version" json:"version"`
	Override     OverrideConfig     `yaml:"override" json:"override"`
	Risk         RiskConfig         `yaml:"risk" json:"risk"`
	Channels     ChannelConfig      `yaml:"channels" json:"channels"`
	Relevance    RelevanceConfig    `yaml:"relevance" json:"relevance"`
	BulkApproval BulkApprovalConfig `yaml:"bulk_approval" json:"bulk_approval"`

	// Hash of the raw file contents, for change detection in logs.
	Hash string `yaml:"-" json:"-"`
}

// OverrideConfig sets the tenant default for when humans are asked; per-user
// request overrides take precedence over it.
type OverrideConfig struct {
	Mode          string `yaml:"mode" json:"mode"`
	RiskThreshold string `yaml:"risk_threshold" json:"risk_threshold"`
}

// RiskConfig holds the hard limits evaluated by the OPA risk policy.
type RiskConfig struct {
	MaxRiskBand        string   `yaml:"max_risk_band" json:"max_risk_band"`
	BlockedActionTypes []string `yaml:"blocked_action_types" json:"blocked_action_types"`
}

// ChannelConfig restricts which channels actions may use and when.
type ChannelConfig struct {
	Allowed    []string   `yaml:"allowed" json:"allowed"`
	QuietHours QuietHours `yaml:"quiet_hours" json:"quiet_hours"`
}

// QuietHours is a daily window during which intrusive channels are blocked.
// A window may wrap midnight (start 21, end 8).
type QuietHours struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	StartHour int      `yaml:"start_hour" json:"start_hour"`
	EndHour   int      `yaml:"end_hour" json:"end_hour"`
	Channels  []string `yaml:"channels" json:"channels"`
}

// RelevanceConfig carries the declarative relevance criteria evaluated
// before any model call.
type RelevanceConfig struct {
	Criteria []Criterion `yaml:"criteria" json:"criteria"`
}

// Criterion is one rule over the contact/action snapshot. Expr is a CEL
// expression over `action` and `contact`; a false result rejects the action
// with Reason.
type Criterion struct {
	Name      string   `yaml:"name" json:"name"`
	AppliesTo []string `yaml:"applies_to" json:"applies_to"` // action types; empty = all
	Expr      string   `yaml:"expr" json:"expr"`
	Reason    string   `yaml:"reason" json:"reason"`
}

// BulkApprovalConfig controls which pending requests a bulk approval may
// sweep up beyond the fixed same-user/same-action-type constraints.
type BulkApprovalConfig struct {
	SimilarityFields []string `yaml:"similarity_fields" json:"similarity_fields"`
}

// OverrideMode returns the tenant default approval mode.
func (p *TenantPolicy) OverrideMode() action.OverrideMode {
	return action.ParseOverrideMode(p.Override.Mode)
}

// RiskThreshold returns the tenant default threshold for RiskBased mode.
func (p *TenantPolicy) RiskThreshold() action.RiskBand {
	if p.Override.RiskThreshold == "" {
		return action.RiskMedium
	}
	return action.RiskBand(p.Override.RiskThreshold)
}

// ComputeHash records a fingerprint of the raw policy file.
func (p *TenantPolicy) ComputeHash(raw []byte) {
	sum := sha256.Sum256(raw)
	p.Hash = hex.EncodeToString(sum[:])
}

// Default returns the policy applied to tenants without a policy file.
func Default() *TenantPolicy {
	p := &TenantPolicy{}
	applyDefaults(p)
	return p
}

func applyDefaults(p *TenantPolicy) {
	if p.Version == "" {
		p.Version = "1"
	}
	if p.Override.Mode == "" {
		p.Override.Mode = string(action.RiskBased)
	}
	if p.Override.RiskThreshold == "" {
		p.Override.RiskThreshold = string(action.RiskMedium)
	}
	if p.Risk.MaxRiskBand == "" {
		p.Risk.MaxRiskBand = string(action.RiskCritical)
	}
	if len(p.Channels.Allowed) == 0 {
		p.Channels.Allowed = []string{"email", "sms", "call", "task"}
	}
	if p.Channels.QuietHours.Enabled && len(p.Channels.QuietHours.Channels) == 0 {
		p.Channels.QuietHours.Channels = []string{"sms", "call"}
	}
	if len(p.BulkApproval.SimilarityFields) == 0 {
		p.BulkApproval.SimilarityFields = []string{"template", "channel"}
	}
}

package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, pol *TenantPolicy) *Engine {
	t.Helper()
	applyDefaults(pol)
	engine, err := NewEngine(context.Background(), pol)
	require.NoError(t, err)
	return engine
}

func TestEvaluateAction_DefaultPolicyAllows(t *testing.T) {
	engine := testEngine(t, &TenantPolicy{})

	decision, err := engine.EvaluateAction(context.Background(), ActionInput{
		ActionType: "follow_up",
		Channel:    "email",
		RiskBand:   "low",
		Hour:       10,
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reasons)
}

func TestEvaluateAction_BlockedActionType(t *testing.T) {
	engine := testEngine(t, &TenantPolicy{
		Risk: RiskConfig{BlockedActionTypes: []string{"discount_offer"}},
	})

	decision, err := engine.EvaluateAction(context.Background(), ActionInput{
		ActionType: "discount_offer",
		Channel:    "email",
		RiskBand:   "low",
		Hour:       10,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	require.Len(t, decision.Reasons, 1)
	assert.Contains(t, decision.Reasons[0], "blocked by tenant policy")
}

func TestEvaluateAction_RiskBandCap(t *testing.T) {
	engine := testEngine(t, &TenantPolicy{
		Risk: RiskConfig{MaxRiskBand: "medium"},
	})

	decision, err := engine.EvaluateAction(context.Background(), ActionInput{
		ActionType: "contract_update",
		Channel:    "email",
		RiskBand:   "high",
		Hour:       10,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reasons[0], "exceeds tenant maximum")
}

func TestEvaluateAction_UnknownRiskBandDenied(t *testing.T) {
	engine := testEngine(t, &TenantPolicy{})

	decision, err := engine.EvaluateAction(context.Background(), ActionInput{
		ActionType: "follow_up",
		Channel:    "email",
		RiskBand:   "bogus",
		Hour:       10,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "unknown bands fail closed")
}

func TestEvaluateAction_ChannelNotAllowed(t *testing.T) {
	engine := testEngine(t, &TenantPolicy{
		Channels: ChannelConfig{Allowed: []string{"email"}},
	})

	decision, err := engine.EvaluateAction(context.Background(), ActionInput{
		ActionType: "follow_up",
		Channel:    "sms",
		RiskBand:   "low",
		Hour:       10,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reasons[0], "not allowed")
}

func TestEvaluateAction_QuietHours(t *testing.T) {
	pol := &TenantPolicy{
		Channels: ChannelConfig{
			QuietHours: QuietHours{Enabled: true, StartHour: 21, EndHour: 8},
		},
	}
	engine := testEngine(t, pol)

	tests := []struct {
		name    string
		channel string
		hour    int
		allowed bool
	}{
		{"sms late evening blocked", "sms", 22, false},
		{"call early morning blocked", "call", 6, false},
		{"sms midday allowed", "sms", 12, true},
		{"email exempt at night", "email", 23, true},
		{"boundary start blocked", "sms", 21, false},
		{"boundary end allowed", "sms", 8, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.EvaluateAction(context.Background(), ActionInput{
				ActionType: "follow_up",
				Channel:    tt.channel,
				RiskBand:   "low",
				Hour:       tt.hour,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed, decision.Reasons)
		})
	}
}

func TestEvaluateAction_CombinedReasons(t *testing.T) {
	engine := testEngine(t, &TenantPolicy{
		Risk:     RiskConfig{MaxRiskBand: "low", BlockedActionTypes: []string{"cold_outreach"}},
		Channels: ChannelConfig{Allowed: []string{"email"}},
	})

	decision, err := engine.EvaluateAction(context.Background(), ActionInput{
		ActionType: "cold_outreach",
		Channel:    "sms",
		RiskBand:   "high",
		Hour:       10,
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Len(t, decision.Reasons, 3, "every violated rule contributes a reason")
}

package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *AgentRequest {
	return &AgentRequest{
		TenantID:   "acme",
		UserID:     "user-1",
		ActionType: "follow_up",
		Channel:    "email",
		RiskBand:   RiskLow,
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AgentRequest)
		field  string
	}{
		{"missing tenant", func(r *AgentRequest) { r.TenantID = "" }, "tenant_id"},
		{"missing user", func(r *AgentRequest) { r.UserID = "" }, "user_id"},
		{"missing action type", func(r *AgentRequest) { r.ActionType = "" }, "action_type"},
		{"missing channel", func(r *AgentRequest) { r.Channel = "" }, "channel"},
		{"missing risk band", func(r *AgentRequest) { r.RiskBand = "" }, "risk_band"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validRequest().Validate())
}

func TestRiskBand_Exceeds(t *testing.T) {
	assert.True(t, RiskHigh.Exceeds(RiskMedium))
	assert.False(t, RiskMedium.Exceeds(RiskMedium))
	assert.False(t, RiskLow.Exceeds(RiskCritical))
	// Unknown bands fail closed: riskier than everything known.
	assert.True(t, RiskBand("bogus").Exceeds(RiskCritical))
}

func TestParseOverrideMode(t *testing.T) {
	assert.Equal(t, AlwaysAsk, ParseOverrideMode("always_ask"))
	assert.Equal(t, NeverAsk, ParseOverrideMode("never_ask"))
	assert.Equal(t, LLMDecision, ParseOverrideMode("llm_decision"))
	assert.Equal(t, RiskBased, ParseOverrideMode(""), "unset mode takes the risk_based default")
	assert.Equal(t, AlwaysAsk, ParseOverrideMode("typo"), "unknown modes fail closed")
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := validRequest()
	b := validRequest()
	b.Params = Params{"subject": "hello"} // payload must not affect the key
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c := validRequest()
	c.Channel = "sms"
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	d := validRequest()
	d.Industry = "REALTY"
	e := validRequest()
	e.Industry = "realty"
	assert.Equal(t, Fingerprint(d), Fingerprint(e), "industry is case-folded")
}

func TestParams_TypedAccessors(t *testing.T) {
	when := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	p := Params{
		"subject":  "quarterly check-in",
		"count":    float64(3), // as JSON decoding would produce
		"ratio":    0.5,
		"urgent":   true,
		"deadline": when.Format(time.RFC3339),
	}

	s, ok := p.String("subject")
	require.True(t, ok)
	assert.Equal(t, "quarterly check-in", s)

	n, ok := p.Int("count")
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = p.Int("ratio")
	assert.False(t, ok, "fractional float must not coerce to int")

	f, ok := p.Float("count")
	require.True(t, ok)
	assert.Equal(t, 3.0, f)

	b, ok := p.Bool("urgent")
	require.True(t, ok)
	assert.True(t, b)

	ts, ok := p.Time("deadline")
	require.True(t, ok)
	assert.True(t, ts.Equal(when))

	_, ok = p.String("missing")
	assert.False(t, ok)
}

func TestParams_Clone(t *testing.T) {
	p := Params{"a": 1}
	q := p.Clone()
	q["a"] = 2
	v, _ := p.Int("a")
	assert.Equal(t, 1, v)
	assert.Nil(t, Params(nil).Clone())
}

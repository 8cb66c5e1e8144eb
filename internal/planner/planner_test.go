package planner

import (
	"context"
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/llm"
)

type stubProvider struct {
	content string
	err     error
	calls   int
	lastReq *llm.Request
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{Content: p.content, FinishReason: "stop"}, nil
}

type stubRetriever struct {
	ctx *Context
	err error
}

func (r *stubRetriever) Retrieve(_ context.Context, _ *action.AgentRequest) (*Context, error) {
	return r.ctx, r.err
}

func planRequest() *action.AgentRequest {
	return &action.AgentRequest{
		TenantID:   "acme",
		UserID:     "user-1",
		ContactID:  "contact-9",
		ActionType: "follow_up",
		Channel:    "email",
		RiskBand:   action.RiskLow,
		Params:     action.Params{"topic": "renewal"},
	}
}

const goodPlan = `{
  "action_type": "follow_up",
  "channel": "email",
  "payload": {"subject": "Renewal check-in"},
  "template": "follow_up_v2",
  "scheduled_for": "",
  "steps": [{"tool": "crm.send_email", "args": {"template": "follow_up_v2"}}],
  "rationale": "contact is mid-renewal"
}`

func TestPlan_Success(t *testing.T) {
	provider := &stubProvider{content: goodPlan}
	p := New(provider, "gpt-4o", 3, &stubRetriever{ctx: &Context{
		Summary:  "Long-standing customer, renewal due next month.",
		Snippets: []string{"Asked for pricing last week."},
	}})

	planned := p.Plan(context.Background(), planRequest())
	require.False(t, planned.Failed, planned.FailureReason)
	require.NotEmpty(t, planned.TraceID)
	require.NotNil(t, planned.Action)
	assert.Equal(t, "acme", planned.Action.TenantID)
	assert.Equal(t, "contact-9", planned.Action.ContactID)
	assert.Equal(t, "follow_up_v2", planned.Action.Template)
	require.Len(t, planned.Steps, 1)
	assert.Equal(t, "crm.send_email", planned.Steps[0].Tool)

	// Context must reach the prompt.
	require.NotNil(t, provider.lastReq)
	prompt := provider.lastReq.Messages[1].Content
	assert.Contains(t, prompt, "renewal due next month")
	assert.Contains(t, prompt, "Asked for pricing")
}

func TestPlan_FencedJSONTolerated(t *testing.T) {
	provider := &stubProvider{content: "```json\n" + goodPlan + "\n```"}
	p := New(provider, "gpt-4o", 3, nil)

	planned := p.Plan(context.Background(), planRequest())
	require.False(t, planned.Failed, planned.FailureReason)
}

func TestPlan_UnusableOutputIsFailedValue(t *testing.T) {
	provider := &stubProvider{content: "I cannot plan this."}
	p := New(provider, "gpt-4o", 3, nil)

	planned := p.Plan(context.Background(), planRequest())
	assert.True(t, planned.Failed)
	assert.False(t, planned.Overloaded)
	assert.NotEmpty(t, planned.TraceID, "failed plans still carry a trace id")
	assert.Contains(t, planned.FailureReason, "unusable plan")
}

func TestPlan_EmptyStepsRejected(t *testing.T) {
	provider := &stubProvider{content: `{"steps": [], "rationale": "nothing to do"}`}
	p := New(provider, "gpt-4o", 3, nil)

	planned := p.Plan(context.Background(), planRequest())
	assert.True(t, planned.Failed)
}

func TestPlan_OverloadedClassified(t *testing.T) {
	provider := &stubProvider{err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}}
	p := New(provider, "gpt-4o", 1, nil)

	planned := p.Plan(context.Background(), planRequest())
	assert.True(t, planned.Failed)
	assert.True(t, planned.Overloaded)
	assert.Contains(t, planned.FailureReason, "overloaded")
}

func TestPlan_RetrieverFailureDegrades(t *testing.T) {
	provider := &stubProvider{content: goodPlan}
	p := New(provider, "gpt-4o", 3, &stubRetriever{err: errors.New("context store down")})

	planned := p.Plan(context.Background(), planRequest())
	assert.False(t, planned.Failed, "planning proceeds without context")
}

package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// Decision is the result of evaluating the risk policies for one action.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// regoPolicy maps a Rego file to the query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/risk_limits.rego", query: "data.relay.policy.risk_limits.deny"},
	{file: "rego/channel_rules.rego", query: "data.relay.policy.channel_rules.deny"},
}

// ActionInput is the evaluation input for one candidate action.
type ActionInput struct {
	ActionType string `json:"action_type"`
	Channel    string `json:"channel"`
	RiskBand   string `json:"risk_band"`
	Hour       int    `json:"hour"` // tenant-local hour of the send time
}

// Engine evaluates the embedded risk policies against one tenant's policy.
// Queries are prepared once at construction; Evaluate is read-only and safe
// for concurrent use.
type Engine struct {
	policy   *TenantPolicy
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine precompiles the embedded Rego against the tenant policy, which
// is serialized to JSON and loaded as OPA data.
func NewEngine(ctx context.Context, pol *TenantPolicy) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	policyData, err := policyToData(pol)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		store := inmem.NewFromObject(map[string]interface{}{"policy": policyData})
		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))
	return &Engine{policy: pol, prepared: prepared}, nil
}

// Policy returns the tenant policy this engine was built from.
func (e *Engine) Policy() *TenantPolicy {
	return e.policy
}

// EvaluateAction runs every risk policy and combines the deny reasons.
func (e *Engine) EvaluateAction(ctx context.Context, in ActionInput) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_action")
	defer span.End()

	input := map[string]interface{}{
		"action_type": in.ActionType,
		"channel":     in.Channel,
		"risk_band":   in.RiskBand,
		"hour":        in.Hour,
	}

	decision := &Decision{Allowed: true}
	for _, rp := range allPolicies {
		reasons, err := e.evaluateDenyPolicy(ctx, rp.file, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		decision.Reasons = append(decision.Reasons, reasons...)
	}

	if len(decision.Reasons) > 0 {
		decision.Allowed = false
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	return decision, nil
}

// evaluateDenyPolicy runs one prepared policy whose query yields a set of
// deny reason strings. OPA returns the set as []interface{} or, occasionally,
// map[string]interface{}.
func (e *Engine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

// policyToData round-trips the policy through JSON to get clean map types
// for the OPA store.
func policyToData(pol *TenantPolicy) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(pol)
	if err != nil {
		return nil, fmt.Errorf("marshalling policy: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling policy data: %w", err)
	}
	return data, nil
}

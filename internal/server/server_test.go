package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/approval"
	"github.com/relaycrm/relay/internal/audit"
	"github.com/relaycrm/relay/internal/llm"
	"github.com/relaycrm/relay/internal/orchestrator"
	"github.com/relaycrm/relay/internal/pipeline"
	"github.com/relaycrm/relay/internal/planner"
	"github.com/relaycrm/relay/internal/policy"
	"github.com/relaycrm/relay/internal/procmem"
	"github.com/relaycrm/relay/internal/relevance"
	"github.com/relaycrm/relay/internal/tenant"
)

const plannerOutput = `{
  "action_type": "follow_up",
  "channel": "email",
  "payload": {"subject": "hello"},
  "template": "planned_v1",
  "steps": [{"tool": "crm.send_email", "args": {"template": "planned_v1"}}],
  "rationale": "fresh plan"
}`

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Complete(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: plannerOutput, FinishReason: "stop"}, nil
}

type nopExecutor struct{}

func (nopExecutor) ExecuteStep(context.Context, string, procmem.Step) error { return nil }

type staticResolver struct {
	orch *orchestrator.Orchestrator
}

func (r *staticResolver) For(context.Context, string) (*orchestrator.Orchestrator, error) {
	return r.orch, nil
}

type testEnv struct {
	handler    http.Handler
	approvals  *approval.Store
	auditStore *audit.Store
	procStore  *procmem.Store
}

func newTestEnv(t *testing.T, tm *tenant.Manager) *testEnv {
	t.Helper()
	dir := t.TempDir()

	procStore, err := procmem.NewStore(filepath.Join(dir, "procedures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = procStore.Close() })

	approvals, err := approval.NewStore(filepath.Join(dir, "approvals.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = approvals.Close() })

	signer, err := audit.NewSigner("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	auditStore, err := audit.NewStore(filepath.Join(dir, "audit.db"), signer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditStore.Close() })

	validationLog, err := relevance.NewAuditLog(filepath.Join(dir, "validations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = validationLog.Close() })

	pol := policy.Default()
	engine, err := policy.NewEngine(context.Background(), pol)
	require.NoError(t, err)
	validator, err := relevance.NewValidator(pol, nil, "", 1, validationLog)
	require.NoError(t, err)

	orch := orchestrator.New(
		procStore,
		planner.New(stubProvider{}, "gpt-4o", 3, nil),
		pipeline.New(engine, validator, approvals),
		nopExecutor{},
		nil,
		orchestrator.Config{IndustryFilteredLookups: true},
	)

	srv := NewServer(
		&staticResolver{orch: orch},
		approvals,
		auditStore,
		procStore,
		map[string]string{"test-key": "acme"},
		WithTenantManager(tm),
		WithValidationLog(validationLog),
	)
	return &testEnv{
		handler:    srv.Routes(),
		approvals:  approvals,
		auditStore: auditStore,
		procStore:  procStore,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Relay-Key", "test-key")
	req.Header.Set("X-Relay-User", "user-1")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func executeBody() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     "user-1",
		"action_type": "follow_up",
		"channel":     "email",
		"risk_band":   "low",
		"overrides":   map[string]string{"mode": "never_ask"},
	}
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health?detail=true", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"vault":"disabled"`)
}

func TestAuth_MissingOrWrongKey(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/approvals", nil)
	req.Header.Set("X-Relay-Key", "wrong")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestActionExecute_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/actions/execute", executeBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result action.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, action.PathPlanned, result.Path)

	// The execution landed in the signed audit log.
	rec = env.do(t, http.MethodGet, "/v1/audit?type=action_executed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var auditResp struct {
		Events []struct {
			audit.Event
			Verified bool `json:"verified"`
		} `json:"events"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &auditResp))
	require.Equal(t, 1, auditResp.Count)
	assert.Equal(t, "acme", auditResp.Events[0].TenantID)
	assert.True(t, auditResp.Events[0].Verified)
}

func TestActionExecute_BodyCannotSpoofTenant(t *testing.T) {
	env := newTestEnv(t, nil)

	body := executeBody()
	body["tenant_id"] = "someone-else"
	rec := env.do(t, http.MethodPost, "/v1/actions/execute", body)
	require.Equal(t, http.StatusOK, rec.Code)

	traces, err := env.procStore.Traces(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, traces, 1, "the request must run under the authenticated tenant")
}

func TestActionExecute_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	body := executeBody()
	delete(body, "action_type")
	rec := env.do(t, http.MethodPost, "/v1/actions/execute", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalFlow_EndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	body := executeBody()
	body["overrides"] = map[string]string{"mode": "always_ask"}
	rec := env.do(t, http.MethodPost, "/v1/actions/execute", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var result action.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.OverrideRequired)
	require.NotEmpty(t, result.ApprovalID)

	rec = env.do(t, http.MethodGet, "/v1/approvals?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), result.ApprovalID)

	rec = env.do(t, http.MethodPost, "/v1/approvals/"+result.ApprovalID+"/respond",
		map[string]interface{}{"approve": true, "note": "looks fine"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resolved approval.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, approval.StatusApproved, resolved.Status)
	assert.Equal(t, "user-1", resolved.ResolvedBy)

	// A second response conflicts.
	rec = env.do(t, http.MethodPost, "/v1/approvals/"+result.ApprovalID+"/respond",
		map[string]interface{}{"approve": false})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalsBulk_UnknownAnchor(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/approvals/bulk",
		map[string]string{"anchor_id": "appr_missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcedures_ListAndGet(t *testing.T) {
	env := newTestEnv(t, nil)

	plan := &procmem.ReplayPlan{
		TenantID:   "acme",
		ActionType: "follow_up",
		Channel:    "email",
		Steps:      []procmem.Step{{Tool: "crm.send_email"}},
		Enabled:    true,
	}
	require.NoError(t, env.procStore.Upsert(context.Background(), plan))

	rec := env.do(t, http.MethodGet, "/v1/procedures", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), plan.ID)

	rec = env.do(t, http.MethodGet, "/v1/procedures/"+plan.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/procedures/proc_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit_Returns429(t *testing.T) {
	tm := tenant.NewManager([]tenant.Tenant{{ID: "acme", RateLimit: 1}}, nil, "")
	env := newTestEnv(t, tm)

	var last int
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodGet, "/v1/approvals", nil)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRateLimit_UnknownTenantForbidden(t *testing.T) {
	tm := tenant.NewManager([]tenant.Tenant{{ID: "other"}}, nil, "")
	env := newTestEnv(t, tm)
	rec := env.do(t, http.MethodGet, "/v1/approvals", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestValidations_Listed(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/actions/execute", executeBody())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/validations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestSecrets_DisabledWithoutVault(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/secrets", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "vault not enabled")
}

func TestTraces_Listed(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/actions/execute", executeBody())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/v1/traces?limit=%d", 10), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

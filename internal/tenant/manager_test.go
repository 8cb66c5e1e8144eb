package tenant

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/relay/internal/action"
	"github.com/relaycrm/relay/internal/audit"
)

func testAuditStore(t *testing.T) *audit.Store {
	t.Helper()
	signer, err := audit.NewSigner("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), signer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestValidateRequest_UnknownTenant(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme"}}, nil, "")
	err := m.ValidateRequest(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.NoError(t, m.ValidateRequest(context.Background(), "acme"))
}

func TestValidateRequest_RateLimit(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme", RateLimit: 1}}, nil, "")
	ctx := context.Background()

	// Burst is 2x the per-second rate; the third immediate request trips.
	require.NoError(t, m.ValidateRequest(ctx, "acme"))
	require.NoError(t, m.ValidateRequest(ctx, "acme"))
	assert.ErrorIs(t, m.ValidateRequest(ctx, "acme"), ErrRateLimitExceeded)
}

func TestValidateRequest_DailyActionLimit(t *testing.T) {
	store := testAuditStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.Append(ctx, &audit.Event{
			TenantID: "acme",
			Type:     audit.TypeActionExecuted,
		}))
	}
	// Rejections do not count against the limit.
	require.NoError(t, store.Append(ctx, &audit.Event{
		TenantID: "acme",
		Type:     audit.TypeActionRejected,
	}))
	// Yesterday's executions do not count either.
	require.NoError(t, store.Append(ctx, &audit.Event{
		TenantID:  "acme",
		Type:      audit.TypeActionExecuted,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))

	m := NewManager([]Tenant{{ID: "acme", DailyLimit: 3}}, store, "")
	assert.NoError(t, m.ValidateRequest(ctx, "acme"))

	m = NewManager([]Tenant{{ID: "acme", DailyLimit: 2}}, store, "")
	assert.ErrorIs(t, m.ValidateRequest(ctx, "acme"), ErrDailyActionsExceeded)
}

func TestPolicy_DefaultWhenNoPath(t *testing.T) {
	m := NewManager([]Tenant{{ID: "acme"}}, nil, "")
	pol := m.Policy(context.Background(), "acme")
	require.NotNil(t, pol)
	assert.Equal(t, action.RiskBased, pol.OverrideMode())
}

func TestPolicy_LoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	policyYAML := `
version: "1"
override:
  mode: always_ask
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.policy.yaml"), []byte(policyYAML), 0o600))

	m := NewManager([]Tenant{{ID: "acme", PolicyPath: "acme.policy.yaml"}}, nil, dir)
	pol := m.Policy(context.Background(), "acme")
	require.NotNil(t, pol)
	assert.Equal(t, action.AlwaysAsk, pol.OverrideMode())

	// Edits are invisible until the cache is invalidated.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.policy.yaml"),
		[]byte("version: \"1\"\noverride:\n  mode: never_ask\n"), 0o600))
	assert.Equal(t, action.AlwaysAsk, m.Policy(context.Background(), "acme").OverrideMode())

	m.InvalidatePolicies()
	assert.Equal(t, action.NeverAsk, m.Policy(context.Background(), "acme").OverrideMode())
}

func TestPolicy_BrokenFileFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.policy.yaml"), []byte("{not yaml"), 0o600))

	m := NewManager([]Tenant{{ID: "acme", PolicyPath: "bad.policy.yaml"}}, nil, dir)
	pol := m.Policy(context.Background(), "acme")
	require.NotNil(t, pol)
	assert.Equal(t, action.RiskBased, pol.OverrideMode())
}

package procmem

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/relay/internal/action"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "procedures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testPlan(tenant string) *ReplayPlan {
	return &ReplayPlan{
		TenantID:   tenant,
		ActionType: "follow_up",
		Channel:    "email",
		Steps:      []Step{{Tool: "crm.send_email", Args: action.Params{"template": "follow_up_v1"}}},
		Enabled:    true,
	}
}

func TestUpsert_VersionsIncrement(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	p1 := testPlan("acme")
	require.NoError(t, store.Upsert(ctx, p1))
	assert.Equal(t, 1, p1.Version)

	p2 := testPlan("acme")
	require.NoError(t, store.Upsert(ctx, p2))
	assert.Equal(t, 2, p2.Version)

	// A different scope starts its own version sequence.
	p3 := testPlan("acme")
	p3.Channel = "sms"
	require.NoError(t, store.Upsert(ctx, p3))
	assert.Equal(t, 1, p3.Version)
}

func TestTryFind_HighestEnabledVersionWins(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	v1 := testPlan("acme")
	require.NoError(t, store.Upsert(ctx, v1))
	v2 := testPlan("acme")
	v2.Steps = []Step{{Tool: "crm.send_email", Args: action.Params{"template": "follow_up_v2"}}}
	require.NoError(t, store.Upsert(ctx, v2))

	found, err := store.TryFind(ctx, Query{TenantID: "acme", ActionType: "follow_up", Channel: "email"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 2, found.Version)

	// Disable v2 by writing a v3 is not how it works — verify a disabled
	// newest version is skipped in favor of the older enabled one.
	v3 := testPlan("acme")
	v3.Enabled = false
	require.NoError(t, store.Upsert(ctx, v3))

	found, err = store.TryFind(ctx, Query{TenantID: "acme", ActionType: "follow_up", Channel: "email"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 2, found.Version, "disabled versions must not be selected")
}

func TestTryFind_MissReturnsNilNil(t *testing.T) {
	store := testStore(t)

	found, err := store.TryFind(context.Background(),
		Query{TenantID: "acme", ActionType: "nonexistent", Channel: "email"})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestTryFind_TenantIsolation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testPlan("acme")))

	found, err := store.TryFind(ctx, Query{TenantID: "globex", ActionType: "follow_up", Channel: "email"})
	require.NoError(t, err)
	assert.Nil(t, found, "another tenant's procedures must be invisible")
}

func TestTryFind_TierPrecedence(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	legacy := testPlan("acme")
	require.NoError(t, store.Upsert(ctx, legacy))

	industry := testPlan("acme")
	industry.Industry = "realty"
	require.NoError(t, store.Upsert(ctx, industry))

	org := testPlan("acme")
	org.Industry = "realty"
	org.OrganizationID = "org-1"
	require.NoError(t, store.Upsert(ctx, org))

	q := Query{
		TenantID:          "acme",
		ActionType:        "follow_up",
		Channel:           "email",
		Industry:          "realty",
		OrganizationID:    "org-1",
		UseIndustryFilter: true,
	}
	found, err := store.TryFind(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "org-1", found.OrganizationID, "org-specific procedure wins")

	// Without an organization the industry tier wins over legacy.
	q.OrganizationID = ""
	found, err = store.TryFind(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "realty", found.Industry)
	assert.Empty(t, found.OrganizationID)
}

func TestTryFind_IndustryCaseFolded(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	p := testPlan("acme")
	p.Industry = "REALTY"
	require.NoError(t, store.Upsert(ctx, p))

	found, err := store.TryFind(ctx, Query{
		TenantID: "acme", ActionType: "follow_up", Channel: "email",
		Industry: "realty", UseIndustryFilter: true,
	})
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestTryFind_EmptyIndustryDegradesToLegacy(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, testPlan("acme")))

	// Industry filtering requested, but the request carries no industry:
	// the lookup falls back to the tenant-wide procedure instead of missing.
	found, err := store.TryFind(ctx, Query{
		TenantID: "acme", ActionType: "follow_up", Channel: "email",
		Industry: "", UseIndustryFilter: true,
	})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Empty(t, found.Industry)
}

func TestUpsert_ConcurrentWritersGetDistinctVersions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Upsert(ctx, testPlan("acme"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	plans, err := store.List(ctx, "acme", "follow_up", 0)
	require.NoError(t, err)
	require.Len(t, plans, writers)

	seen := make(map[int]bool)
	for _, p := range plans {
		assert.False(t, seen[p.Version], "version %d assigned twice", p.Version)
		seen[p.Version] = true
	}
}

func TestCaptureTrace_AndRetention(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tr := &ProcedureTrace{
		TenantID:    "acme",
		ActionType:  "follow_up",
		Channel:     "email",
		Fingerprint: "abc123",
		Inputs:      RedactParams(action.Params{"email": "jo@example.com", "count": 3}),
		Outcome:     OutcomePlanned,
	}
	require.NoError(t, store.CaptureTrace(ctx, tr))
	require.NotEmpty(t, tr.ID)

	traces, err := store.Traces(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	v, _ := traces[0].Inputs.String("email")
	assert.Equal(t, "[redacted]", v, "personal data must not reach stored traces")
	n, _ := traces[0].Inputs.Int("count")
	assert.Equal(t, 3, n)

	// Nothing is young enough to purge at 90 days.
	purged, err := store.PurgeTraces(ctx, 90)
	require.NoError(t, err)
	assert.Zero(t, purged)

	// Everything older than "now minus -1 day" (i.e. a future cutoff) goes.
	purged, err = store.PurgeTraces(ctx, -1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}

func TestGet_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.Get(context.Background(), "acme", "proc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedactParams(t *testing.T) {
	p := action.Params{
		"contact_email": "jo@example.com",
		"Phone_Number":  "+15551234",
		"subject":       "check-in",
	}
	r := RedactParams(p)
	assert.Equal(t, "[redacted]", r["contact_email"])
	assert.Equal(t, "[redacted]", r["Phone_Number"])
	assert.Equal(t, "check-in", r["subject"])
	assert.Equal(t, "jo@example.com", p["contact_email"], "input must not be mutated")
	assert.Nil(t, RedactParams(nil))
}

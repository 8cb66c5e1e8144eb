package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/relay/internal/action"
)

func testApprovalStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "approvals.db"), 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func emailAction(template string) *action.ScheduledAction {
	return &action.ScheduledAction{
		ID:         "act_" + template,
		TenantID:   "acme",
		ContactID:  "contact-1",
		ActionType: "follow_up",
		Channel:    "email",
		RiskBand:   action.RiskHigh,
		Template:   template,
	}
}

func TestApprovalLifecycle(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	req, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "risk band high exceeds threshold")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.True(t, req.ExpiresAt.After(req.CreatedAt))

	resolved, err := store.ProcessApprovalResponse(ctx, "acme", req.ID, "manager-1", true, "looks good")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "manager-1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestProcessApprovalResponse_SecondResponseConflicts(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	req, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)

	_, err = store.ProcessApprovalResponse(ctx, "acme", req.ID, "manager-1", true, "")
	require.NoError(t, err)

	// The first response wins; a conflicting second response errors and the
	// stored state does not move.
	_, err = store.ProcessApprovalResponse(ctx, "acme", req.ID, "manager-2", false, "denied")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := store.Get(ctx, "acme", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, "manager-1", got.ResolvedBy)
}

func TestProcessApprovalResponse_Expired(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	req, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)

	// Jump past the deadline.
	store.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }

	_, err = store.ProcessApprovalResponse(ctx, "acme", req.ID, "manager-1", true, "")
	assert.ErrorIs(t, err, ErrRequestExpired)
}

func TestProcessApprovalResponse_NotFoundAndTenantIsolation(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	_, err := store.ProcessApprovalResponse(ctx, "acme", "appr_missing", "m", true, "")
	assert.ErrorIs(t, err, ErrNotFound)

	req, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)

	// Another tenant cannot see or resolve it.
	_, err = store.ProcessApprovalResponse(ctx, "globex", req.ID, "m", true, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPendingApprovals(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	first, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)
	_, err = store.CreateApprovalRequest(ctx, "acme", "user-2", emailAction("v2"), "")
	require.NoError(t, err)

	pending, err := store.GetPendingApprovals(ctx, "acme", "user-1", false)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the requesting user's approvals are listed")
	assert.Equal(t, first.ID, pending[0].ID)

	// Past the deadline the request drops out of the default listing but
	// stays visible with includeExpired.
	store.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }

	pending, err = store.GetPendingApprovals(ctx, "acme", "user-1", false)
	require.NoError(t, err)
	assert.Empty(t, pending)

	withExpired, err := store.GetPendingApprovals(ctx, "acme", "user-1", true)
	require.NoError(t, err)
	assert.Len(t, withExpired, 1)
}

func TestExpireOverdue(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	req, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }

	expired, err := store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, expired)

	got, err := store.Get(ctx, "acme", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	// Idempotent: a second sweep finds nothing.
	expired, err = store.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestApplyBulkApproval(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	anchor, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)
	_, err = store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)

	// Same user, same action type, different template: outside the sweep
	// when similarity is keyed on template.
	_, err = store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v2"), "")
	require.NoError(t, err)

	// Other user's identical request must never be touched.
	otherUsers, err := store.CreateApprovalRequest(ctx, "acme", "user-2", emailAction("v1"), "")
	require.NoError(t, err)

	// Different action type for the same user.
	call := emailAction("v1")
	call.ActionType = "schedule_call"
	_, err = store.CreateApprovalRequest(ctx, "acme", "user-1", call, "")
	require.NoError(t, err)

	approved, err := store.ApplyBulkApproval(ctx, "acme", anchor.ID, "manager-1", []string{"template"})
	require.NoError(t, err)
	assert.Equal(t, 2, approved, "anchor plus the one similar request")

	got, err := store.Get(ctx, "acme", otherUsers.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	remaining, err := store.GetPendingApprovals(ctx, "acme", "user-1", false)
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "dissimilar template and other action type stay pending")
}

func TestApplyBulkApproval_AnchorGuards(t *testing.T) {
	store := testApprovalStore(t)
	ctx := context.Background()

	anchor, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)

	_, err = store.ProcessApprovalResponse(ctx, "acme", anchor.ID, "manager-1", false, "")
	require.NoError(t, err)

	_, err = store.ApplyBulkApproval(ctx, "acme", anchor.ID, "manager-1", nil)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	expired, err := store.CreateApprovalRequest(ctx, "acme", "user-1", emailAction("v1"), "")
	require.NoError(t, err)
	store.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	_, err = store.ApplyBulkApproval(ctx, "acme", expired.ID, "manager-1", nil)
	assert.ErrorIs(t, err, ErrRequestExpired)
}

func TestSimilarityFields(t *testing.T) {
	a := emailAction("v1")
	b := emailAction("v1")
	assert.True(t, similar(a, b, []string{"template", "channel", "risk_band", "contact"}))

	b.Channel = "sms"
	assert.False(t, similar(a, b, []string{"channel"}))
	assert.True(t, similar(a, b, []string{"template"}))

	// Unknown fields narrow the sweep instead of widening it.
	assert.False(t, similar(a, a, []string{"subject_line"}))
}

func TestSweeperRegistersJobs(t *testing.T) {
	store := testApprovalStore(t)

	sweeper, err := NewSweeper(store, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sweeper.Entries(), "expiry job only when no trace store is wired")
}

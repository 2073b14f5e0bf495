package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/autopilot/events"
	"github.com/c360studio/autopilot/vault"
)

func newTestWorkflow(t *testing.T) (*Workflow, *vault.Manager, *events.Bus) {
	t.Helper()
	v := vault.NewManager(t.TempDir(), "")
	require.NoError(t, v.Initialize(context.Background()))
	bus := events.New()
	return New(v, bus, ""), v, bus
}

func TestCreateEmitsPending(t *testing.T) {
	// S6: create writes to Pending_Approval and emits approval:pending.
	w, v, bus := newTestWorkflow(t)
	ctx := context.Background()

	var event map[string]any
	bus.On(events.TopicApprovalPending, func(topic string, data map[string]any) {
		event = data
	})

	req, err := w.Create(ctx, CreateParams{
		ActionType: "send_email",
		ActionData: map[string]any{"to": "boss@example.com"},
		Summary:    "Send the weekly report",
		UserID:     "u1",
		RiskLevel:  RiskHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	doc, err := v.Read(ctx, vault.FolderPendingApproval, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "send_email", doc.Content["action_type"])
	assert.Equal(t, "pending", doc.Content["status"])

	require.NotNil(t, event)
	assert.Equal(t, req.ID, event["id"])
	assert.Equal(t, "send_email", event["actionType"])
	assert.Equal(t, "high", event["riskLevel"])
}

func TestCreateRequiresActionType(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	_, err := w.Create(context.Background(), CreateParams{Summary: "nameless"})
	assert.Error(t, err)
}

func TestApprove(t *testing.T) {
	w, v, bus := newTestWorkflow(t)
	ctx := context.Background()

	var resolved map[string]any
	bus.On(events.TopicApprovalResolved, func(topic string, data map[string]any) {
		resolved = data
	})

	req, err := w.Create(ctx, CreateParams{ActionType: "send_email", Summary: "s", UserID: "u1"})
	require.NoError(t, err)

	content, err := w.Approve(ctx, req.ID, "approver-1", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, "approved", content["status"])
	assert.Equal(t, "approver-1", content["approver_id"])

	// Document lives in Approved now.
	doc, err := v.Read(ctx, vault.FolderApproved, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", doc.Content["status"])
	_, err = v.Read(ctx, vault.FolderPendingApproval, req.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.NotNil(t, resolved)
	assert.Equal(t, "approved", resolved["status"])

	// Second approve finds nothing to move.
	_, err = w.Approve(ctx, req.ID, "approver-1", "")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestReject(t *testing.T) {
	w, v, bus := newTestWorkflow(t)
	ctx := context.Background()

	var resolved map[string]any
	bus.On(events.TopicApprovalResolved, func(topic string, data map[string]any) {
		resolved = data
	})

	req, err := w.Create(ctx, CreateParams{ActionType: "delete_calendar", Summary: "s", UserID: "u1"})
	require.NoError(t, err)

	t.Run("reason is required", func(t *testing.T) {
		_, err := w.Reject(ctx, req.ID, "r1", "")
		assert.Error(t, err)
	})

	content, err := w.Reject(ctx, req.ID, "r1", "too risky")
	require.NoError(t, err)
	assert.Equal(t, "rejected", content["status"])
	assert.Equal(t, "too risky", content["rejection_reason"])

	_, err = v.Read(ctx, vault.FolderRejected, req.ID)
	require.NoError(t, err)

	require.NotNil(t, resolved)
	assert.Equal(t, "rejected", resolved["status"])
	assert.Equal(t, "too risky", resolved["reason"])
}

func TestApproveResumesGatedTask(t *testing.T) {
	// A task document parked by the loop's HITL gate carries a capability
	// type; approving it returns it to Needs_Action rather than archiving
	// it, so the dispatch path picks it up next cycle.
	w, v, bus := newTestWorkflow(t)
	ctx := context.Background()

	var resolved map[string]any
	bus.On(events.TopicApprovalResolved, func(topic string, data map[string]any) {
		resolved = data
	})

	_, err := v.Create(ctx, vault.FolderPendingApproval, "t9", map[string]any{
		"id":                "t9",
		"type":              "email:send",
		"payload":           map[string]any{"to": "x@example.com"},
		"requires_approval": true,
		"user_id":           "u1",
		"status":            "awaiting_approval",
	})
	require.NoError(t, err)

	content, err := w.Approve(ctx, "t9", "boss", "go ahead")
	require.NoError(t, err)
	assert.Equal(t, "approved", content["status"])

	doc, err := v.Read(ctx, vault.FolderNeedsAction, "t9")
	require.NoError(t, err)
	assert.Equal(t, "approved", doc.Content["status"])
	assert.Equal(t, "boss", doc.Content["approver_id"])

	// The task resumed; it is not archived as an approval record.
	_, err = v.Read(ctx, vault.FolderApproved, "t9")
	assert.ErrorIs(t, err, vault.ErrNotFound)
	_, err = v.Read(ctx, vault.FolderPendingApproval, "t9")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.NotNil(t, resolved)
	assert.Equal(t, "approved", resolved["status"])

	// Idempotency holds for resumed tasks too.
	_, err = w.Approve(ctx, "t9", "boss", "")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestRejectMissing(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	_, err := w.Reject(context.Background(), "ghost", "r1", "reason")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestList(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	for i, user := range []string{"u1", "u2", "u1"} {
		_, err := w.Create(ctx, CreateParams{
			ActionType: "send_email",
			Summary:    "s",
			UserID:     user,
		})
		require.NoError(t, err, "create %d", i)
	}

	t.Run("all pending", func(t *testing.T) {
		all, err := w.List(ctx, StatusPending, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("filter by user", func(t *testing.T) {
		mine, err := w.List(ctx, StatusPending, "u1", 0)
		require.NoError(t, err)
		assert.Len(t, mine, 2)
	})

	t.Run("limit", func(t *testing.T) {
		capped, err := w.List(ctx, StatusPending, "", 1)
		require.NoError(t, err)
		assert.Len(t, capped, 1)
	})

	t.Run("approved folder starts empty", func(t *testing.T) {
		approved, err := w.List(ctx, StatusApproved, "", 0)
		require.NoError(t, err)
		assert.Empty(t, approved)
	})
}

func TestGetProbesAllFolders(t *testing.T) {
	w, _, _ := newTestWorkflow(t)
	ctx := context.Background()

	pending, err := w.Create(ctx, CreateParams{ActionType: "a", Summary: "s", UserID: "u"})
	require.NoError(t, err)
	approvedReq, err := w.Create(ctx, CreateParams{ActionType: "b", Summary: "s", UserID: "u"})
	require.NoError(t, err)
	_, err = w.Approve(ctx, approvedReq.ID, "boss", "")
	require.NoError(t, err)

	got, err := w.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])

	got, err = w.Get(ctx, approvedReq.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", got["status"])

	_, err = w.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, vault.ErrNotFound))
}

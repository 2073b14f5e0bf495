// Package approval implements the human-in-the-loop workflow over the
// workspace folders: requests are created in Pending_Approval and resolved by
// an atomic move to Approved or Rejected.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/autopilot/events"
	"github.com/c360studio/autopilot/logging"
	"github.com/c360studio/autopilot/vault"
)

// RiskLevel grades how consequential an action is for a human reviewer.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Status is the resolution state of an approval request.
type Status string

// Approval statuses.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 20

// CreateParams describes a new approval request.
type CreateParams struct {
	ActionType    string
	ActionData    map[string]any
	Summary       string
	UserID        string
	AgentName     string
	RiskLevel     RiskLevel
	CorrelationID string
}

// Request is a created approval request.
type Request struct {
	ID         string
	ActionType string
	Summary    string
	RiskLevel  RiskLevel
	Status     Status
	CreatedAt  time.Time
}

// Workflow drives the approval state machine.
type Workflow struct {
	vault  *vault.Manager
	bus    *events.Bus
	logger *logging.Logger
}

// New creates a workflow over the given workspace. bus may be nil to use the
// global bus.
func New(v *vault.Manager, bus *events.Bus, logRoot string) *Workflow {
	if bus == nil {
		bus = events.Global()
	}
	return &Workflow{
		vault:  v,
		bus:    bus,
		logger: logging.New("approval:workflow", logRoot),
	}
}

// Create writes a pending request and emits approval:pending.
func (w *Workflow) Create(ctx context.Context, params CreateParams) (*Request, error) {
	if params.ActionType == "" {
		return nil, fmt.Errorf("action_type is required")
	}
	if params.RiskLevel == "" {
		params.RiskLevel = RiskMedium
	}
	if params.ActionData == nil {
		params.ActionData = map[string]any{}
	}

	id := uuid.New().String()
	now := time.Now()

	content := map[string]any{
		"id":             id,
		"action_type":    params.ActionType,
		"action_data":    params.ActionData,
		"summary":        params.Summary,
		"user_id":        params.UserID,
		"agent_name":     params.AgentName,
		"risk_level":     string(params.RiskLevel),
		"status":         string(StatusPending),
		"created_at":     now.Format(time.RFC3339Nano),
		"correlation_id": params.CorrelationID,
	}

	if _, err := w.vault.Create(ctx, vault.FolderPendingApproval, id, content); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	w.bus.Emit(events.TopicApprovalPending, map[string]any{
		"id":         id,
		"actionType": params.ActionType,
		"summary":    params.Summary,
		"riskLevel":  string(params.RiskLevel),
	})

	w.logger.Info(ctx, "create_approval", logging.Data{
		Output: map[string]any{"approvalId": id, "actionType": params.ActionType},
	})

	return &Request{
		ID:         id,
		ActionType: params.ActionType,
		Summary:    params.Summary,
		RiskLevel:  params.RiskLevel,
		Status:     StatusPending,
		CreatedAt:  now,
	}, nil
}

// Approve resolves a pending request and emits approval:resolved. Plain
// approval requests are archived in Approved; a diverted task document
// instead returns to Needs_Action with status approved, so the next loop
// cycle dispatches it. A request that was already resolved (or never
// existed) yields vault.ErrNotFound, which makes a second Approve naturally
// idempotent-safe.
func (w *Workflow) Approve(ctx context.Context, approvalID, approverID, notes string) (map[string]any, error) {
	pending, err := w.vault.Read(ctx, vault.FolderPendingApproval, approvalID)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", approvalID, err)
	}

	dest := vault.FolderApproved
	if isTaskDocument(pending.Content) {
		dest = vault.FolderNeedsAction
	}

	now := time.Now()
	patch := map[string]any{
		"status":         string(StatusApproved),
		"approved_at":    now.Format(time.RFC3339Nano),
		"approver_id":    approverID,
		"approval_notes": notes,
	}

	doc, err := w.vault.Move(ctx, approvalID, vault.FolderPendingApproval, dest, patch)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", approvalID, err)
	}

	w.bus.Emit(events.TopicApprovalResolved, map[string]any{
		"id":         approvalID,
		"status":     string(StatusApproved),
		"approverId": approverID,
	})

	w.logger.Info(ctx, "approve", logging.Data{
		Output: map[string]any{"approvalId": approvalID},
	})
	return doc.Content, nil
}

// Reject moves a pending request to Rejected and emits approval:resolved.
// A reason is required.
func (w *Workflow) Reject(ctx context.Context, approvalID, rejectorID, reason string) (map[string]any, error) {
	if reason == "" {
		return nil, fmt.Errorf("rejection reason is required")
	}

	now := time.Now()
	patch := map[string]any{
		"status":           string(StatusRejected),
		"rejected_at":      now.Format(time.RFC3339Nano),
		"rejector_id":      rejectorID,
		"rejection_reason": reason,
	}

	doc, err := w.vault.Move(ctx, approvalID, vault.FolderPendingApproval, vault.FolderRejected, patch)
	if err != nil {
		return nil, fmt.Errorf("reject %s: %w", approvalID, err)
	}

	w.bus.Emit(events.TopicApprovalResolved, map[string]any{
		"id":         approvalID,
		"status":     string(StatusRejected),
		"rejectorId": rejectorID,
		"reason":     reason,
	})

	w.logger.Info(ctx, "reject", logging.Data{
		Output: map[string]any{"approvalId": approvalID, "reason": reason},
	})
	return doc.Content, nil
}

// List reads the folder matching status, optionally filters by user, and
// returns up to limit request documents.
func (w *Workflow) List(ctx context.Context, status Status, userID string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	folder, err := folderFor(status)
	if err != nil {
		return nil, err
	}

	ids, err := w.vault.List(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}

	requests := make([]map[string]any, 0, limit)
	for _, id := range ids {
		if len(requests) >= limit {
			break
		}
		doc, err := w.vault.Read(ctx, folder, id)
		if err != nil {
			continue // raced with a resolution; skip
		}
		if userID != "" {
			if owner, _ := doc.Content["user_id"].(string); owner != userID {
				continue
			}
		}
		requests = append(requests, doc.Content)
	}
	return requests, nil
}

// Get probes the pending, approved and rejected folders in order and returns
// the first hit, or vault.ErrNotFound.
func (w *Workflow) Get(ctx context.Context, approvalID string) (map[string]any, error) {
	for _, folder := range []vault.Folder{
		vault.FolderPendingApproval,
		vault.FolderApproved,
		vault.FolderRejected,
	} {
		doc, err := w.vault.Read(ctx, folder, approvalID)
		if err == nil {
			return doc.Content, nil
		}
	}
	return nil, fmt.Errorf("get approval %s: %w", approvalID, vault.ErrNotFound)
}

// isTaskDocument distinguishes a task diverted by the loop's HITL gate from
// a plain approval request; only task documents carry a capability type.
func isTaskDocument(content map[string]any) bool {
	t, ok := content["type"].(string)
	return ok && t != ""
}

func folderFor(status Status) (vault.Folder, error) {
	switch status {
	case StatusPending, "":
		return vault.FolderPendingApproval, nil
	case StatusApproved:
		return vault.FolderApproved, nil
	case StatusRejected:
		return vault.FolderRejected, nil
	default:
		return "", fmt.Errorf("unknown approval status: %s", status)
	}
}

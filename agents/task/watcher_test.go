package task

import (
	"context"
	"testing"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/vault"
)

func newTestWatcher(t *testing.T) (*Watcher, *vault.Manager) {
	t.Helper()
	v := vault.NewManager(t.TempDir(), "")
	if err := v.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return New(v, ""), v
}

func payloadTask(taskType string, payload map[string]any) *agent.Task {
	return agent.NewTask(taskType, "u1", payload)
}

func mustSucceed(t *testing.T, w *Watcher, task *agent.Task) *agent.Result {
	t.Helper()
	result, err := w.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	return result
}

func TestCreateAndList(t *testing.T) {
	w, v := newTestWatcher(t)
	ctx := context.Background()

	result := mustSucceed(t, w, payloadTask("task:create", map[string]any{
		"title":    "Write the report",
		"priority": "high",
	}))
	id, _ := result.Data["task_id"].(string)
	if id == "" {
		t.Fatal("expected task_id")
	}

	doc, err := v.Read(ctx, vault.FolderPlans, id)
	if err != nil {
		t.Fatalf("read plan: %v", err)
	}
	if doc.Content["title"] != "Write the report" {
		t.Errorf("expected title persisted, got %v", doc.Content["title"])
	}
	if doc.Content["status"] != "open" {
		t.Errorf("expected open status, got %v", doc.Content["status"])
	}

	listed := mustSucceed(t, w, payloadTask("task:list", nil))
	if listed.Data["count"] != 1 {
		t.Errorf("expected 1 item, got %v", listed.Data["count"])
	}
}

func TestCreateRequiresTitle(t *testing.T) {
	w, _ := newTestWatcher(t)

	result, err := w.Execute(context.Background(), payloadTask("task:create", nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorCode() != "BAD_INPUT" {
		t.Errorf("expected BAD_INPUT, got %s", result.ErrorCode())
	}
	if result.Err.Recoverable {
		t.Error("expected non-recoverable")
	}
}

func TestComplete(t *testing.T) {
	w, v := newTestWatcher(t)
	ctx := context.Background()

	created := mustSucceed(t, w, payloadTask("task:create", map[string]any{"title": "x"}))
	id := created.Data["task_id"].(string)

	completed := mustSucceed(t, w, payloadTask("task:complete", map[string]any{"task_id": id}))
	if completed.Data["status"] != "completed" {
		t.Errorf("expected completed, got %v", completed.Data["status"])
	}

	if _, err := v.Read(ctx, vault.FolderDone, id); err != nil {
		t.Errorf("expected item in Done: %v", err)
	}

	// Completing again finds nothing.
	again, err := w.Execute(ctx, payloadTask("task:complete", map[string]any{"task_id": id}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if again.ErrorCode() != agent.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", again.ErrorCode())
	}
}

func TestListFiltersByStatus(t *testing.T) {
	w, _ := newTestWatcher(t)

	mustSucceed(t, w, payloadTask("task:create", map[string]any{"title": "a"}))
	created := mustSucceed(t, w, payloadTask("task:create", map[string]any{"title": "b"}))
	mustSucceed(t, w, payloadTask("task:complete", map[string]any{
		"task_id": created.Data["task_id"],
	}))

	open := mustSucceed(t, w, payloadTask("task:list", map[string]any{"status": "open"}))
	if open.Data["count"] != 1 {
		t.Errorf("expected 1 open item, got %v", open.Data["count"])
	}
}

func TestDelete(t *testing.T) {
	w, _ := newTestWatcher(t)

	created := mustSucceed(t, w, payloadTask("task:create", map[string]any{"title": "x"}))
	id := created.Data["task_id"].(string)

	mustSucceed(t, w, payloadTask("task:delete", map[string]any{"task_id": id}))

	gone, err := w.Execute(context.Background(), payloadTask("task:delete", map[string]any{"task_id": id}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gone.ErrorCode() != agent.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", gone.ErrorCode())
	}
}

func TestUnknownType(t *testing.T) {
	w, _ := newTestWatcher(t)

	result, err := w.Execute(context.Background(), payloadTask("task:explode", nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ErrorCode() != agent.CodeUnknownTaskType {
		t.Errorf("expected UNKNOWN_TASK_TYPE, got %s", result.ErrorCode())
	}
	if result.Err.Recoverable {
		t.Error("expected non-recoverable")
	}
}

func TestCanHandle(t *testing.T) {
	w, _ := newTestWatcher(t)

	if !w.CanHandle(&agent.Task{Type: "task:create"}) {
		t.Error("expected task:create handled")
	}
	if w.CanHandle(&agent.Task{Type: "news:fetch"}) {
		t.Error("expected news:fetch not handled")
	}
}

// The behaviour behind the task:delete RequiresApproval flag — diversion to
// Pending_Approval and resumption on approve — is exercised end to end in
// the loop package's approval-gate tests.

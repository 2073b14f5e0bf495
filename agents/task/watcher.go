// Package task implements the to-do management agent. Items live as
// workspace documents in Plans and move to Done when completed, so the
// to-do list shares the platform's folder lifecycle.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/logging"
	"github.com/c360studio/autopilot/vault"
)

const defaultListLimit = 50

// Watcher manages to-do items over the workspace.
type Watcher struct {
	*agent.Base
	vault *vault.Manager
}

// New creates the task agent over the given workspace.
func New(v *vault.Manager, logRoot string) *Watcher {
	return &Watcher{
		Base:  agent.NewBase("task", "1.0.0", "Manages to-do items and task lists", logRoot),
		vault: v,
	}
}

// Capabilities lists the task-management surface.
func (w *Watcher) Capabilities() []agent.Capability {
	return []agent.Capability{
		{
			Name:        "task:create",
			Description: "Create a new to-do item",
			Priority:    agent.PriorityMedium,
			TimeoutMS:   agent.DefaultTimeoutMS,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"priority":    map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "critical"}},
					"due_date":    map[string]any{"type": "string", "format": "date-time"},
				},
				"required": []any{"title"},
			},
		},
		{
			Name:        "task:complete",
			Description: "Mark a to-do item complete",
			Priority:    agent.PriorityMedium,
			TimeoutMS:   agent.DefaultTimeoutMS,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{"type": "string"},
				},
				"required": []any{"task_id"},
			},
		},
		{
			Name:        "task:list",
			Description: "List to-do items with optional filters",
			Priority:    agent.PriorityLow,
			TimeoutMS:   agent.DefaultTimeoutMS,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string"},
					"limit":  map[string]any{"type": "integer"},
				},
			},
		},
		{
			Name:             "task:delete",
			Description:      "Delete a to-do item",
			RequiresApproval: true,
			Priority:         agent.PriorityMedium,
			TimeoutMS:        agent.DefaultTimeoutMS,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{"type": "string"},
				},
				"required": []any{"task_id"},
			},
		},
	}
}

// CanHandle reports capability-table membership.
func (w *Watcher) CanHandle(task *agent.Task) bool {
	return agent.CanHandleWith(w.Capabilities(), task)
}

// Execute routes the task to its operation.
func (w *Watcher) Execute(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	w.Logger().Info(ctx, "execute:"+task.Type, logging.Data{
		Input: map[string]any{"taskId": task.ID},
	})

	var result *agent.Result
	switch task.Type {
	case "task:create":
		result = w.create(ctx, task)
	case "task:complete":
		result = w.complete(ctx, task)
	case "task:list":
		result = w.list(ctx, task)
	case "task:delete":
		result = w.delete(ctx, task)
	default:
		result = agent.Fail(agent.CodeUnknownTaskType,
			fmt.Sprintf("unknown task type: %s", task.Type), false)
	}

	if result.Success {
		w.RecordCompletion()
	}
	return result, nil
}

func (w *Watcher) create(ctx context.Context, task *agent.Task) *agent.Result {
	title, _ := task.Payload["title"].(string)
	if title == "" {
		return agent.Fail("BAD_INPUT", "title is required", false)
	}
	description, _ := task.Payload["description"].(string)
	dueDate, _ := task.Payload["due_date"].(string)
	priority := agent.ParsePriority(stringFrom(task.Payload, "priority"))

	id := uuid.New().String()
	content := map[string]any{
		"id":          id,
		"title":       title,
		"description": description,
		"priority":    string(priority),
		"due_date":    dueDate,
		"status":      "open",
		"user_id":     task.UserID,
		"created_at":  time.Now().Format(time.RFC3339Nano),
	}

	if _, err := w.vault.Create(ctx, vault.FolderPlans, id, content); err != nil {
		return agent.Fail(agent.CodeExecutionError, err.Error(), true)
	}

	return agent.Succeed(map[string]any{"task_id": id, "status": "open"})
}

func (w *Watcher) complete(ctx context.Context, task *agent.Task) *agent.Result {
	id, _ := task.Payload["task_id"].(string)
	if id == "" {
		return agent.Fail("BAD_INPUT", "task_id is required", false)
	}

	doc, err := w.vault.Move(ctx, id, vault.FolderPlans, vault.FolderDone, map[string]any{
		"status":       "completed",
		"completed_at": time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return agent.Fail(agent.CodeNotFound,
				fmt.Sprintf("task not found: %s", id), false)
		}
		return agent.Fail(agent.CodeExecutionError, err.Error(), true)
	}

	return agent.Succeed(map[string]any{
		"task_id":      id,
		"status":       "completed",
		"completed_at": doc.Content["completed_at"],
	})
}

func (w *Watcher) list(ctx context.Context, task *agent.Task) *agent.Result {
	limit := defaultListLimit
	if n, ok := task.Payload["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}
	statusFilter, _ := task.Payload["status"].(string)

	ids, err := w.vault.List(ctx, vault.FolderPlans)
	if err != nil {
		return agent.Fail(agent.CodeExecutionError, err.Error(), true)
	}

	items := make([]any, 0, len(ids))
	for _, id := range ids {
		if len(items) >= limit {
			break
		}
		doc, err := w.vault.Read(ctx, vault.FolderPlans, id)
		if err != nil {
			continue
		}
		if statusFilter != "" {
			if status, _ := doc.Content["status"].(string); status != statusFilter {
				continue
			}
		}
		items = append(items, doc.Content)
	}

	return agent.Succeed(map[string]any{"tasks": items, "count": len(items)})
}

func (w *Watcher) delete(ctx context.Context, task *agent.Task) *agent.Result {
	id, _ := task.Payload["task_id"].(string)
	if id == "" {
		return agent.Fail("BAD_INPUT", "task_id is required", false)
	}

	if err := w.vault.Delete(ctx, vault.FolderPlans, id); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return agent.Fail(agent.CodeNotFound,
				fmt.Sprintf("task not found: %s", id), false)
		}
		return agent.Fail(agent.CodeExecutionError, err.Error(), true)
	}

	return agent.Succeed(map[string]any{"task_id": id, "deleted": true})
}

func stringFrom(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

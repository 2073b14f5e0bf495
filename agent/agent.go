// Package agent defines the worker contract: the capability surface every
// pluggable executor advertises, the task and result types that cross it, and
// the error taxonomy the control plane understands.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority is a task priority level.
type Priority string

// Priority levels.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ParsePriority converts a string to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if p.Valid() {
		return p
	}
	return PriorityMedium
}

// Status is a task lifecycle status.
type Status string

// Task statuses. completed, failed and rejected are terminal.
const (
	StatusCreated          Status = "created"
	StatusQueued           Status = "queued"
	StatusDispatched       Status = "dispatched"
	StatusExecuting        Status = "executing"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// DefaultTimeoutMS is the task timeout applied when none is specified.
const DefaultTimeoutMS = 30000

// Error codes understood by the control plane.
const (
	CodeUnknownTaskType  = "UNKNOWN_TASK_TYPE"
	CodeNoAgentAvailable = "NO_AGENT_AVAILABLE"
	CodeNotFound         = "NOT_FOUND"
	CodeExecutionError   = "EXECUTION_ERROR"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeDispatchError    = "DISPATCH_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
)

// Capability describes one action an agent can perform. Name equals a task
// type of the form domain:action. Schemas are opaque to the control plane.
type Capability struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	RequiresApproval bool           `json:"requires_approval"`
	Priority         Priority       `json:"priority"`
	TimeoutMS        int64          `json:"timeout"`
	InputSchema      map[string]any `json:"input_schema,omitempty"`
	OutputSchema     map[string]any `json:"output_schema,omitempty"`
}

// Task is a unit of work addressed to a capability.
type Task struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Priority         Priority       `json:"priority"`
	Payload          map[string]any `json:"payload"`
	TimeoutMS        int64          `json:"timeout"`
	RequiresApproval bool           `json:"requires_approval"`
	CorrelationID    string         `json:"correlation_id"`
	UserID           string         `json:"user_id"`
	CreatedAt        time.Time      `json:"created_at"`
	Status           Status         `json:"status"`
}

// NewTask creates a task with generated id and correlation id and defaults.
func NewTask(taskType, userID string, payload map[string]any) *Task {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Task{
		ID:            uuid.New().String(),
		Type:          taskType,
		Priority:      PriorityMedium,
		Payload:       payload,
		TimeoutMS:     DefaultTimeoutMS,
		CorrelationID: uuid.New().String(),
		UserID:        userID,
		CreatedAt:     time.Now(),
		Status:        StatusCreated,
	}
}

// Timeout returns the task deadline as a duration.
func (t *Task) Timeout() time.Duration {
	if t.TimeoutMS <= 0 {
		return DefaultTimeoutMS * time.Millisecond
	}
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// ToContent serialises the task into a workspace document content map.
func (t *Task) ToContent() map[string]any {
	return map[string]any{
		"id":                t.ID,
		"type":              t.Type,
		"priority":          string(t.Priority),
		"payload":           t.Payload,
		"timeout":           t.TimeoutMS,
		"requires_approval": t.RequiresApproval,
		"correlation_id":    t.CorrelationID,
		"user_id":           t.UserID,
		"created_at":        t.CreatedAt.Format(time.RFC3339Nano),
		"status":            string(t.Status),
	}
}

// TaskFromContent parses a task from a workspace document. Missing fields
// fall back to defaults; fallbackID supplies the id when the document omits
// one. defaultTimeoutMS of 0 means DefaultTimeoutMS.
func TaskFromContent(content map[string]any, fallbackID string, defaultTimeoutMS int64) (*Task, error) {
	taskType, _ := content["type"].(string)
	if taskType == "" {
		return nil, fmt.Errorf("task document missing type")
	}
	if defaultTimeoutMS <= 0 {
		defaultTimeoutMS = DefaultTimeoutMS
	}

	task := &Task{
		ID:            stringOr(content["id"], fallbackID),
		Type:          taskType,
		Priority:      ParsePriority(stringOr(content["priority"], "medium")),
		Payload:       mapOr(content["payload"]),
		TimeoutMS:     int64Or(content["timeout"], defaultTimeoutMS),
		CorrelationID: stringOr(content["correlation_id"], uuid.New().String()),
		UserID:        stringOr(content["user_id"], "system"),
		Status:        Status(stringOr(content["status"], string(StatusQueued))),
	}
	if b, ok := content["requires_approval"].(bool); ok {
		task.RequiresApproval = b
	}
	if s, ok := content["created_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			task.CreatedAt = ts
		} else if ts, err := time.Parse(time.RFC3339, s); err == nil {
			task.CreatedAt = ts
		}
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	return task, nil
}

// Error is a value-typed execution failure. Worker failures never escape the
// retry executor as Go errors; they travel inside results.
type Error struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Recoverable  bool   `json:"recoverable"`
	RetryAfterMS int64  `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// HTTPError builds an Error for an upstream HTTP status. Server-side
// failures (5xx) are recoverable; client-side failures are not.
func HTTPError(status int, message string) *Error {
	return &Error{
		Code:        fmt.Sprintf("HTTP_%d", status),
		Message:     message,
		Recoverable: status >= 500,
	}
}

// Result is the outcome of one execution.
type Result struct {
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data,omitempty"`
	Err             *Error         `json:"error,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time"`
}

// Succeed builds a successful result.
func Succeed(data map[string]any) *Result {
	return &Result{Success: true, Data: data}
}

// Fail builds a failed result.
func Fail(code, message string, recoverable bool) *Result {
	return &Result{
		Success: false,
		Err:     &Error{Code: code, Message: message, Recoverable: recoverable},
	}
}

// FailWith builds a failed result from an existing error value.
func FailWith(err *Error) *Result {
	return &Result{Success: false, Err: err}
}

// ErrorCode returns the failure code, or an empty string on success.
func (r *Result) ErrorCode() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Code
}

// Health is an agent health snapshot.
type Health struct {
	Healthy   bool           `json:"healthy"`
	LastCheck time.Time      `json:"last_check"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Agent is the contract every worker implements. The control plane never
// inspects worker internals; it holds only this surface.
type Agent interface {
	Name() string
	Version() string
	Capabilities() []Capability

	Initialize(ctx context.Context) error
	Execute(ctx context.Context, task *Task) (*Result, error)
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) (Health, error)
	CanHandle(task *Task) bool
}

// SafeExecute runs an agent's Execute with panic capture and execution-time
// stamping. A panic surfaces as a recoverable DISPATCH_ERROR result.
func SafeExecute(ctx context.Context, a Agent, task *Task) (result *Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Fail(CodeDispatchError, fmt.Sprintf("agent %s panicked: %v", a.Name(), r), true)
		}
		if result != nil && result.ExecutionTimeMS == 0 {
			result.ExecutionTimeMS = time.Since(start).Milliseconds()
		}
	}()

	res, err := a.Execute(ctx, task)
	if err != nil {
		return Fail(CodeDispatchError, err.Error(), true)
	}
	if res == nil {
		return Fail(CodeExecutionError, "agent returned no result", true)
	}
	return res
}

// CanHandleWith is the default capability-table membership check used by
// agents built on Base.
func CanHandleWith(caps []Capability, task *Task) bool {
	for _, c := range caps {
		if c.Name == task.Type {
			return true
		}
	}
	return false
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func mapOr(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// int64Or accepts the numeric shapes JSON decoding produces.
func int64Or(v any, fallback int64) int64 {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int64(n)
		}
	case int64:
		if n > 0 {
			return n
		}
	case int:
		if n > 0 {
			return int64(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}

package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskFromContent(t *testing.T) {
	t.Run("full document", func(t *testing.T) {
		created := time.Now().Add(-time.Minute).Format(time.RFC3339Nano)
		task, err := TaskFromContent(map[string]any{
			"id":                "t1",
			"type":              "calendar:fetch",
			"priority":          "high",
			"payload":           map[string]any{"range": "today"},
			"timeout":           float64(5000),
			"requires_approval": true,
			"correlation_id":    "corr-1",
			"user_id":           "u1",
			"created_at":        created,
		}, "fallback", 0)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if task.ID != "t1" {
			t.Errorf("expected id t1, got %s", task.ID)
		}
		if task.Priority != PriorityHigh {
			t.Errorf("expected high priority, got %s", task.Priority)
		}
		if task.TimeoutMS != 5000 {
			t.Errorf("expected timeout 5000, got %d", task.TimeoutMS)
		}
		if !task.RequiresApproval {
			t.Error("expected requires_approval")
		}
		if task.CreatedAt.IsZero() {
			t.Error("expected created_at parsed")
		}
	})

	t.Run("minimal document uses defaults", func(t *testing.T) {
		task, err := TaskFromContent(map[string]any{"type": "news:fetch"}, "doc-7", 0)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if task.ID != "doc-7" {
			t.Errorf("expected fallback id, got %s", task.ID)
		}
		if task.Priority != PriorityMedium {
			t.Errorf("expected medium priority, got %s", task.Priority)
		}
		if task.TimeoutMS != DefaultTimeoutMS {
			t.Errorf("expected default timeout, got %d", task.TimeoutMS)
		}
		if task.CorrelationID == "" {
			t.Error("expected generated correlation id")
		}
		if task.UserID != "system" {
			t.Errorf("expected system user, got %s", task.UserID)
		}
	})

	t.Run("missing type is rejected", func(t *testing.T) {
		if _, err := TaskFromContent(map[string]any{"payload": map[string]any{}}, "x", 0); err == nil {
			t.Error("expected error for missing type")
		}
	})

	t.Run("unknown priority normalises to medium", func(t *testing.T) {
		task, err := TaskFromContent(map[string]any{"type": "a:b", "priority": "urgent"}, "x", 0)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if task.Priority != PriorityMedium {
			t.Errorf("expected medium, got %s", task.Priority)
		}
	})
}

func TestTaskRoundTrip(t *testing.T) {
	task := NewTask("email:send", "u1", map[string]any{"to": "x@example.com"})
	task.Priority = PriorityCritical

	parsed, err := TaskFromContent(task.ToContent(), "", 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ID != task.ID || parsed.Type != task.Type || parsed.Priority != task.Priority {
		t.Errorf("round trip mismatch: %+v vs %+v", parsed, task)
	}
}

func TestHTTPError(t *testing.T) {
	if !HTTPError(503, "unavailable").Recoverable {
		t.Error("expected 5xx to be recoverable")
	}
	if HTTPError(404, "missing").Recoverable {
		t.Error("expected 4xx to be non-recoverable")
	}
	if code := HTTPError(502, "bad gateway").Code; code != "HTTP_502" {
		t.Errorf("expected HTTP_502, got %s", code)
	}
}

type panickyAgent struct{ *Base }

func (a *panickyAgent) Capabilities() []Capability { return nil }
func (a *panickyAgent) CanHandle(task *Task) bool  { return true }
func (a *panickyAgent) Execute(ctx context.Context, task *Task) (*Result, error) {
	panic("boom")
}

type erroringAgent struct{ *Base }

func (a *erroringAgent) Capabilities() []Capability { return nil }
func (a *erroringAgent) CanHandle(task *Task) bool  { return true }
func (a *erroringAgent) Execute(ctx context.Context, task *Task) (*Result, error) {
	return nil, errors.New("wire fell out")
}

func TestSafeExecute(t *testing.T) {
	task := NewTask("x:y", "u", nil)

	t.Run("panic becomes dispatch error", func(t *testing.T) {
		a := &panickyAgent{Base: NewBase("panicky", "1.0.0", "", "")}
		res := SafeExecute(context.Background(), a, task)
		if res.Success {
			t.Fatal("expected failure")
		}
		if res.ErrorCode() != CodeDispatchError {
			t.Errorf("expected DISPATCH_ERROR, got %s", res.ErrorCode())
		}
		if !res.Err.Recoverable {
			t.Error("expected recoverable")
		}
	})

	t.Run("error becomes dispatch error", func(t *testing.T) {
		a := &erroringAgent{Base: NewBase("erroring", "1.0.0", "", "")}
		res := SafeExecute(context.Background(), a, task)
		if res.ErrorCode() != CodeDispatchError {
			t.Errorf("expected DISPATCH_ERROR, got %s", res.ErrorCode())
		}
		if res.ExecutionTimeMS < 0 {
			t.Error("expected non-negative execution time")
		}
	})
}

func TestCanHandleWith(t *testing.T) {
	caps := []Capability{{Name: "task:create"}, {Name: "task:list"}}

	if !CanHandleWith(caps, &Task{Type: "task:create"}) {
		t.Error("expected match")
	}
	if CanHandleWith(caps, &Task{Type: "task:delete"}) {
		t.Error("expected no match")
	}
}

func TestBaseHealth(t *testing.T) {
	b := NewBase("probe", "1.0.0", "test agent", "")
	ctx := context.Background()

	h, err := b.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Healthy {
		t.Error("expected unhealthy before initialize")
	}

	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h, _ = b.HealthCheck(ctx)
	if !h.Healthy {
		t.Error("expected healthy after initialize")
	}

	b.SetHealthy(false, "credentials expired")
	h, _ = b.HealthCheck(ctx)
	if h.Healthy {
		t.Error("expected unhealthy after SetHealthy(false)")
	}
	if h.Error != "credentials expired" {
		t.Errorf("expected health message, got %q", h.Error)
	}
}

func TestLastActivityRelative(t *testing.T) {
	b := NewBase("probe", "1.0.0", "", "")
	b.RecordCompletion()
	if got := b.LastActivityRelative(); got == "" {
		t.Error("expected relative time")
	}
	if b.TasksCompleted() != 1 {
		t.Errorf("expected 1 completion, got %d", b.TasksCompleted())
	}
}

package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/autopilot/agent"
)

type scriptedAgent struct {
	*agent.Base
	calls   atomic.Int64
	execute func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error)
}

func (s *scriptedAgent) Capabilities() []agent.Capability { return nil }
func (s *scriptedAgent) CanHandle(task *agent.Task) bool  { return true }
func (s *scriptedAgent) Execute(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	return s.execute(s.calls.Add(1), ctx, task)
}

// newInstantExecutor returns an executor whose backoff sleeps complete
// immediately, recording requested waits.
func newInstantExecutor(cfg Config) (*Executor, *[]time.Duration) {
	e := New(cfg, "")
	waits := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) bool {
		*waits = append(*waits, d)
		return ctx.Err() == nil
	}
	return e, waits
}

func newTask() *agent.Task {
	t := agent.NewTask("test:run", "u", nil)
	t.TimeoutMS = 1000
	return t
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	e, waits := newInstantExecutor(Config{Attempts: 3})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		return agent.Succeed(map[string]any{"events": []any{}}), nil
	}

	result := e.Run(context.Background(), a, newTask())
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if a.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", a.calls.Load())
	}
	if len(*waits) != 0 {
		t.Errorf("expected no backoff, got %v", *waits)
	}
}

func TestRunRetriesRecoverableUntilExhausted(t *testing.T) {
	// S3: HTTP_503 recoverable three times with three attempts.
	e, waits := newInstantExecutor(Config{Attempts: 3, BackoffMS: 1000})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		return agent.FailWith(agent.HTTPError(503, "service unavailable")), nil
	}

	result := e.Run(context.Background(), a, newTask())
	if result.Success {
		t.Fatal("expected failure")
	}
	if a.calls.Load() != 3 {
		t.Errorf("expected exactly 3 calls, got %d", a.calls.Load())
	}
	if result.ErrorCode() != agent.CodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED, got %s", result.ErrorCode())
	}
	if result.Err.Recoverable {
		t.Error("expected exhausted failure to be terminal")
	}

	// Exponential: 1s then 2s.
	if len(*waits) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", *waits)
	}
	if (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Errorf("expected doubling backoff, got %v", *waits)
	}
}

func TestRunStopsOnNonRecoverable(t *testing.T) {
	// S4: BAD_INPUT non-recoverable stops after one call.
	e, _ := newInstantExecutor(Config{Attempts: 3})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		return agent.Fail("BAD_INPUT", "payload rejected", false), nil
	}

	result := e.Run(context.Background(), a, newTask())
	if a.calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", a.calls.Load())
	}
	if result.ErrorCode() != "BAD_INPUT" {
		t.Errorf("expected BAD_INPUT, got %s", result.ErrorCode())
	}
}

func TestRunRecoversAfterRetry(t *testing.T) {
	e, _ := newInstantExecutor(Config{Attempts: 3})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		if call < 3 {
			return agent.Fail("EXECUTION_ERROR", "transient", true), nil
		}
		return agent.Succeed(nil), nil
	}

	result := e.Run(context.Background(), a, newTask())
	if !result.Success {
		t.Fatalf("expected eventual success, got %v", result.Err)
	}
	if a.calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", a.calls.Load())
	}
}

func TestRunHonoursRetryAfter(t *testing.T) {
	e, waits := newInstantExecutor(Config{Attempts: 2, BackoffMS: 1000})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		return agent.FailWith(&agent.Error{
			Code:         "HTTP_429",
			Message:      "rate limited",
			Recoverable:  true,
			RetryAfterMS: 5000,
		}), nil
	}

	e.Run(context.Background(), a, newTask())
	if len(*waits) != 1 {
		t.Fatalf("expected 1 backoff, got %v", *waits)
	}
	// retry_after dominates the smaller configured backoff.
	if (*waits)[0] != 5*time.Second {
		t.Errorf("expected 5s wait, got %v", (*waits)[0])
	}
}

func TestRunTimeoutIsRetried(t *testing.T) {
	e, _ := newInstantExecutor(Config{Attempts: 2})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		if call == 1 {
			<-ctx.Done() // overrun the deadline
			return nil, ctx.Err()
		}
		return agent.Succeed(nil), nil
	}

	task := newTask()
	task.TimeoutMS = 50

	result := e.Run(context.Background(), a, task)
	if !result.Success {
		t.Fatalf("expected success after timeout retry, got %v", result.Err)
	}
	if a.calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", a.calls.Load())
	}
}

func TestRunTimeoutExhaustion(t *testing.T) {
	e, _ := newInstantExecutor(Config{Attempts: 1})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	task := newTask()
	task.TimeoutMS = 50

	result := e.Run(context.Background(), a, task)
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorCode() != agent.CodeRetryExhausted {
		t.Errorf("expected RETRY_EXHAUSTED, got %s", result.ErrorCode())
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	e := New(Config{Attempts: 3, BackoffMS: 60000}, "")
	// Real ctx-aware sleep; cancel fires while the executor is backing off.
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		return agent.Fail("EXECUTION_ERROR", "transient", true), nil
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := e.Run(ctx, a, newTask())
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("backoff was not interruptible: took %v", elapsed)
	}
	if result.ErrorCode() != agent.CodeCancelled {
		t.Errorf("expected CANCELLED, got %s", result.ErrorCode())
	}
	if a.calls.Load() != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", a.calls.Load())
	}
}

func TestRunPanicIsRecoverableDispatchError(t *testing.T) {
	e, _ := newInstantExecutor(Config{Attempts: 2})
	a := &scriptedAgent{Base: agent.NewBase("s", "1.0.0", "", "")}
	a.execute = func(call int64, ctx context.Context, task *agent.Task) (*agent.Result, error) {
		if call == 1 {
			panic("agent blew up")
		}
		return agent.Succeed(nil), nil
	}

	result := e.Run(context.Background(), a, newTask())
	if !result.Success {
		t.Fatalf("expected success after panic retry, got %v", result.Err)
	}
	if a.calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", a.calls.Load())
	}
}

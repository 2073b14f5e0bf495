// Package executor runs agent invocations under a hard per-task deadline with
// exponential backoff over recoverable failures. Failures never escape as Go
// errors; every outcome is a result value.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/logging"
)

// Config controls the retry policy.
type Config struct {
	// Attempts is the maximum number of executions per dispatch.
	Attempts int
	// BackoffMS is the initial inter-attempt sleep; it doubles per attempt.
	BackoffMS int64
}

// DefaultConfig returns the standard retry policy.
func DefaultConfig() Config {
	return Config{Attempts: 3, BackoffMS: 1000}
}

// Executor retries recoverable failures with exponential backoff.
type Executor struct {
	config Config
	logger *logging.Logger

	// sleep waits for d or until ctx is cancelled, reporting whether the
	// full wait elapsed. Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates an executor. Zero-value config fields fall back to defaults.
func New(config Config, logRoot string) *Executor {
	if config.Attempts <= 0 {
		config.Attempts = DefaultConfig().Attempts
	}
	if config.BackoffMS <= 0 {
		config.BackoffMS = DefaultConfig().BackoffMS
	}
	return &Executor{
		config: config,
		logger: logging.New("loop:executor", logRoot),
		sleep:  sleepCtx,
	}
}

// Run executes the task against the agent, retrying recoverable failures up
// to the attempt limit. Non-recoverable failures return immediately; a
// cancelled context interrupts both attempts and backoff sleeps.
func (e *Executor) Run(ctx context.Context, a agent.Agent, task *agent.Task) *agent.Result {
	backoff := time.Duration(e.config.BackoffMS) * time.Millisecond
	var lastMessage string

	for attempt := 1; attempt <= e.config.Attempts; attempt++ {
		result := e.attempt(ctx, a, task)

		if result.Success {
			return result
		}
		if result.Err != nil && !result.Err.Recoverable {
			return result
		}

		lastMessage = "unknown error"
		wait := backoff
		if result.Err != nil {
			lastMessage = result.Err.Message
			if retryAfter := time.Duration(result.Err.RetryAfterMS) * time.Millisecond; retryAfter > wait {
				wait = retryAfter
			}
		}

		if attempt < e.config.Attempts {
			e.logger.Warn(ctx, "execute:retry", logging.Data{
				Output: map[string]any{
					"taskId":    task.ID,
					"attempt":   attempt,
					"backoffMs": wait.Milliseconds(),
					"error":     lastMessage,
				},
			})
			if !e.sleep(ctx, wait) {
				return agent.Fail(agent.CodeCancelled,
					"execution cancelled during retry backoff", false)
			}
			backoff *= 2
		}
	}

	return agent.Fail(agent.CodeRetryExhausted,
		fmt.Sprintf("failed after %d attempts: %s", e.config.Attempts, lastMessage), false)
}

// attempt runs a single execution bounded by the task timeout. The agent
// call runs on its own goroutine so a worker that ignores cancellation still
// cannot hold the dispatch past its deadline.
func (e *Executor) attempt(ctx context.Context, a agent.Agent, task *agent.Task) *agent.Result {
	attemptCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	ch := make(chan *agent.Result, 1)
	go func() {
		ch <- agent.SafeExecute(attemptCtx, a, task)
	}()

	select {
	case result := <-ch:
		return result
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result := agent.Fail(agent.CodeTimeout,
				fmt.Sprintf("task timed out after %dms", task.TimeoutMS), true)
			result.ExecutionTimeMS = task.TimeoutMS
			return result
		}
		return agent.Fail(agent.CodeCancelled, "execution cancelled", false)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package loop implements the cyclic orchestration driver: scan the
// workspace for task documents, prioritise them, dispatch a bounded set
// concurrently, then refresh health and the dashboard. A single driver
// goroutine owns the cycle state machine; cycles are strictly serial.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/dashboard"
	"github.com/c360studio/autopilot/dispatcher"
	"github.com/c360studio/autopilot/events"
	"github.com/c360studio/autopilot/logging"
	"github.com/c360studio/autopilot/metrics"
	"github.com/c360studio/autopilot/scheduler"
	"github.com/c360studio/autopilot/vault"
)

const stopJoinTimeout = 10 * time.Second

// Config holds the loop's closed option set.
type Config struct {
	CycleIntervalMS    int64
	MaxConcurrentTasks int
	TaskTimeoutMS      int64
	RetryAttempts      int
	RetryBackoffMS     int64
	VaultPath          string
	DashboardPath      string
	LogPath            string
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		CycleIntervalMS:    5000,
		MaxConcurrentTasks: 3,
		TaskTimeoutMS:      30000,
		RetryAttempts:      3,
		RetryBackoffMS:     1000,
		VaultPath:          "./vault",
		DashboardPath:      "./Dashboard.md",
	}
}

// Options carries the loop's collaborators. Bus may be nil to use the global
// bus; Dashboard, Feed and Metrics are optional.
type Options struct {
	Vault      *vault.Manager
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatcher.Dispatcher
	Bus        *events.Bus
	Dashboard  *dashboard.Writer
	Feed       *dashboard.ActivityFeed
	Metrics    *metrics.Metrics
}

// Loop drives the orchestration cycles.
type Loop struct {
	config     Config
	vault      *vault.Manager
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	bus        *events.Bus
	dash       *dashboard.Writer
	feed       *dashboard.ActivityFeed
	metrics    *metrics.Metrics
	logger     *logging.Logger

	mu       sync.Mutex
	state    State
	resumeCh chan struct{} // closed while running; open (blocking) while paused
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped loop.
func New(config Config, opts Options) *Loop {
	if config.CycleIntervalMS <= 0 {
		config.CycleIntervalMS = DefaultConfig().CycleIntervalMS
	}
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = DefaultConfig().MaxConcurrentTasks
	}
	if config.TaskTimeoutMS <= 0 {
		config.TaskTimeoutMS = DefaultConfig().TaskTimeoutMS
	}

	bus := opts.Bus
	if bus == nil {
		bus = events.Global()
	}

	return &Loop{
		config:     config,
		vault:      opts.Vault,
		scheduler:  opts.Scheduler,
		dispatcher: opts.Dispatcher,
		bus:        bus,
		dash:       opts.Dashboard,
		feed:       opts.Feed,
		metrics:    opts.Metrics,
		logger:     logging.New("loop:driver", config.LogPath),
		state:      State{Status: StatusStopped, Phase: PhaseIdle},
	}
}

// State returns a snapshot of the loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start initialises the workspace and launches the driver goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status != StatusStopped {
		l.mu.Unlock()
		return fmt.Errorf("loop already %s", l.state.Status)
	}

	if err := l.vault.Initialize(ctx); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("initialize vault: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.resumeCh = closedChan()
	l.state.Status = StatusRunning
	l.state.Error = ""
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.logger.Info(ctx, "start", logging.Data{})
	go l.run(runCtx)

	l.bus.Emit(events.TopicLoopCycle, map[string]any{
		"action":      "started",
		"cycleNumber": cycle,
	})
	return nil
}

// Pause lets the current cycle finish, then holds the driver before the next
// one.
func (l *Loop) Pause(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status != StatusRunning {
		l.mu.Unlock()
		return fmt.Errorf("loop is %s, not running", l.state.Status)
	}
	l.resumeCh = make(chan struct{})
	l.state.Status = StatusPaused
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.logger.Info(ctx, "pause", logging.Data{})
	l.bus.Emit(events.TopicLoopCycle, map[string]any{
		"action":      "paused",
		"cycleNumber": cycle,
	})
	return nil
}

// Resume releases a paused driver.
func (l *Loop) Resume(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status != StatusPaused {
		l.mu.Unlock()
		return fmt.Errorf("loop is %s, not paused", l.state.Status)
	}
	close(l.resumeCh)
	l.state.Status = StatusRunning
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.logger.Info(ctx, "resume", logging.Data{})
	l.bus.Emit(events.TopicLoopCycle, map[string]any{
		"action":      "resumed",
		"cycleNumber": cycle,
	})
	return nil
}

// Stop cancels the driver and waits for it with a bounded join.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status == StatusStopped {
		l.mu.Unlock()
		return fmt.Errorf("loop not running")
	}
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	l.logger.Info(ctx, "stop", logging.Data{})
	cancel()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		l.logger.Warn(ctx, "stop", logging.Data{
			Output: map[string]any{"error": "loop stop timed out"},
		})
	}

	l.mu.Lock()
	l.state.Status = StatusStopped
	l.state.Phase = PhaseIdle
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	l.bus.Emit(events.TopicLoopCycle, map[string]any{
		"action":      "stopped",
		"cycleNumber": cycle,
	})
	return nil
}

// Enqueue writes a task document into Needs_Action so the next cycle picks
// it up, and emits task:queued.
func (l *Loop) Enqueue(ctx context.Context, task *agent.Task) error {
	task.Status = agent.StatusQueued
	if _, err := l.vault.Create(ctx, vault.FolderNeedsAction, task.ID, task.ToContent()); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}

	l.logger.Info(ctx, "enqueue_task", logging.Data{
		Input: map[string]any{"taskId": task.ID, "type": task.Type},
	})
	l.bus.Emit(events.TopicTaskQueued, map[string]any{
		"taskId":   task.ID,
		"type":     task.Type,
		"priority": string(task.Priority),
	})
	return nil
}

// run is the driver goroutine: one cycle per interval until cancelled,
// holding between cycles while paused.
func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	interval := time.Duration(l.config.CycleIntervalMS) * time.Millisecond

	for {
		l.mu.Lock()
		gate := l.resumeCh
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-gate:
		}
		if ctx.Err() != nil {
			return
		}

		if err := l.runCycle(ctx); err != nil && ctx.Err() == nil {
			l.mu.Lock()
			l.state.Error = err.Error()
			l.mu.Unlock()
			l.logger.Error(ctx, "run_loop", err, logging.Data{})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// runCycle executes one scan→dispatch→execute→update pass.
func (l *Loop) runCycle(ctx context.Context) error {
	l.mu.Lock()
	l.state.CycleNumber++
	cycle := l.state.CycleNumber
	l.mu.Unlock()

	stop := l.logger.Timer()
	l.logger.Info(ctx, "cycle:start", logging.Data{
		Input: map[string]any{"cycleNumber": cycle},
	})

	// Phase 1: scan.
	l.setPhase(PhaseScanning)
	tasks := l.scan(ctx)

	// Phase 2: prioritise and slice off the active set.
	l.setPhase(PhaseDispatching)
	ordered := l.scheduler.Prioritize(ctx, tasks)

	active := ordered
	if len(active) > l.config.MaxConcurrentTasks {
		active = ordered[:l.config.MaxConcurrentTasks]
	}
	pending := len(ordered) - len(active)

	l.mu.Lock()
	l.state.PendingQueueSize = pending
	l.state.TasksInFlight = len(active)
	l.mu.Unlock()
	l.metrics.SetPendingQueueSize(pending)
	l.metrics.SetTasksInFlight(len(active))

	// Phase 3: execute the active set concurrently and barrier on it.
	l.setPhase(PhaseExecuting)
	if len(active) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, task := range active {
			task := task
			g.Go(func() error {
				l.executeTask(gctx, task)
				return nil
			})
		}
		_ = g.Wait() // executeTask never errors; this is the cycle barrier
	}

	// Phase 4: refresh health and project the dashboard.
	l.setPhase(PhaseUpdating)
	l.dispatcher.RefreshHealth(ctx)
	l.updateDashboard(ctx)

	l.mu.Lock()
	l.state.LastCycleTime = time.Now()
	l.state.Phase = PhaseIdle
	l.mu.Unlock()

	duration := stop()
	l.metrics.CycleCompleted()
	l.logger.Info(ctx, "cycle:complete", logging.Data{
		Output: map[string]any{
			"cycleNumber":   cycle,
			"tasksExecuted": len(active),
		},
		DurationMS: duration,
	})
	l.bus.Emit(events.TopicLoopCycle, map[string]any{
		"action":        "cycleComplete",
		"cycleNumber":   cycle,
		"tasksExecuted": len(active),
		"durationMs":    duration,
	})
	return nil
}

// scan lists Needs_Action and parses each document into a task. Parse
// failures are logged and skipped; they never halt the cycle.
func (l *Loop) scan(ctx context.Context) []*agent.Task {
	ids, err := l.vault.List(ctx, vault.FolderNeedsAction)
	if err != nil {
		l.logger.Error(ctx, "scan:error", err, logging.Data{})
		return nil
	}

	tasks := make([]*agent.Task, 0, len(ids))
	for _, id := range ids {
		doc, err := l.vault.Read(ctx, vault.FolderNeedsAction, id)
		if err != nil {
			if !errors.Is(err, vault.ErrNotFound) {
				l.logger.Error(ctx, "parse_task:error", err, logging.Data{
					Input: map[string]any{"id": id},
				})
			}
			continue // a missing file raced with a move; next cycle reconciles
		}
		task, err := agent.TaskFromContent(doc.Content, id, l.config.TaskTimeoutMS)
		if err != nil {
			l.logger.Error(ctx, "parse_task:error", err, logging.Data{
				Input: map[string]any{"id": id},
			})
			continue
		}
		// Prefer the file's creation stamp for age scoring when it is older
		// than what the document claims.
		if !doc.Metadata.CreatedAt.IsZero() && doc.Metadata.CreatedAt.Before(task.CreatedAt) {
			task.CreatedAt = doc.Metadata.CreatedAt
		}
		// HITL gate: a queued task that needs approval parks in
		// Pending_Approval instead of joining the scheduler batch.
		// Approval returns it here with status approved.
		if task.Status == agent.StatusQueued && l.needsApproval(task) {
			l.divertForApproval(ctx, task)
			continue
		}
		tasks = append(tasks, task)
	}

	l.logger.Info(ctx, "scan:complete", logging.Data{
		Output: map[string]any{"tasksFound": len(tasks)},
	})
	return tasks
}

// needsApproval reports whether the task must pass the HITL gate: either the
// document says so, or a registered agent advertises the type as
// approval-gated.
func (l *Loop) needsApproval(task *agent.Task) bool {
	return task.RequiresApproval || l.dispatcher.RequiresApproval(task.Type)
}

// divertForApproval moves a queued task into Pending_Approval as
// awaiting_approval and emits approval:pending. Losing the move race to a
// concurrent cycle is harmless; the document is already parked.
func (l *Loop) divertForApproval(ctx context.Context, task *agent.Task) {
	ctx = logging.WithCorrelation(ctx, task.CorrelationID, task.UserID)

	_, err := l.vault.Move(ctx, task.ID, vault.FolderNeedsAction, vault.FolderPendingApproval, map[string]any{
		"status":            string(agent.StatusAwaitingApproval),
		"requires_approval": true,
	})
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			l.logger.Error(ctx, "approval:divert_error", err, logging.Data{
				Input: map[string]any{"taskId": task.ID},
			})
		}
		return
	}

	l.logger.Info(ctx, "approval:divert", logging.Data{
		Input: map[string]any{"taskId": task.ID, "type": task.Type},
	})
	l.bus.Emit(events.TopicApprovalPending, map[string]any{
		"id":         task.ID,
		"actionType": task.Type,
		"summary":    fmt.Sprintf("%s task awaiting approval", task.Type),
		"riskLevel":  "medium",
	})
}

// executeTask dispatches one task, moves its document on success, and emits
// the lifecycle events. The correlation pair rides the context through every
// layer below.
func (l *Loop) executeTask(ctx context.Context, task *agent.Task) {
	ctx = logging.WithCorrelation(ctx, task.CorrelationID, task.UserID)

	defer func() {
		l.mu.Lock()
		l.state.TasksInFlight--
		inFlight := l.state.TasksInFlight
		l.mu.Unlock()
		l.metrics.SetTasksInFlight(inFlight)
	}()

	l.logger.Info(ctx, "execute:start", logging.Data{
		Input: map[string]any{"taskId": task.ID, "type": task.Type},
	})
	l.bus.Emit(events.TopicTaskStarted, map[string]any{
		"taskId": task.ID,
		"type":   task.Type,
	})

	result := l.dispatcher.Dispatch(ctx, task)
	seconds := float64(result.ExecutionTimeMS) / 1000

	if result.Success {
		_, err := l.vault.Move(ctx, task.ID, vault.FolderNeedsAction, vault.FolderDone, map[string]any{
			"status":       string(agent.StatusCompleted),
			"result":       result.Data,
			"completed_at": time.Now().Format(time.RFC3339Nano),
		})
		if err != nil {
			l.logger.Error(ctx, "execute:move_error", err, logging.Data{
				Input: map[string]any{"taskId": task.ID},
			})
		}

		l.mu.Lock()
		l.state.CompletedTotal++
		l.mu.Unlock()
		l.metrics.TaskCompleted(seconds)

		l.bus.Emit(events.TopicTaskCompleted, map[string]any{
			"taskId":  task.ID,
			"success": true,
			"data":    result.Data,
		})
		return
	}

	// Failed tasks stay in Needs_Action and are retried on later cycles.
	l.mu.Lock()
	l.state.FailedTotal++
	l.mu.Unlock()
	l.metrics.TaskFailed(seconds)

	errCode := result.ErrorCode()
	if errCode == "" {
		errCode = "unknown"
	}
	l.logger.Warn(ctx, "execute:failed", logging.Data{
		Output: map[string]any{"taskId": task.ID, "error": errCode},
	})
	l.bus.Emit(events.TopicTaskFailed, map[string]any{
		"taskId": task.ID,
		"error":  errCode,
	})
}

// updateDashboard projects the current state into the dashboard file and
// emits dashboard:update. Failures are logged and never cancel the cycle.
func (l *Loop) updateDashboard(ctx context.Context) {
	if l.dash == nil {
		return
	}

	state := l.projectDashboard(ctx)
	if err := l.dash.Write(state); err != nil {
		l.logger.Error(ctx, "update_dashboard:error", err, logging.Data{})
		return
	}
	l.bus.Emit(events.TopicDashboardUpdate, state.ToMap())
}

func (l *Loop) projectDashboard(ctx context.Context) *dashboard.State {
	snapshot := l.State()

	agents := l.dispatcher.RegisteredAgents()
	health := make([]dashboard.AgentHealthEntry, 0, len(agents))
	active := 0
	for _, a := range agents {
		status := "unknown"
		if a.Healthy != nil {
			if *a.Healthy {
				status = "healthy"
				active++
			} else {
				status = "unhealthy"
			}
		}
		health = append(health, dashboard.AgentHealthEntry{
			Name:           a.Name,
			Status:         status,
			LastActivity:   "unknown",
			TasksCompleted: a.Completed,
		})
	}

	var approvals []dashboard.ApprovalSummary
	if ids, err := l.vault.List(ctx, vault.FolderPendingApproval); err == nil {
		for _, id := range ids {
			doc, err := l.vault.Read(ctx, vault.FolderPendingApproval, id)
			if err != nil {
				continue
			}
			summary, _ := doc.Content["summary"].(string)
			actionType, _ := doc.Content["action_type"].(string)
			userID, _ := doc.Content["user_id"].(string)
			requestedAt, _ := doc.Content["created_at"].(string)
			approvals = append(approvals, dashboard.ApprovalSummary{
				ID:          id,
				ActionType:  actionType,
				RequestedAt: requestedAt,
				UserID:      userID,
				Summary:     summary,
			})
		}
	}

	var activity []dashboard.ActivityEntry
	if l.feed != nil {
		activity = l.feed.Entries()
	}

	return &dashboard.State{
		LoopStatus:       string(snapshot.Status),
		ActiveAgents:     active,
		TotalAgents:      len(agents),
		CycleNumber:      snapshot.CycleNumber,
		PendingApprovals: approvals,
		RecentActivity:   activity,
		TaskStats: dashboard.TaskStats{
			Pending:        snapshot.PendingQueueSize,
			InProgress:     snapshot.TasksInFlight,
			CompletedToday: snapshot.CompletedTotal,
			FailedToday:    snapshot.FailedTotal,
		},
		AgentHealth: health,
		LastUpdated: time.Now(),
	}
}

func (l *Loop) setPhase(p Phase) {
	l.mu.Lock()
	l.state.Phase = p
	l.mu.Unlock()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

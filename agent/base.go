package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/autopilot/logging"
)

// Base supplies the bookkeeping every agent needs: a structured logger,
// health and activity tracking, and task counters. Concrete agents embed it
// and implement Capabilities, Execute and CanHandle.
type Base struct {
	name        string
	version     string
	description string
	logger      *logging.Logger

	mu            sync.Mutex
	initialized   bool
	healthy       bool
	healthMessage string
	lastCheck     time.Time
	completed     int
	lastActivity  time.Time
}

// NewBase creates agent bookkeeping for the given identity.
func NewBase(name, version, description, logRoot string) *Base {
	return &Base{
		name:         name,
		version:      version,
		description:  description,
		logger:       logging.New("agent:"+name, logRoot),
		healthy:      true,
		lastActivity: time.Now(),
	}
}

// Name returns the unique agent name.
func (b *Base) Name() string { return b.name }

// Version returns the agent's semantic version.
func (b *Base) Version() string { return b.version }

// Description returns the human-readable description.
func (b *Base) Description() string { return b.description }

// Logger returns the agent's structured logger.
func (b *Base) Logger() *logging.Logger { return b.logger }

// Initialize marks the agent ready. Agents with real resources override this
// and call it on success.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	b.healthy = true
	b.logger.Info(ctx, "initialize", logging.Data{})
	return nil
}

// Shutdown releases the agent.
func (b *Base) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	b.logger.Info(ctx, "shutdown", logging.Data{})
	return nil
}

// HealthCheck reports the tracked health state.
func (b *Base) HealthCheck(ctx context.Context) (Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastCheck = time.Now()
	h := Health{
		Healthy:   b.healthy && b.initialized,
		LastCheck: b.lastCheck,
		Details: map[string]any{
			"initialized":     b.initialized,
			"tasks_completed": b.completed,
			"last_activity":   b.lastActivity.Format(time.RFC3339),
		},
	}
	if !h.Healthy {
		h.Error = b.healthMessage
		if h.Error == "" {
			h.Error = "agent unhealthy"
		}
	}
	return h, nil
}

// SetHealthy updates the tracked health state.
func (b *Base) SetHealthy(healthy bool, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
	b.healthMessage = message
}

// RecordCompletion bumps the completion counter and activity timestamp.
func (b *Base) RecordCompletion() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed++
	b.lastActivity = time.Now()
}

// TasksCompleted returns the number of successful executions.
func (b *Base) TasksCompleted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// LastActivityRelative renders the last activity as a relative time, e.g.
// "2m ago".
func (b *Base) LastActivityRelative() string {
	b.mu.Lock()
	last := b.lastActivity
	b.mu.Unlock()

	seconds := time.Since(last).Seconds()
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds ago", int(seconds))
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", int(seconds/60))
	case seconds < 86400:
		return fmt.Sprintf("%dh ago", int(seconds/3600))
	default:
		return fmt.Sprintf("%dd ago", int(seconds/86400))
	}
}

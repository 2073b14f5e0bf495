// Package dispatcher routes tasks to capability-matching agents. Selection
// scores each candidate on health, current load, success rate, and execution
// speed; per-agent statistics are serialised by a per-agent mutex so
// concurrent dispatches never tear them.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/events"
	"github.com/c360studio/autopilot/logging"
	"github.com/c360studio/autopilot/metrics"
)

const healthCheckTimeout = 5 * time.Second

// Config controls agent selection.
type Config struct {
	// PreferHealthyAgents penalises agents whose last health check failed.
	PreferHealthyAgents bool
	// LoadBalance penalises loaded agents and caps them at MaxAgentLoad.
	LoadBalance bool
	// MaxAgentLoad is the per-agent concurrent task bound.
	MaxAgentLoad int
}

// DefaultConfig returns the standard routing configuration.
func DefaultConfig() Config {
	return Config{
		PreferHealthyAgents: true,
		LoadBalance:         true,
		MaxAgentLoad:        3,
	}
}

// Stats is the runtime record the dispatcher keeps per agent.
type Stats struct {
	Dispatched         int       `json:"dispatched"`
	Completed          int       `json:"completed"`
	Failed             int       `json:"failed"`
	CurrentLoad        int       `json:"current_load"`
	LastDispatch       time.Time `json:"last_dispatch"`
	AvgExecutionTimeMS float64   `json:"avg_execution_time_ms"`
}

// AgentInfo is an introspection snapshot of one registered agent.
type AgentInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Healthy      *bool    `json:"healthy,omitempty"`
	CurrentLoad  int      `json:"current_load"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
}

// Runner executes one dispatch; the retry executor satisfies it.
type Runner interface {
	Run(ctx context.Context, a agent.Agent, task *agent.Task) *agent.Result
}

type entry struct {
	agent agent.Agent

	mu        sync.Mutex
	stats     Stats
	health    agent.Health
	hasHealth bool
}

// Dispatcher owns the agent registry and its statistics.
type Dispatcher struct {
	config  Config
	bus     *events.Bus
	runner  Runner
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu     sync.RWMutex
	agents map[string]*entry
	order  []string // insertion order, breaks score ties
}

// New creates a dispatcher. bus may be nil to fall back to the global bus;
// metrics may be nil.
func New(config Config, bus *events.Bus, runner Runner, m *metrics.Metrics, logRoot string) *Dispatcher {
	if config.MaxAgentLoad <= 0 {
		config.MaxAgentLoad = DefaultConfig().MaxAgentLoad
	}
	if bus == nil {
		bus = events.Global()
	}
	return &Dispatcher{
		config:  config,
		bus:     bus,
		runner:  runner,
		metrics: m,
		logger:  logging.New("loop:dispatcher", logRoot),
		agents:  make(map[string]*entry),
	}
}

// Register adds an agent with fresh statistics and emits agent:status.
func (d *Dispatcher) Register(ctx context.Context, a agent.Agent) {
	name := a.Name()

	d.mu.Lock()
	if _, exists := d.agents[name]; !exists {
		d.order = append(d.order, name)
	}
	d.agents[name] = &entry{agent: a}
	d.mu.Unlock()

	capNames := capabilityNames(a)
	d.logger.Info(ctx, "register_agent", logging.Data{
		Input: map[string]any{
			"name":         name,
			"version":      a.Version(),
			"capabilities": capNames,
		},
	})
	d.bus.Emit(events.TopicAgentStatus, map[string]any{
		"action":       "registered",
		"name":         name,
		"capabilities": capNames,
	})
}

// Unregister removes an agent along with its stats and health. Reports
// whether it was registered.
func (d *Dispatcher) Unregister(ctx context.Context, name string) bool {
	d.mu.Lock()
	_, exists := d.agents[name]
	if exists {
		delete(d.agents, name)
		for i, n := range d.order {
			if n == name {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()

	if !exists {
		return false
	}

	d.metrics.RemoveAgent(name)
	d.logger.Info(ctx, "unregister_agent", logging.Data{
		Input: map[string]any{"name": name},
	})
	d.bus.Emit(events.TopicAgentStatus, map[string]any{
		"action": "unregistered",
		"name":   name,
	})
	return true
}

// FindAgent returns the best-scoring agent for a task, or false when no
// candidate can take it.
func (d *Dispatcher) FindAgent(ctx context.Context, task *agent.Task) (agent.Agent, bool) {
	d.mu.RLock()
	names := make([]string, len(d.order))
	copy(names, d.order)
	entries := make([]*entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, d.agents[name])
	}
	d.mu.RUnlock()

	var best *entry
	bestScore := 0.0
	candidates := 0
	for _, e := range entries {
		if !e.agent.CanHandle(task) {
			continue
		}
		score, eligible := d.score(e)
		if !eligible {
			continue
		}
		candidates++
		if best == nil || score > bestScore {
			best, bestScore = e, score
		}
	}

	if best == nil {
		d.logger.Warn(ctx, "find_agent:no_candidates", logging.Data{
			Input: map[string]any{"taskType": task.Type},
		})
		return nil, false
	}

	d.logger.Info(ctx, "find_agent", logging.Data{
		Input:  map[string]any{"taskType": task.Type, "taskId": task.ID},
		Output: map[string]any{"selected": best.agent.Name(), "candidates": candidates},
	})
	return best.agent, true
}

// score computes an agent's suitability, floored at zero. The second result
// is false when the agent is at MaxAgentLoad and cannot take the task.
func (d *Dispatcher) score(e *entry) (float64, bool) {
	e.mu.Lock()
	stats := e.stats
	health := e.health
	hasHealth := e.hasHealth
	e.mu.Unlock()

	score := 100.0

	if d.config.PreferHealthyAgents && hasHealth && !health.Healthy {
		score -= 50
	}

	if d.config.LoadBalance {
		if stats.CurrentLoad >= d.config.MaxAgentLoad {
			return 0, false
		}
		score -= float64(stats.CurrentLoad) * 10
	}

	if stats.Dispatched > 0 {
		score += 20 * float64(stats.Completed) / float64(stats.Dispatched)
	}

	if stats.AvgExecutionTimeMS > 0 {
		if bonus := 10 - stats.AvgExecutionTimeMS/1000; bonus > 0 {
			score += bonus
		}
	}

	if score < 0 {
		return 0, true
	}
	return score, true
}

// Dispatch selects an agent, runs the task through the runner, and maintains
// the agent's statistics around the call.
func (d *Dispatcher) Dispatch(ctx context.Context, task *agent.Task) *agent.Result {
	a, ok := d.FindAgent(ctx, task)
	if !ok {
		return agent.Fail(agent.CodeNoAgentAvailable,
			fmt.Sprintf("no agent available for task type: %s", task.Type), true)
	}
	name := a.Name()

	d.mu.RLock()
	e := d.agents[name]
	d.mu.RUnlock()
	if e == nil {
		// Unregistered between find and dispatch.
		return agent.Fail(agent.CodeNoAgentAvailable,
			fmt.Sprintf("agent %s unregistered mid-dispatch", name), true)
	}

	e.mu.Lock()
	// Re-check capacity under the lock; a concurrent dispatch may have
	// claimed the last slot after FindAgent scored this agent.
	if d.config.LoadBalance && e.stats.CurrentLoad >= d.config.MaxAgentLoad {
		e.mu.Unlock()
		return agent.Fail(agent.CodeNoAgentAvailable,
			fmt.Sprintf("agent %s at capacity for task type: %s", name, task.Type), true)
	}
	e.stats.Dispatched++
	e.stats.CurrentLoad++
	e.stats.LastDispatch = time.Now()
	load := e.stats.CurrentLoad
	e.mu.Unlock()
	d.metrics.SetAgentLoad(name, load)

	d.logger.Info(ctx, "dispatch_task", logging.Data{
		Input: map[string]any{"taskId": task.ID, "type": task.Type, "agent": name},
	})

	start := time.Now()
	result := d.runner.Run(ctx, a, task)
	elapsed := time.Since(start).Milliseconds()

	e.mu.Lock()
	if result.Success {
		e.stats.Completed++
	} else {
		e.stats.Failed++
	}
	finished := e.stats.Completed + e.stats.Failed
	e.stats.AvgExecutionTimeMS = (e.stats.AvgExecutionTimeMS*float64(finished-1) + float64(elapsed)) / float64(finished)
	e.stats.CurrentLoad--
	load = e.stats.CurrentLoad
	e.mu.Unlock()
	d.metrics.SetAgentLoad(name, load)

	return result
}

// RefreshHealth checks every agent under a bounded deadline and emits
// agent:status per agent. A timeout or error marks the agent unhealthy with
// the captured message.
func (d *Dispatcher) RefreshHealth(ctx context.Context) {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.order))
	for _, name := range d.order {
		entries = append(entries, d.agents[name])
	}
	d.mu.RUnlock()

	for _, e := range entries {
		health := d.checkOne(ctx, e.agent)

		e.mu.Lock()
		e.health = health
		e.hasHealth = true
		e.mu.Unlock()

		d.bus.Emit(events.TopicAgentStatus, map[string]any{
			"action":  "health",
			"name":    e.agent.Name(),
			"healthy": health.Healthy,
			"details": health.Details,
		})
	}
}

func (d *Dispatcher) checkOne(ctx context.Context, a agent.Agent) agent.Health {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	type outcome struct {
		health agent.Health
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		h, err := a.HealthCheck(checkCtx)
		ch <- outcome{h, err}
	}()

	select {
	case <-checkCtx.Done():
		d.logger.Error(ctx, "refresh_health:error", checkCtx.Err(), logging.Data{
			Input: map[string]any{"agent": a.Name()},
		})
		return agent.Health{
			Healthy:   false,
			LastCheck: time.Now(),
			Error:     "health check timed out",
		}
	case out := <-ch:
		if out.err != nil {
			d.logger.Error(ctx, "refresh_health:error", out.err, logging.Data{
				Input: map[string]any{"agent": a.Name()},
			})
			return agent.Health{
				Healthy:   false,
				LastCheck: time.Now(),
				Error:     out.err.Error(),
			}
		}
		return out.health
	}
}

// Stats returns a copy of one agent's statistics.
func (d *Dispatcher) Stats(name string) (Stats, bool) {
	d.mu.RLock()
	e := d.agents[name]
	d.mu.RUnlock()
	if e == nil {
		return Stats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, true
}

// AllStats returns a copy of every agent's statistics.
func (d *Dispatcher) AllStats() map[string]Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all := make(map[string]Stats, len(d.agents))
	for name, e := range d.agents {
		e.mu.Lock()
		all[name] = e.stats
		e.mu.Unlock()
	}
	return all
}

// HealthFor returns the last known health snapshot for an agent.
func (d *Dispatcher) HealthFor(name string) (agent.Health, bool) {
	d.mu.RLock()
	e := d.agents[name]
	d.mu.RUnlock()
	if e == nil {
		return agent.Health{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, e.hasHealth
}

// RequiresApproval reports whether any registered agent advertises the task
// type as an approval-gated capability. The loop consults this so documents
// dropped without an explicit requires_approval flag still honour the
// capability table.
func (d *Dispatcher) RequiresApproval(taskType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, name := range d.order {
		for _, c := range d.agents[name].agent.Capabilities() {
			if c.Name == taskType && c.RequiresApproval {
				return true
			}
		}
	}
	return false
}

// CapableAgents names every agent advertising the task type.
func (d *Dispatcher) CapableAgents(taskType string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var capable []string
	for _, name := range d.order {
		for _, c := range d.agents[name].agent.Capabilities() {
			if c.Name == taskType {
				capable = append(capable, name)
				break
			}
		}
	}
	return capable
}

// RegisteredAgents returns an introspection snapshot of every agent.
func (d *Dispatcher) RegisteredAgents() []AgentInfo {
	d.mu.RLock()
	entries := make([]*entry, 0, len(d.order))
	for _, name := range d.order {
		entries = append(entries, d.agents[name])
	}
	d.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		info := AgentInfo{
			Name:         e.agent.Name(),
			Version:      e.agent.Version(),
			Capabilities: capabilityNames(e.agent),
			CurrentLoad:  e.stats.CurrentLoad,
			Completed:    e.stats.Completed,
			Failed:       e.stats.Failed,
		}
		if e.hasHealth {
			healthy := e.health.Healthy
			info.Healthy = &healthy
		}
		e.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

func capabilityNames(a agent.Agent) []string {
	caps := a.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return names
}

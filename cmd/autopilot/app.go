package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/agents/news"
	"github.com/c360studio/autopilot/agents/task"
	"github.com/c360studio/autopilot/approval"
	"github.com/c360studio/autopilot/config"
	"github.com/c360studio/autopilot/dashboard"
	"github.com/c360studio/autopilot/dispatcher"
	"github.com/c360studio/autopilot/events"
	"github.com/c360studio/autopilot/executor"
	"github.com/c360studio/autopilot/loop"
	"github.com/c360studio/autopilot/metrics"
	"github.com/c360studio/autopilot/scheduler"
	"github.com/c360studio/autopilot/vault"
)

// App wires the control plane together: workspace, bus, dispatcher, retry
// executor, scheduler, loop, approvals, and the bundled reference agents.
type App struct {
	cfg *config.Config

	Bus        *events.Bus
	Vault      *vault.Manager
	Dispatcher *dispatcher.Dispatcher
	Loop       *loop.Loop
	Approvals  *approval.Workflow
	Metrics    *metrics.Metrics

	bridge        *events.Bridge
	metricsServer *http.Server
}

// NewApp builds the component graph from configuration.
func NewApp(cfg *config.Config) (*App, error) {
	logRoot := cfg.LogRoot()

	bus := events.New()
	v := vault.NewManager(cfg.Loop.VaultPath, logRoot)
	m := metrics.New()

	exec := executor.New(executor.Config{
		Attempts:  cfg.Loop.RetryAttempts,
		BackoffMS: cfg.Loop.RetryBackoffMS,
	}, logRoot)

	disp := dispatcher.New(dispatcher.Config{
		PreferHealthyAgents: cfg.Dispatcher.PreferHealthy(),
		LoadBalance:         cfg.Dispatcher.Balance(),
		MaxAgentLoad:        cfg.Dispatcher.MaxAgentLoad,
	}, bus, exec, m, logRoot)

	sched := scheduler.New(schedulerConfig(cfg.Scheduler), logRoot)

	feed := dashboard.NewActivityFeed(0)
	feed.Attach(bus)

	l := loop.New(loop.Config{
		CycleIntervalMS:    cfg.Loop.CycleIntervalMS,
		MaxConcurrentTasks: cfg.Loop.MaxConcurrentTasks,
		TaskTimeoutMS:      cfg.Loop.TaskTimeoutMS,
		RetryAttempts:      cfg.Loop.RetryAttempts,
		RetryBackoffMS:     cfg.Loop.RetryBackoffMS,
		VaultPath:          cfg.Loop.VaultPath,
		DashboardPath:      cfg.Loop.DashboardPath,
		LogPath:            logRoot,
	}, loop.Options{
		Vault:      v,
		Scheduler:  sched,
		Dispatcher: disp,
		Bus:        bus,
		Dashboard:  dashboard.NewWriter(cfg.Loop.DashboardPath, logRoot),
		Feed:       feed,
		Metrics:    m,
	})

	return &App{
		cfg:        cfg,
		Bus:        bus,
		Vault:      v,
		Dispatcher: disp,
		Loop:       l,
		Approvals:  approval.New(v, bus, logRoot),
		Metrics:    m,
	}, nil
}

func schedulerConfig(sc config.SchedulerConfig) scheduler.Config {
	out := scheduler.Config{
		AgeWeight:             sc.AgeWeight,
		StarvationThresholdMS: sc.StarvationThresholdMS,
		MaxBatchSize:          sc.MaxBatchSize,
	}
	if len(sc.PriorityWeights) > 0 {
		out.PriorityWeights = make(map[agent.Priority]float64, len(sc.PriorityWeights))
		for name, weight := range sc.PriorityWeights {
			out.PriorityWeights[agent.Priority(name)] = weight
		}
	}
	return out
}

// Start initialises the workspace, registers the bundled agents, attaches
// the optional NATS bridge and metrics endpoint, and starts the loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Vault.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize vault: %w", err)
	}

	logRoot := a.cfg.LogRoot()
	taskAgent := task.New(a.Vault, logRoot)
	newsAgent := news.New(nil, logRoot)
	if err := taskAgent.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize task agent: %w", err)
	}
	if err := newsAgent.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize news agent: %w", err)
	}
	a.Dispatcher.Register(ctx, taskAgent)
	a.Dispatcher.Register(ctx, newsAgent)

	if a.cfg.NATS.URL != "" {
		bridge, err := events.NewBridge(a.cfg.NATS.URL, a.cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("start event bridge: %w", err)
		}
		bridge.Attach(a.Bus)
		a.bridge = bridge
	}

	if a.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		a.metricsServer = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Printf("metrics server: %v\n", err)
			}
		}()
	}

	if err := a.Loop.Start(ctx); err != nil {
		return fmt.Errorf("start loop: %w", err)
	}
	return nil
}

// Shutdown stops the loop and releases external resources.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.Loop.Stop(ctx); err != nil {
		fmt.Printf("stop loop: %v\n", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			fmt.Printf("stop metrics server: %v\n", err)
		}
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
}

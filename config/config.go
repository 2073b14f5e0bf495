// Package config provides configuration loading and management for Autopilot.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Autopilot configuration.
type Config struct {
	Loop       LoopConfig       `yaml:"loop"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LoopConfig configures the orchestration loop.
type LoopConfig struct {
	// CycleIntervalMS is the wait between cycles.
	CycleIntervalMS int64 `yaml:"cycle_interval_ms"`
	// MaxConcurrentTasks bounds the executors spawned per cycle.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// TaskTimeoutMS is the default per-task deadline.
	TaskTimeoutMS int64 `yaml:"task_timeout_ms"`
	// RetryAttempts bounds executions per dispatch.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBackoffMS is the initial retry backoff.
	RetryBackoffMS int64 `yaml:"retry_backoff_ms"`
	// VaultPath is the workspace root.
	VaultPath string `yaml:"vault_path"`
	// DashboardPath is where Dashboard.md is written.
	DashboardPath string `yaml:"dashboard_path"`
	// LogPath overrides the JSONL log root (default: <vault>/Logs).
	LogPath string `yaml:"log_path"`
}

// SchedulerConfig configures priority scoring.
type SchedulerConfig struct {
	// PriorityWeights maps priority names to base scores.
	PriorityWeights map[string]float64 `yaml:"priority_weights"`
	// AgeWeight is the score per second of task age.
	AgeWeight float64 `yaml:"age_weight"`
	// StarvationThresholdMS is the age where low-priority boosting starts.
	StarvationThresholdMS int64 `yaml:"starvation_threshold_ms"`
	// MaxBatchSize bounds batch selection.
	MaxBatchSize int `yaml:"max_batch_size"`
}

// DispatcherConfig configures agent routing. The boolean knobs are pointers
// so a file can explicitly disable them.
type DispatcherConfig struct {
	PreferHealthyAgents *bool `yaml:"prefer_healthy_agents"`
	LoadBalance         *bool `yaml:"load_balance"`
	MaxAgentLoad        int   `yaml:"max_agent_load"`
}

// PreferHealthy resolves the pointer with its default of true.
func (d DispatcherConfig) PreferHealthy() bool {
	return d.PreferHealthyAgents == nil || *d.PreferHealthyAgents
}

// Balance resolves the pointer with its default of true.
func (d DispatcherConfig) Balance() bool {
	return d.LoadBalance == nil || *d.LoadBalance
}

// NATSConfig configures the optional event bridge.
type NATSConfig struct {
	// URL is the NATS server URL (empty = bridge disabled).
	URL string `yaml:"url"`
	// SubjectPrefix prefixes every mirrored subject (default "autopilot").
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics (empty = disabled).
	Listen string `yaml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Loop: LoopConfig{
			CycleIntervalMS:    5000,
			MaxConcurrentTasks: 3,
			TaskTimeoutMS:      30000,
			RetryAttempts:      3,
			RetryBackoffMS:     1000,
			VaultPath:          "./vault",
			DashboardPath:      "./Dashboard.md",
		},
		Scheduler: SchedulerConfig{
			PriorityWeights: map[string]float64{
				"critical": 100,
				"high":     50,
				"medium":   25,
				"low":      10,
			},
			AgeWeight:             0.1,
			StarvationThresholdMS: 60000,
			MaxBatchSize:          10,
		},
		Dispatcher: DispatcherConfig{
			MaxAgentLoad: 3,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Loop.CycleIntervalMS <= 0 {
		return fmt.Errorf("loop.cycle_interval_ms must be positive")
	}
	if c.Loop.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("loop.max_concurrent_tasks must be positive")
	}
	if c.Loop.TaskTimeoutMS <= 0 {
		return fmt.Errorf("loop.task_timeout_ms must be positive")
	}
	if c.Loop.RetryAttempts <= 0 {
		return fmt.Errorf("loop.retry_attempts must be positive")
	}
	if c.Loop.VaultPath == "" {
		return fmt.Errorf("loop.vault_path is required")
	}
	if c.Dispatcher.MaxAgentLoad <= 0 {
		return fmt.Errorf("dispatcher.max_agent_load must be positive")
	}
	for name, weight := range c.Scheduler.PriorityWeights {
		if weight < 0 {
			return fmt.Errorf("scheduler.priority_weights.%s must not be negative", name)
		}
	}
	return nil
}

// LogRoot resolves the structured log root.
func (c *Config) LogRoot() string {
	if c.Loop.LogPath != "" {
		return c.Loop.LogPath
	}
	return filepath.Join(c.Loop.VaultPath, "Logs")
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one; other's non-zero values win.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Loop
	if other.Loop.CycleIntervalMS != 0 {
		c.Loop.CycleIntervalMS = other.Loop.CycleIntervalMS
	}
	if other.Loop.MaxConcurrentTasks != 0 {
		c.Loop.MaxConcurrentTasks = other.Loop.MaxConcurrentTasks
	}
	if other.Loop.TaskTimeoutMS != 0 {
		c.Loop.TaskTimeoutMS = other.Loop.TaskTimeoutMS
	}
	if other.Loop.RetryAttempts != 0 {
		c.Loop.RetryAttempts = other.Loop.RetryAttempts
	}
	if other.Loop.RetryBackoffMS != 0 {
		c.Loop.RetryBackoffMS = other.Loop.RetryBackoffMS
	}
	if other.Loop.VaultPath != "" {
		c.Loop.VaultPath = other.Loop.VaultPath
	}
	if other.Loop.DashboardPath != "" {
		c.Loop.DashboardPath = other.Loop.DashboardPath
	}
	if other.Loop.LogPath != "" {
		c.Loop.LogPath = other.Loop.LogPath
	}

	// Scheduler
	if len(other.Scheduler.PriorityWeights) > 0 {
		c.Scheduler.PriorityWeights = other.Scheduler.PriorityWeights
	}
	if other.Scheduler.AgeWeight != 0 {
		c.Scheduler.AgeWeight = other.Scheduler.AgeWeight
	}
	if other.Scheduler.StarvationThresholdMS != 0 {
		c.Scheduler.StarvationThresholdMS = other.Scheduler.StarvationThresholdMS
	}
	if other.Scheduler.MaxBatchSize != 0 {
		c.Scheduler.MaxBatchSize = other.Scheduler.MaxBatchSize
	}

	// Dispatcher
	if other.Dispatcher.PreferHealthyAgents != nil {
		c.Dispatcher.PreferHealthyAgents = other.Dispatcher.PreferHealthyAgents
	}
	if other.Dispatcher.LoadBalance != nil {
		c.Dispatcher.LoadBalance = other.Dispatcher.LoadBalance
	}
	if other.Dispatcher.MaxAgentLoad != 0 {
		c.Dispatcher.MaxAgentLoad = other.Dispatcher.MaxAgentLoad
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	// Metrics
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
}

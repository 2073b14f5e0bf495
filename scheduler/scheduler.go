// Package scheduler implements priority scoring over task batches with
// age-based boosting and starvation prevention. The scheduler is stateless:
// given the same batch and clock it always produces the same order.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/logging"
)

// Config holds the scoring weights.
type Config struct {
	// PriorityWeights maps each priority to its base score.
	PriorityWeights map[agent.Priority]float64
	// AgeWeight is the score added per second of task age.
	AgeWeight float64
	// StarvationThresholdMS is the age after which low and medium priority
	// tasks accrue the starvation bonus.
	StarvationThresholdMS int64
	// MaxBatchSize bounds NextBatch when no explicit count is given.
	MaxBatchSize int
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		PriorityWeights: map[agent.Priority]float64{
			agent.PriorityCritical: 100,
			agent.PriorityHigh:     50,
			agent.PriorityMedium:   25,
			agent.PriorityLow:      10,
		},
		AgeWeight:             0.1,
		StarvationThresholdMS: 60000,
		MaxBatchSize:          10,
	}
}

// Scheduler orders task batches by score.
type Scheduler struct {
	config Config
	logger *logging.Logger
	now    func() time.Time
}

// New creates a scheduler. Zero-value config fields fall back to defaults.
func New(config Config, logRoot string) *Scheduler {
	defaults := DefaultConfig()
	if config.PriorityWeights == nil {
		config.PriorityWeights = defaults.PriorityWeights
	}
	if config.AgeWeight == 0 {
		config.AgeWeight = defaults.AgeWeight
	}
	if config.StarvationThresholdMS == 0 {
		config.StarvationThresholdMS = defaults.StarvationThresholdMS
	}
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	return &Scheduler{
		config: config,
		logger: logging.New("loop:scheduler", logRoot),
		now:    time.Now,
	}
}

// Prioritize returns the batch in descending score order. Ties are broken by
// created_at ascending, so equally scored tasks run oldest first.
func (s *Scheduler) Prioritize(ctx context.Context, tasks []*agent.Task) []*agent.Task {
	if len(tasks) == 0 {
		return nil
	}

	now := s.now()
	ordered := make([]*agent.Task, len(tasks))
	copy(ordered, tasks)

	scores := make(map[*agent.Task]float64, len(ordered))
	for _, t := range ordered {
		scores[t] = s.scoreAt(t, now)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := scores[ordered[i]], scores[ordered[j]]
		if si != sj {
			return si > sj
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	s.logger.Info(ctx, "prioritize_tasks", logging.Data{
		Input: map[string]any{"taskCount": len(tasks)},
		Output: map[string]any{
			"topTask":     ordered[0].ID,
			"topPriority": string(ordered[0].Priority),
		},
	})

	return ordered
}

// Score computes the current priority score for a task:
// priority weight + age_weight·age_seconds + starvation bonus.
func (s *Scheduler) Score(t *agent.Task) float64 {
	return s.scoreAt(t, s.now())
}

func (s *Scheduler) scoreAt(t *agent.Task, now time.Time) float64 {
	weight, ok := s.config.PriorityWeights[t.Priority]
	if !ok {
		weight = s.config.PriorityWeights[agent.PriorityMedium]
	}

	ageSeconds := now.Sub(t.CreatedAt).Seconds()
	if ageSeconds < 0 {
		ageSeconds = 0
	}
	score := weight + s.config.AgeWeight*ageSeconds

	// Starvation prevention: low and medium priority tasks that waited past
	// the threshold accrue 5 points per second over it.
	if t.Priority == agent.PriorityLow || t.Priority == agent.PriorityMedium {
		ageMS := ageSeconds * 1000
		if ageMS > float64(s.config.StarvationThresholdMS) {
			score += 5 * (ageMS - float64(s.config.StarvationThresholdMS)) / 1000
		}
	}

	return score
}

// NextBatch prioritises the batch, applies the optional filter first, and
// returns the top maxCount tasks. maxCount of 0 means MaxBatchSize.
func (s *Scheduler) NextBatch(ctx context.Context, tasks []*agent.Task, maxCount int, filter func(*agent.Task) bool) []*agent.Task {
	if maxCount <= 0 {
		maxCount = s.config.MaxBatchSize
	}

	filtered := tasks
	if filter != nil {
		filtered = make([]*agent.Task, 0, len(tasks))
		for _, t := range tasks {
			if filter(t) {
				filtered = append(filtered, t)
			}
		}
	}

	ordered := s.Prioritize(ctx, filtered)
	if len(ordered) > maxCount {
		ordered = ordered[:maxCount]
	}
	return ordered
}

// ShouldExecuteNow reports whether a task should bypass the queue. This is a
// hint; the loop still enforces its concurrency limit.
func (s *Scheduler) ShouldExecuteNow(t *agent.Task) bool {
	return t.Priority == agent.PriorityCritical || t.Priority == agent.PriorityHigh
}

// EstimateWait estimates the queue wait for a task at the given position,
// assuming roughly one dispatch slot per five seconds, scaled by priority
// (critical 0.1×, high 0.5×, medium 1×, low 1.5×).
func (s *Scheduler) EstimateWait(t *agent.Task, queuePosition int) time.Duration {
	base := time.Duration(queuePosition) * 5 * time.Second

	factor := 1.0
	switch t.Priority {
	case agent.PriorityCritical:
		factor = 0.1
	case agent.PriorityHigh:
		factor = 0.5
	case agent.PriorityLow:
		factor = 1.5
	}
	return time.Duration(float64(base) * factor)
}

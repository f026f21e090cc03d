package metrics

import (
	"sync"
	"time"
)

// RecoveryStats aggregates recovery attempts for one level.
type RecoveryStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

// Summary is the aggregated performance report for one session.
type Summary struct {
	SessionID       string                   `json:"session_id"`
	WallTime        time.Duration            `json:"wall_time"`
	TaskDurations   map[string]time.Duration `json:"task_durations"`
	TasksByStatus   map[string]int           `json:"tasks_by_status"`
	RecoveryByLevel map[int]RecoveryStats    `json:"recovery_by_level"`
	RawTokens       int                      `json:"raw_tokens"`
	OptimizedTokens int                      `json:"optimized_tokens"`
}

// ContextReduction returns the percentage of raw context tokens removed
// by optimization, or 0 when nothing was dispatched.
func (s *Summary) ContextReduction() float64 {
	if s.RawTokens == 0 {
		return 0
	}
	return 100 * float64(s.RawTokens-s.OptimizedTokens) / float64(s.RawTokens)
}

// RecoveryRate returns the fraction of recovery attempts that produced a
// resolved task, or 0 when no recovery ran.
func (s *Summary) RecoveryRate() float64 {
	attempts, successes := 0, 0
	for _, stats := range s.RecoveryByLevel {
		attempts += stats.Attempts
		successes += stats.Successes
	}
	if attempts == 0 {
		return 0
	}
	return float64(successes) / float64(attempts)
}

// Collector accumulates per-session metrics and forwards them to a
// Prometheus recorder. Safe for concurrent use by batch workers.
type Collector struct {
	mu        sync.Mutex
	sessionID string
	recorder  *Recorder
	startedAt time.Time
	starts    map[string]time.Time
	summary   Summary
}

// NewCollector creates a collector for one session. recorder may be nil
// when Prometheus publication is not wanted.
func NewCollector(sessionID string, recorder *Recorder) *Collector {
	return &Collector{
		sessionID: sessionID,
		recorder:  recorder,
		startedAt: time.Now(),
		starts:    make(map[string]time.Time),
		summary: Summary{
			SessionID:       sessionID,
			TaskDurations:   make(map[string]time.Duration),
			TasksByStatus:   make(map[string]int),
			RecoveryByLevel: make(map[int]RecoveryStats),
		},
	}
}

// RecordTaskStart marks a task's dispatch time.
func (c *Collector) RecordTaskStart(task string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts[task] = time.Now()
}

// RecordTaskEnd records a task's final status and its elapsed time since
// RecordTaskStart.
func (c *Collector) RecordTaskEnd(task, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var elapsed time.Duration
	if start, ok := c.starts[task]; ok {
		elapsed = time.Since(start)
		delete(c.starts, task)
	}
	c.summary.TaskDurations[task] = elapsed
	c.summary.TasksByStatus[status]++

	if c.recorder != nil {
		c.recorder.ObserveTask(task, status, elapsed)
	}
}

// RecordRecovery records one recovery attempt outcome at a level.
func (c *Collector) RecordRecovery(level int, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.summary.RecoveryByLevel[level]
	stats.Attempts++
	if success {
		stats.Successes++
	}
	c.summary.RecoveryByLevel[level] = stats

	if c.recorder != nil {
		c.recorder.ObserveRecovery(level, success)
	}
}

// RecordContextSizes records the raw and optimized context token counts
// for one dispatch.
func (c *Collector) RecordContextSizes(rawTokens, optimizedTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.RawTokens += rawTokens
	c.summary.OptimizedTokens += optimizedTokens

	if c.recorder != nil {
		c.recorder.ObserveContextSizes(rawTokens, optimizedTokens)
	}
}

// Finish seals the collector and returns the session summary.
func (c *Collector) Finish(sessionStatus string) *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.WallTime = time.Since(c.startedAt)
	if c.recorder != nil {
		c.recorder.ObserveSession(sessionStatus, c.summary.WallTime)
	}

	out := c.summary
	out.TaskDurations = make(map[string]time.Duration, len(c.summary.TaskDurations))
	for k, v := range c.summary.TaskDurations {
		out.TaskDurations[k] = v
	}
	out.TasksByStatus = make(map[string]int, len(c.summary.TasksByStatus))
	for k, v := range c.summary.TasksByStatus {
		out.TasksByStatus[k] = v
	}
	out.RecoveryByLevel = make(map[int]RecoveryStats, len(c.summary.RecoveryByLevel))
	for k, v := range c.summary.RecoveryByLevel {
		out.RecoveryByLevel[k] = v
	}
	return &out
}

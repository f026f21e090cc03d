// Package session implements the caller-facing engine API: submit a
// task set with its context, await the final report.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/contextstore"
	"conductor/pkg/dispatch"
	"conductor/pkg/eventlog"
	"conductor/pkg/executor"
	"conductor/pkg/gate"
	"conductor/pkg/limiter"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
	"conductor/pkg/recovery"
)

// Status is the overall session status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusBlocked   Status = "blocked"
	StatusFailed    Status = "failed"
)

// ManualTask pairs a manual_required task with its guidance text.
type ManualTask struct {
	TaskName string `json:"task_name"`
	Guidance string `json:"guidance"`
}

// Report is the final session report. It always enumerates every task's
// fate; a blocked session still carries the full artifact and issue set.
type Report struct {
	SessionID   string                    `json:"session_id"`
	Status      Status                    `json:"status"`
	CreatedAt   time.Time                 `json:"created_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
	Tasks       map[string]*proto.TaskRun `json:"tasks"`
	Issues      []gate.Issue              `json:"issues,omitempty"`
	Metrics     *metrics.Summary          `json:"metrics"`
	ManualTasks []ManualTask              `json:"manual_tasks,omitempty"`
}

// Handle references one in-flight session.
type Handle struct {
	SessionID string

	cancel context.CancelFunc
	done   chan struct{}
	report *Report
}

// Cancel aborts the session: in-flight dispatches of the current batch
// are cancelled and remaining batches are skipped, leaving the session
// failed.
func (h *Handle) Cancel() {
	h.cancel()
}

// Await blocks until the session reaches a terminal status and returns
// its report.
func (h *Handle) Await() *Report {
	<-h.done
	return h.report
}

// state is the session's only mutable shared structure: the run map and
// issue log, guarded by a single mutex.
type state struct {
	mu     sync.Mutex
	runs   map[string]*proto.TaskRun
	issues []gate.Issue
}

func (s *state) mergeRuns(runs map[string]*proto.TaskRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, run := range runs {
		s.runs[name] = run
	}
}

func (s *state) appendIssues(issues []gate.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, issues...)
}

func (s *state) snapshot() (map[string]*proto.TaskRun, []gate.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make(map[string]*proto.TaskRun, len(s.runs))
	for k, v := range s.runs {
		runs[k] = v
	}
	return runs, append([]gate.Issue{}, s.issues...)
}

// Engine creates and runs sessions against one executor.
type Engine struct {
	cfg      config.Config
	exec     executor.Executor
	recorder *metrics.Recorder
	events   *eventlog.Writer
	logger   *logx.Logger
}

// Option configures an engine.
type Option func(*Engine)

// WithRecorder publishes session metrics to the given Prometheus
// recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithEventLog appends lifecycle events to the given writer.
func WithEventLog(w *eventlog.Writer) Option {
	return func(e *Engine) { e.events = w }
}

// NewEngine creates a session engine.
func NewEngine(cfg config.Config, exec executor.Executor, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		exec:   exec,
		logger: logx.NewLogger("session"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit plans and starts a session. Configuration errors (bad specs,
// unresolved dependencies, cycles) are fatal and returned synchronously;
// once Submit returns a handle, the caller only ever sees terminal
// per-task statuses in the report, never a raw error.
func (e *Engine) Submit(tasks []proto.TaskSpec, full contextstore.Context, relevancePolicy map[string][]string) (*Handle, error) {
	batches, err := planner.Plan(tasks)
	if err != nil {
		return nil, err
	}

	optimizer, err := contextstore.NewOptimizer(relevancePolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to build context optimizer: %w", err)
	}

	sessionID := uuid.NewString()
	store := contextstore.NewStore(full)
	collector := metrics.NewCollector(sessionID, e.recorder)
	coordinator := dispatch.NewCoordinator(dispatch.Options{
		SessionID:      sessionID,
		Executor:       e.exec,
		Store:          store,
		Optimizer:      optimizer,
		Recovery:       recovery.NewEngine(e.exec, store, optimizer, e.cfg.DefaultTaskTimeout),
		Limiter:        limiter.New(e.cfg.MaxConcurrentTasks, e.cfg.TokensPerMinute),
		Events:         e.events,
		Collector:      collector,
		DefaultTimeout: e.cfg.DefaultTaskTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		SessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	e.logger.Info("session %s submitted: %d tasks in %d batches", sessionID, len(tasks), len(batches))
	go e.run(ctx, h, batches, coordinator, gate.New(e.cfg.Rules), collector)
	return h, nil
}

// Await blocks until the session behind the handle finishes.
func (e *Engine) Await(h *Handle) *Report {
	return h.Await()
}

// run drives the session to a terminal status: batches in order as
// strict barriers, per-batch validation, final validation deciding
// blocked versus completed.
func (e *Engine) run(ctx context.Context, h *Handle, batches []planner.Batch, coordinator *dispatch.Coordinator, g *gate.Gate, collector *metrics.Collector) {
	createdAt := time.Now().UTC()
	st := &state{runs: make(map[string]*proto.TaskRun)}
	artifacts := make(map[string]*proto.Artifact)
	e.emitSessionEvent(proto.EventSessionStarted, h.SessionID, map[string]any{"batches": len(batches)})

	cancelled := false
	for i, batch := range batches {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		runs := coordinator.RunBatch(ctx, batch, artifacts)
		st.mergeRuns(runs)
		for name, run := range runs {
			if run.Status.Resolved() && run.Artifact != nil {
				artifacts[name] = run.Artifact
			}
		}

		if ctx.Err() != nil {
			cancelled = true
			break
		}

		// Per-batch validation feeds the issue log; only the final pass
		// decides whether the session blocks. After the last batch the
		// final pass covers everything, so an extra pass here would only
		// duplicate its issues.
		if i == len(batches)-1 {
			break
		}
		allRuns, _ := st.snapshot()
		issues := g.Validate(artifacts, allRuns)
		st.appendIssues(issues)
		e.emitIssueEvents(h.SessionID, issues)
	}

	var status Status
	switch {
	case cancelled:
		status = StatusFailed
	default:
		allRuns, _ := st.snapshot()
		final := g.Validate(artifacts, allRuns)
		st.appendIssues(final)
		e.emitIssueEvents(h.SessionID, final)
		if gate.HasBlocking(final) {
			status = StatusBlocked
		} else {
			status = StatusCompleted
		}
	}

	runs, issues := st.snapshot()
	report := &Report{
		SessionID:  h.SessionID,
		Status:     status,
		CreatedAt:  createdAt,
		FinishedAt: time.Now().UTC(),
		Tasks:      runs,
		Issues:     issues,
		Metrics:    collector.Finish(string(status)),
	}
	for _, batch := range batches {
		for _, name := range batch.Names() {
			if run, ok := runs[name]; ok && run.Status == proto.TaskManualRequired {
				report.ManualTasks = append(report.ManualTasks, ManualTask{
					TaskName: name,
					Guidance: run.Guidance,
				})
			}
		}
	}

	e.emitSessionEvent(proto.EventSessionFinished, h.SessionID, map[string]any{"status": string(status)})
	e.logger.Info("session %s finished: %s", h.SessionID, status)

	h.report = report
	close(h.done)
}

func (e *Engine) emitSessionEvent(eventType proto.EventType, sessionID string, payload map[string]any) {
	if e.events == nil {
		return
	}
	ev := proto.NewEvent(eventType, sessionID, "")
	for k, v := range payload {
		ev.SetPayload(k, v)
	}
	if err := e.events.Append(ev); err != nil {
		e.logger.Warn("failed to append %s event: %v", eventType, err)
	}
}

func (e *Engine) emitIssueEvents(sessionID string, issues []gate.Issue) {
	if e.events == nil {
		return
	}
	for i := range issues {
		issue := &issues[i]
		ev := proto.NewEvent(proto.EventValidationIssue, sessionID, issue.Subject)
		ev.SetPayload("severity", string(issue.Severity))
		ev.SetPayload("category", issue.Category)
		ev.SetPayload("message", issue.Message)
		if err := e.events.Append(ev); err != nil {
			e.logger.Warn("failed to append validation issue event: %v", err)
		}
	}
}

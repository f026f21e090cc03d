// Package dispatch runs planned batches: concurrent task execution with
// per-task timeouts, failure classification, and recovery handoff.
package dispatch

import (
	"context"
	"errors"
	"time"

	"conductor/pkg/contextstore"
	"conductor/pkg/eventlog"
	"conductor/pkg/executor"
	"conductor/pkg/limiter"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
	"conductor/pkg/recovery"
)

// taskOutcome is the per-task message workers send to the batch
// collector loop.
type taskOutcome struct {
	run       *proto.TaskRun
	optimized *contextstore.Optimized
	kind      proto.FailureKind
	message   string
	failed    bool
}

// Coordinator dispatches one batch at a time. Tasks within a batch run
// concurrently; failures are collected and recovered sequentially after
// the concurrent phase so recovery reruns happen alone.
type Coordinator struct {
	exec           executor.Executor
	store          *contextstore.Store
	optimizer      *contextstore.Optimizer
	recovery       *recovery.Engine
	limiter        *limiter.Limiter
	events         *eventlog.Writer
	collector      *metrics.Collector
	logger         *logx.Logger
	sessionID      string
	defaultTimeout time.Duration
}

// Options carries the collaborators a coordinator needs. Events and
// Collector may be nil.
type Options struct {
	SessionID      string
	Executor       executor.Executor
	Store          *contextstore.Store
	Optimizer      *contextstore.Optimizer
	Recovery       *recovery.Engine
	Limiter        *limiter.Limiter
	Events         *eventlog.Writer
	Collector      *metrics.Collector
	DefaultTimeout time.Duration
}

// NewCoordinator creates a batch coordinator for one session.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		exec:           opts.Executor,
		store:          opts.Store,
		optimizer:      opts.Optimizer,
		recovery:       opts.Recovery,
		limiter:        opts.Limiter,
		events:         opts.Events,
		collector:      opts.Collector,
		logger:         logx.NewLogger("dispatch"),
		sessionID:      opts.SessionID,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// RunBatch executes every task of the batch and returns a run per task.
// All tasks reach a terminal status before it returns: the concurrent
// phase collects every result, then failed tasks go through recovery one
// at a time. siblings holds the artifacts of tasks succeeded in earlier
// batches and is only read.
func (c *Coordinator) RunBatch(ctx context.Context, batch planner.Batch, siblings map[string]*proto.Artifact) map[string]*proto.TaskRun {
	c.logger.Info("batch %d starting with %d tasks", batch.Index, len(batch.Tasks))
	c.emitBatchEvent(proto.EventBatchStarted, batch)

	results := make(chan taskOutcome, len(batch.Tasks))
	for i := range batch.Tasks {
		go c.runTask(ctx, batch.Tasks[i], batch.Index, results)
	}

	// Single collector loop: workers never touch shared state.
	byName := make(map[string]taskOutcome, len(batch.Tasks))
	for range batch.Tasks {
		out := <-results
		byName[out.run.Name] = out
	}

	runs := make(map[string]*proto.TaskRun, len(batch.Tasks))
	available := cloneArtifacts(siblings)
	for name, out := range byName {
		runs[name] = out.run
		if !out.failed && out.run.Artifact != nil {
			available[name] = out.run.Artifact
		}
	}

	// Sequential recovery phase, in declaration order for determinism.
	for i := range batch.Tasks {
		name := batch.Tasks[i].Name
		out := byName[name]
		if !out.failed {
			c.finishRun(out.run, proto.TaskSucceeded)
			continue
		}
		c.recoverTask(ctx, batch.Tasks[i], out, available)
		if out.run.Status.Resolved() && out.run.Artifact != nil {
			available[name] = out.run.Artifact
		}
	}

	c.emitBatchEvent(proto.EventBatchFinished, batch)
	c.logger.Info("batch %d finished", batch.Index)
	return runs
}

// runTask performs the concurrent phase for one task: optimize context,
// reserve limiter capacity, invoke the executor under the task timeout,
// and classify the result.
func (c *Coordinator) runTask(ctx context.Context, task proto.TaskSpec, batchIndex int, results chan<- taskOutcome) {
	run := proto.NewTaskRun(task.Name, batchIndex)
	run.StartedAt = time.Now().UTC()

	full := c.store.Snapshot()
	oc := c.optimizer.Optimize(full, task.Name, nil)
	if c.collector != nil {
		c.collector.RecordTaskStart(task.Name)
		c.collector.RecordContextSizes(c.optimizer.EstimateAll(full), oc.SizeEstimate)
	}
	c.emitTaskEvent(proto.EventTaskStarted, task.Name, nil)

	out := taskOutcome{run: run, optimized: oc}

	if err := c.limiter.Acquire(ctx, oc.SizeEstimate); err != nil {
		out.failed = true
		out.kind = proto.FailureExecution
		out.message = "limiter: " + err.Error()
		c.noteFailure(run, out.kind, out.message)
		results <- out
		return
	}
	defer c.limiter.Release()

	_ = run.Advance(proto.TaskRunning)
	run.Attempts++

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &proto.TaskRequest{
		SessionID:    c.sessionID,
		TaskName:     task.Name,
		Context:      oc.Values,
		SizeEstimate: oc.SizeEstimate,
	}
	res, err := c.exec.Execute(taskCtx, req)

	kind, message, failed := classify(res, err)
	if failed {
		out.failed = true
		out.kind = kind
		out.message = message
		c.noteFailure(run, kind, message)
	} else {
		run.Artifact = res.Artifact
	}
	results <- out
}

// recoverTask drives one failed task through the recovery engine and
// folds the outcome into its run.
func (c *Coordinator) recoverTask(ctx context.Context, task proto.TaskSpec, out taskOutcome, siblings map[string]*proto.Artifact) {
	run := out.run
	c.logger.Warn("task %s failed (%s), handing to recovery", task.Name, out.kind)

	rec := c.recovery.Recover(ctx, task, out.optimized, out.kind, siblings)
	// Only levels 1 and 2 re-invoke the executor; placeholder and guidance
	// records are not attempts.
	for _, record := range rec.Records {
		if record.Level <= 2 {
			run.Attempts++
		}
	}
	run.EscalateRecovery(rec.Level)
	run.Artifact = rec.Artifact
	run.Guidance = rec.Guidance

	for _, record := range rec.Records {
		if c.collector != nil {
			c.collector.RecordRecovery(record.Level, record.Success)
		}
		c.emitTaskEvent(proto.EventRecoveryAttempt, task.Name, map[string]any{
			"level":   record.Level,
			"method":  record.Method,
			"success": record.Success,
		})
	}
	if rec.Guidance != "" {
		c.emitTaskEvent(proto.EventTaskFinished, task.Name, map[string]any{"guidance": rec.Guidance})
	}

	c.finishRun(run, rec.Status)
}

// finishRun advances a run to its terminal status and records metrics.
func (c *Coordinator) finishRun(run *proto.TaskRun, status proto.TaskStatus) {
	if err := run.Advance(status); err != nil {
		c.logger.Error("task %s: %v", run.Name, err)
	}
	run.EndedAt = time.Now().UTC()
	if c.collector != nil {
		c.collector.RecordTaskEnd(run.Name, string(run.Status))
	}
	c.emitTaskEvent(proto.EventTaskFinished, run.Name, map[string]any{
		"status":         string(run.Status),
		"recovery_level": run.RecoveryLevel,
	})
}

func (c *Coordinator) noteFailure(run *proto.TaskRun, kind proto.FailureKind, message string) {
	run.LastError = &proto.TaskError{Kind: kind, Message: message}
}

// classify maps an executor invocation outcome to a failure kind. A
// timeout is not a separate kind: it classifies as an execution failure
// and is routed to recovery like any other.
func classify(res *proto.TaskResult, err error) (proto.FailureKind, string, bool) {
	switch {
	case err != nil:
		if errors.Is(err, context.DeadlineExceeded) {
			return proto.FailureExecution, "task timed out", true
		}
		return proto.FailureExecution, err.Error(), true
	case res.Failed():
		kind := res.ErrorKind
		if kind == "" {
			kind = proto.FailureExecution
		}
		return kind, res.ErrorMessage, true
	case res.Artifact == nil:
		return proto.FailureOutputMissing, "collaborator reported success without an artifact", true
	case !res.Artifact.WellFormed():
		return proto.FailureTemplate, "artifact is missing document markers", true
	case !res.Artifact.VerifyChecksum():
		return proto.FailureTemplate, "artifact checksum mismatch", true
	default:
		return "", "", false
	}
}

func (c *Coordinator) emitBatchEvent(eventType proto.EventType, batch planner.Batch) {
	if c.events == nil {
		return
	}
	ev := proto.NewEvent(eventType, c.sessionID, "")
	ev.SetPayload("batch_index", batch.Index)
	ev.SetPayload("tasks", batch.Names())
	if err := c.events.Append(ev); err != nil {
		c.logger.Warn("failed to append %s event: %v", eventType, err)
	}
}

func (c *Coordinator) emitTaskEvent(eventType proto.EventType, taskName string, payload map[string]any) {
	if c.events == nil {
		return
	}
	ev := proto.NewEvent(eventType, c.sessionID, taskName)
	for k, v := range payload {
		ev.SetPayload(k, v)
	}
	if err := c.events.Append(ev); err != nil {
		c.logger.Warn("failed to append %s event: %v", eventType, err)
	}
}

func cloneArtifacts(in map[string]*proto.Artifact) map[string]*proto.Artifact {
	out := make(map[string]*proto.Artifact, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

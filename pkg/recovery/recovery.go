// Package recovery implements the four-level failure recovery state
// machine: identical retry, sequential rerun with context repair,
// placeholder generation, and manual-completion guidance.
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"conductor/pkg/contextstore"
	"conductor/pkg/executor"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

const maxIdenticalRetries = 2

// Record documents one recovery attempt for the session report and the
// metrics collector.
type Record struct {
	TaskName       string   `json:"task_name"`
	Level          int      `json:"level"`
	Method         string   `json:"method"`
	Success        bool     `json:"success"`
	ContextRebuilt []string `json:"context_rebuilt,omitempty"`
}

// Outcome is the terminal result of running the state machine for one
// failed task. Status is always terminal; Artifact is set for every
// outcome except manual_required and failed.
type Outcome struct {
	Status   proto.TaskStatus `json:"status"`
	Level    int              `json:"level"`
	Artifact *proto.Artifact  `json:"artifact,omitempty"`
	Guidance string           `json:"guidance,omitempty"`
	Records  []Record         `json:"records"`
}

// Engine drives failed tasks through escalating recovery levels until
// one produces a terminal status.
type Engine struct {
	exec           executor.Executor
	store          *contextstore.Store
	optimizer      *contextstore.Optimizer
	defaultTimeout time.Duration
	logger         *logx.Logger
}

// NewEngine creates a recovery engine over the session's context store.
// defaultTimeout bounds each recovery re-dispatch for tasks without a
// per-task timeout of their own.
func NewEngine(exec executor.Executor, store *contextstore.Store, optimizer *contextstore.Optimizer, defaultTimeout time.Duration) *Engine {
	return &Engine{
		exec:           exec,
		store:          store,
		optimizer:      optimizer,
		defaultTimeout: defaultTimeout,
		logger:         logx.NewLogger("recovery"),
	}
}

// Recover runs the state machine for one failed task. oc is the exact
// optimized context the failing dispatch used; siblings holds artifacts
// of tasks already succeeded in this session, keyed by task name. The
// returned outcome always carries a terminal status.
func (e *Engine) Recover(ctx context.Context, task proto.TaskSpec, oc *contextstore.Optimized, kind proto.FailureKind, siblings map[string]*proto.Artifact) *Outcome {
	e.logger.Info("task %s entering recovery after %s", task.Name, kind)
	out := &Outcome{}

	if done := e.levelOneRetry(ctx, task, oc, out); done {
		return out
	}
	if done := e.levelTwoSequential(ctx, task, out, siblings); done {
		return out
	}
	if done := e.levelThreePlaceholder(task, out); done {
		return out
	}
	e.levelFourGuidance(task, out, siblings)
	return out
}

// levelOneRetry re-invokes the task with the identical optimized context
// up to maxIdenticalRetries times.
func (e *Engine) levelOneRetry(ctx context.Context, task proto.TaskSpec, oc *contextstore.Optimized, out *Outcome) bool {
	req := &proto.TaskRequest{
		TaskName:     task.Name,
		Context:      oc.Values,
		SizeEstimate: oc.SizeEstimate,
	}

	for attempt := 1; attempt <= maxIdenticalRetries; attempt++ {
		if ctx.Err() != nil {
			e.abort(task, out, 1)
			return true
		}

		artifact, ok := e.invoke(ctx, task, req)
		out.Records = append(out.Records, Record{
			TaskName: task.Name,
			Level:    1,
			Method:   "identical_retry",
			Success:  ok,
		})
		if ok {
			e.logger.Info("task %s recovered by identical retry (attempt %d)", task.Name, attempt)
			out.Status = proto.TaskSucceeded
			out.Level = 1
			out.Artifact = artifact
			return true
		}
	}

	e.logger.Warn("task %s exhausted identical retries, escalating", task.Name)
	return false
}

// levelTwoSequential re-runs the task alone over a validated copy of the
// original full context, reconstructing missing required keys from
// succeeded sibling artifacts where derivable.
func (e *Engine) levelTwoSequential(ctx context.Context, task proto.TaskSpec, out *Outcome, siblings map[string]*proto.Artifact) bool {
	if ctx.Err() != nil {
		e.abort(task, out, 2)
		return true
	}

	snapshot := e.store.Snapshot()
	var rebuilt []string
	for _, key := range e.missingRequiredKeys(task.Name, snapshot) {
		value, ok := reconstructKey(key, siblings)
		if !ok {
			// Reconstruction failure is not an error, it only narrows
			// what this level can attempt.
			continue
		}
		snapshot[key] = value
		rebuilt = append(rebuilt, key)
	}

	oc := e.optimizer.Optimize(snapshot, task.Name, nil)
	req := &proto.TaskRequest{
		TaskName:     task.Name,
		Context:      oc.Values,
		SizeEstimate: oc.SizeEstimate,
	}

	artifact, ok := e.invoke(ctx, task, req)
	out.Records = append(out.Records, Record{
		TaskName:       task.Name,
		Level:          2,
		Method:         "sequential_rerun",
		Success:        ok,
		ContextRebuilt: rebuilt,
	})
	if ok {
		e.logger.Info("task %s recovered by sequential rerun (rebuilt keys: %v)", task.Name, rebuilt)
		out.Status = proto.TaskRecovered
		out.Level = 2
		out.Artifact = artifact
		return true
	}

	e.logger.Warn("task %s sequential rerun failed, escalating", task.Name)
	return false
}

// levelThreePlaceholder builds a minimal well-formed placeholder artifact
// from the task's identity alone, with no optimized context dependency.
func (e *Engine) levelThreePlaceholder(task proto.TaskSpec, out *Outcome) bool {
	artifact, err := buildPlaceholder(task.Name)
	out.Records = append(out.Records, Record{
		TaskName: task.Name,
		Level:    3,
		Method:   "placeholder",
		Success:  err == nil,
	})
	if err != nil {
		e.logger.Warn("task %s placeholder generation failed: %v", task.Name, err)
		return false
	}

	e.logger.Info("task %s resolved with placeholder artifact", task.Name)
	out.Status = proto.TaskPartiallyRecovered
	out.Level = 3
	out.Artifact = artifact
	return true
}

// levelFourGuidance emits a manual-completion record with guidance text
// referencing succeeded sibling outputs.
func (e *Engine) levelFourGuidance(task proto.TaskSpec, out *Outcome, siblings map[string]*proto.Artifact) {
	names := make([]string, 0, len(siblings))
	for name := range siblings {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Task %q could not be completed or stubbed automatically. ", task.Name)
	b.WriteString("Write the document by hand.")
	if len(names) > 0 {
		fmt.Fprintf(&b, " For consistency, align it with the completed outputs of: %s.", strings.Join(names, ", "))
	}

	out.Records = append(out.Records, Record{
		TaskName: task.Name,
		Level:    4,
		Method:   "manual_guidance",
		Success:  false,
	})
	out.Status = proto.TaskManualRequired
	out.Level = 4
	out.Guidance = b.String()
	e.logger.Warn("task %s requires manual completion", task.Name)
}

// invoke runs one executor call, bounded by the task's timeout, and
// reports whether it produced a well-formed artifact.
func (e *Engine) invoke(ctx context.Context, task proto.TaskSpec, req *proto.TaskRequest) (*proto.Artifact, bool) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.exec.Execute(ctx, req)
	if err != nil || res.Failed() || res.Artifact == nil {
		return nil, false
	}
	if !res.Artifact.WellFormed() {
		return nil, false
	}
	return res.Artifact, true
}

// abort finalizes the outcome as failed when the session context is
// cancelled mid-recovery.
func (e *Engine) abort(task proto.TaskSpec, out *Outcome, level int) {
	e.logger.Warn("task %s recovery aborted by cancellation at level %d", task.Name, level)
	out.Status = proto.TaskFailed
	out.Level = level
}

// missingRequiredKeys returns the policy keys for a task absent from the
// payload, sorted.
func (e *Engine) missingRequiredKeys(taskName string, payload contextstore.Context) []string {
	var missing []string
	for _, key := range e.optimizer.RequiredFor(taskName) {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// buildPlaceholder creates the minimal structural artifact for a task.
func buildPlaceholder(taskName string) (*proto.Artifact, error) {
	if strings.TrimSpace(taskName) == "" {
		return nil, fmt.Errorf("cannot build placeholder without a task name")
	}

	body := fmt.Sprintf("%s\n# %s\n\nThis document is a placeholder and must be completed by hand.\n",
		proto.RequiresCompletionMarker, taskName)
	artifact := proto.NewArtifact(taskName, body)
	artifact.Placeholder = true
	return artifact, nil
}

// reconstructKey scans succeeded sibling artifacts for content matching
// a missing required key. Two patterns are recognized: a "key: value"
// line and a "## key" section heading whose first following paragraph
// becomes the value. Sibling task names are scanned in sorted order so
// reconstruction is deterministic.
func reconstructKey(key string, siblings map[string]*proto.Artifact) (string, bool) {
	names := make([]string, 0, len(siblings))
	for name := range siblings {
		names = append(names, name)
	}
	sort.Strings(names)

	lineRe := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(key) + `:\s*(.+)$`)
	sectionRe := regexp.MustCompile(`(?m)^##\s+` + regexp.QuoteMeta(key) + `\s*$`)

	for _, name := range names {
		artifact := siblings[name]
		if artifact == nil || artifact.Placeholder {
			continue
		}

		if m := lineRe.FindStringSubmatch(artifact.Content); m != nil {
			return strings.TrimSpace(m[1]), true
		}

		if loc := sectionRe.FindStringIndex(artifact.Content); loc != nil {
			if para := firstParagraphAfter(artifact.Content[loc[1]:]); para != "" {
				return para, true
			}
		}
	}
	return "", false
}

// firstParagraphAfter returns the first non-empty paragraph in text,
// stopping at the next heading or marker line.
func firstParagraphAfter(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(lines) > 0 {
				break
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "<!--") {
			break
		}
		lines = append(lines, trimmed)
	}
	return strings.Join(lines, " ")
}

// Package proto defines the shared protocol types exchanged between the
// engine components and the task-execution collaborator.
package proto

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle status of a task run. Transitions are
// monotonic: pending -> running -> exactly one terminal status.
type TaskStatus string

const (
	TaskPending            TaskStatus = "pending"
	TaskRunning            TaskStatus = "running"
	TaskSucceeded          TaskStatus = "succeeded"
	TaskRecovered          TaskStatus = "recovered"
	TaskPartiallyRecovered TaskStatus = "partially_recovered"
	TaskManualRequired     TaskStatus = "manual_required"
	TaskFailed             TaskStatus = "failed"
)

// Terminal reports whether the status is final for the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskRecovered, TaskPartiallyRecovered, TaskManualRequired, TaskFailed:
		return true
	default:
		return false
	}
}

// Resolved reports whether the task ended with a usable outcome,
// i.e. any terminal status short of manual_required or failed.
func (s TaskStatus) Resolved() bool {
	switch s {
	case TaskSucceeded, TaskRecovered, TaskPartiallyRecovered:
		return true
	default:
		return false
	}
}

// FailureKind classifies a task failure before recovery handoff.
type FailureKind string

const (
	FailureExecution         FailureKind = "execution_failure"
	FailureOutputMissing     FailureKind = "output_missing"
	FailureContextCorruption FailureKind = "context_corruption"
	FailureTemplate          FailureKind = "template_failure"
)

// TaskSpec is the caller-supplied description of one generation task.
// It is immutable once submitted.
type TaskSpec struct {
	Name      string        `json:"name" yaml:"name"`
	DependsOn []string      `json:"depends_on,omitempty" yaml:"depends_on"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// Validate checks the structural requirements a spec must meet before
// planning. Dependency resolution happens in the planner, not here.
func (t *TaskSpec) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if t.Timeout < 0 {
		return fmt.Errorf("task %s: timeout must not be negative", t.Name)
	}
	return nil
}

// TaskError records the last classified failure of a task run.
type TaskError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// TaskRun tracks one task through its batch, attempts, and recovery.
// It is created when the task begins execution and retained for the
// life of the session for reporting.
type TaskRun struct {
	Name          string     `json:"name"`
	BatchIndex    int        `json:"batch_index"`
	Attempts      int        `json:"attempts"`
	RecoveryLevel int        `json:"recovery_level"` // 0 = no recovery, 1-4 = escalation tier reached
	Status        TaskStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	EndedAt       time.Time  `json:"ended_at,omitempty"`
	Artifact      *Artifact  `json:"artifact,omitempty"`
	LastError     *TaskError `json:"last_error,omitempty"`
	Guidance      string     `json:"guidance,omitempty"` // manual-completion guidance, set only for manual_required
}

// NeedsManualCompletion reports whether the run ended requiring human
// follow-up.
func (r *TaskRun) NeedsManualCompletion() bool {
	return r.Status == TaskManualRequired || (r.Artifact != nil && r.Artifact.RequiresCompletion())
}

// NewTaskRun creates a pending run for the given task and batch.
func NewTaskRun(name string, batchIndex int) *TaskRun {
	return &TaskRun{
		Name:       name,
		BatchIndex: batchIndex,
		Status:     TaskPending,
	}
}

// Advance moves the run to a new status, enforcing monotonic forward
// transitions. A terminal status never changes again.
func (r *TaskRun) Advance(status TaskStatus) error {
	if r.Status.Terminal() {
		return fmt.Errorf("task %s: cannot leave terminal status %s", r.Name, r.Status)
	}
	if r.Status == TaskRunning && status == TaskPending {
		return fmt.Errorf("task %s: cannot transition backward from %s to %s", r.Name, r.Status, status)
	}
	r.Status = status
	return nil
}

// EscalateRecovery raises the recovery level. Levels only ever increase.
func (r *TaskRun) EscalateRecovery(level int) {
	if level > r.RecoveryLevel {
		r.RecoveryLevel = level
	}
}

// Duration returns the wall time of the run, or zero if it never started.
func (r *TaskRun) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

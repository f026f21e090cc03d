// Package planner partitions a task set into ordered batches of mutually
// independent tasks, maximizing intra-batch parallelism.
package planner

import (
	"errors"
	"fmt"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

var (
	// ErrConfig is returned for structurally invalid task sets: empty or
	// duplicate names, or dependencies on tasks not in the set.
	ErrConfig = errors.New("invalid task configuration")

	// ErrCyclicDependency is returned when the dependency graph contains
	// a cycle. No partial plan is returned.
	ErrCyclicDependency = errors.New("cyclic dependency detected")
)

// Batch is one layer of the plan: a set of tasks whose dependencies are
// all satisfied by strictly earlier batches, and which are therefore
// mutually independent and safe to run concurrently.
type Batch struct {
	Index int
	Tasks []proto.TaskSpec
}

// Names returns the task names of the batch in declaration order.
func (b *Batch) Names() []string {
	names := make([]string, len(b.Tasks))
	for i := range b.Tasks {
		names[i] = b.Tasks[i].Name
	}
	return names
}

// Plan computes the batch plan for a task set. Each batch is the maximal
// set of tasks whose dependencies are satisfied by earlier batches; tasks
// within a batch keep their declaration order, which fixes reporting
// order only, not execution order.
func Plan(tasks []proto.TaskSpec) ([]Batch, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks submitted", ErrConfig)
	}

	byName := make(map[string]*proto.TaskSpec, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConfig, err)
		}
		if _, exists := byName[task.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate task name %q", ErrConfig, task.Name)
		}
		byName[task.Name] = task
	}

	for i := range tasks {
		task := &tasks[i]
		for _, dep := range task.DependsOn {
			if _, exists := byName[dep]; !exists {
				return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrConfig, task.Name, dep)
			}
		}
	}

	logger := logx.NewLogger("planner")

	placed := make(map[string]bool, len(tasks))
	remaining := len(tasks)
	var batches []Batch

	for remaining > 0 {
		var layer []proto.TaskSpec
		for i := range tasks {
			task := &tasks[i]
			if placed[task.Name] {
				continue
			}
			if depsSatisfied(task, placed) {
				layer = append(layer, *task)
			}
		}

		if len(layer) == 0 {
			// Every unplaced task waits on another unplaced task.
			return nil, fmt.Errorf("%w: %d task(s) unschedulable", ErrCyclicDependency, remaining)
		}

		for i := range layer {
			placed[layer[i].Name] = true
		}
		remaining -= len(layer)
		batches = append(batches, Batch{Index: len(batches), Tasks: layer})
	}

	logger.Debug("Planned %d task(s) into %d batch(es)", len(tasks), len(batches))
	return batches, nil
}

func depsSatisfied(task *proto.TaskSpec, placed map[string]bool) bool {
	for _, dep := range task.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}

package contextstore

import (
	"fmt"
	"sort"

	"conductor/pkg/utils"
)

// Optimized is a reduced, task-specific view of the full context. It is
// immutable once produced: included keys and excluded keys never
// intersect, and missing required keys are recorded rather than failing.
type Optimized struct {
	TaskName     string            `json:"task_name"`
	Values       map[string]string `json:"values"`
	Excluded     []string          `json:"excluded"`
	Missing      []string          `json:"missing,omitempty"`
	SizeEstimate int               `json:"size_estimate"`
}

// Optimizer derives per-task context views using a caller-supplied
// relevance policy: a static mapping of task name to the top-level keys
// that task requires.
type Optimizer struct {
	policy  map[string][]string
	counter *utils.TokenCounter
}

// NewOptimizer creates an optimizer for the given relevance policy.
func NewOptimizer(policy map[string][]string) (*Optimizer, error) {
	counter, err := utils.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token counter: %w", err)
	}
	return &Optimizer{
		policy:  policy,
		counter: counter,
	}, nil
}

// Optimize selects the subset of full relevant to taskName per the
// relevance policy, plus any extra focus keys. It is a pure function of
// its arguments: identical inputs always yield an identical Optimized.
// A task with no policy entry and no focus keys receives the full context.
func (o *Optimizer) Optimize(full Context, taskName string, focus []string) *Optimized {
	required := o.requiredKeys(taskName, focus)

	opt := &Optimized{
		TaskName: taskName,
		Values:   make(map[string]string),
		Excluded: []string{},
	}

	if required == nil {
		// No policy for this task: everything is relevant.
		for _, key := range full.Keys() {
			value := full[key]
			opt.Values[key] = value
			opt.SizeEstimate += o.counter.CountPair(key, value)
		}
		return opt
	}

	for _, key := range full.Keys() {
		value := full[key]
		if required[key] {
			opt.Values[key] = value
			opt.SizeEstimate += o.counter.CountPair(key, value)
		} else {
			opt.Excluded = append(opt.Excluded, key)
		}
	}

	// Required keys absent from the payload are recorded, not errors:
	// absence is resolved (or not) by recovery, never at this layer.
	for _, key := range sortedKeys(required) {
		if _, present := full[key]; !present {
			opt.Missing = append(opt.Missing, key)
		}
	}

	return opt
}

// EstimateAll returns the token estimate of the full, unoptimized payload.
// The metrics collector compares this against per-task optimized
// estimates to report context-size reduction.
func (o *Optimizer) EstimateAll(full Context) int {
	total := 0
	for _, key := range full.Keys() {
		total += o.counter.CountPair(key, full[key])
	}
	return total
}

// RequiredFor returns the policy keys for a task, sorted, or nil when the
// task has no policy entry.
func (o *Optimizer) RequiredFor(taskName string) []string {
	keys, ok := o.policy[taskName]
	if !ok {
		return nil
	}
	out := append([]string{}, keys...)
	sort.Strings(out)
	return out
}

func (o *Optimizer) requiredKeys(taskName string, focus []string) map[string]bool {
	policyKeys, hasPolicy := o.policy[taskName]
	if !hasPolicy && len(focus) == 0 {
		return nil
	}

	required := make(map[string]bool, len(policyKeys)+len(focus))
	for _, k := range policyKeys {
		required[k] = true
	}
	for _, k := range focus {
		required[k] = true
	}
	return required
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package executor

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/proto"
)

// MockResult scripts one invocation outcome for a task.
type MockResult struct {
	Result *proto.TaskResult
	Err    error
	Delay  time.Duration
}

// MockExecutor is a scriptable in-memory executor for tests and dry runs.
// Per-task result queues are consumed invocation by invocation; a task
// with an exhausted or absent queue succeeds with a generated body.
type MockExecutor struct {
	mu      sync.Mutex
	scripts map[string][]MockResult
	calls   []*proto.TaskRequest
}

// NewMockExecutor creates an empty mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		scripts: make(map[string][]MockResult),
	}
}

func (m *MockExecutor) Name() string { return "mock" }

// Script queues outcomes for a task, consumed in order.
func (m *MockExecutor) Script(taskName string, results ...MockResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[taskName] = append(m.scripts[taskName], results...)
}

// FailTimes queues n failures of the given kind, so the next invocations
// of the task fail before the default success applies.
func (m *MockExecutor) FailTimes(taskName string, n int, kind proto.FailureKind) {
	for i := 0; i < n; i++ {
		m.Script(taskName, MockResult{
			Result: &proto.TaskResult{
				Status:       proto.ResultFailure,
				ErrorKind:    kind,
				ErrorMessage: "scripted failure",
			},
		})
	}
}

// Execute pops the next scripted outcome, or succeeds by default.
func (m *MockExecutor) Execute(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var next *MockResult
	if queue := m.scripts[req.TaskName]; len(queue) > 0 {
		next = &queue[0]
		m.scripts[req.TaskName] = queue[1:]
	}
	m.mu.Unlock()

	if next != nil && next.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next.Delay):
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if next != nil {
		return next.Result, next.Err
	}
	return resultFromContent(req.TaskName, "generated body for "+req.TaskName), nil
}

// Calls returns a copy of every request received so far.
func (m *MockExecutor) Calls() []*proto.TaskRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*proto.TaskRequest{}, m.calls...)
}

// CallCount returns how many times a task was invoked.
func (m *MockExecutor) CallCount(taskName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.TaskName == taskName {
			n++
		}
	}
	return n
}

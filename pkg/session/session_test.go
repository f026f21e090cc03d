package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
	"conductor/pkg/contextstore"
	"conductor/pkg/executor"
	"conductor/pkg/gate"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DefaultTaskTimeout = 2 * time.Second
	return cfg
}

func TestSessionCompletes(t *testing.T) {
	mock := executor.NewMockExecutor()
	eng := NewEngine(testConfig(), mock)

	tasks := []proto.TaskSpec{
		{Name: "overview"},
		{Name: "api", DependsOn: []string{"overview"}},
		{Name: "guide", DependsOn: []string{"overview"}},
	}

	h, err := eng.Submit(tasks, contextstore.Context{"project": "conductor"}, nil)
	require.NoError(t, err)

	report := eng.Await(h)
	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.Tasks, 3)
	for name, run := range report.Tasks {
		assert.Equal(t, proto.TaskSucceeded, run.Status, name)
		require.NotNil(t, run.Artifact, name)
	}
	assert.Empty(t, report.ManualTasks)
	require.NotNil(t, report.Metrics)
	assert.Equal(t, 3, report.Metrics.TasksByStatus["succeeded"])
	assert.False(t, report.FinishedAt.Before(report.CreatedAt))
}

func TestSubmitRejectsBadConfigSynchronously(t *testing.T) {
	eng := NewEngine(testConfig(), executor.NewMockExecutor())

	_, err := eng.Submit([]proto.TaskSpec{
		{Name: "a", DependsOn: []string{"missing"}},
	}, nil, nil)
	assert.ErrorIs(t, err, planner.ErrConfig)

	_, err = eng.Submit([]proto.TaskSpec{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}, nil, nil)
	assert.ErrorIs(t, err, planner.ErrCyclicDependency)
}

func TestNoForwardLeakage(t *testing.T) {
	// Dependents must not dispatch until every batch-1 task is terminal.
	mock := executor.NewMockExecutor()
	mock.Script("slow", executor.MockResult{
		Result: &proto.TaskResult{Status: proto.ResultSuccess, Artifact: proto.NewArtifact("slow", "body")},
		Delay:  80 * time.Millisecond,
	})

	eng := NewEngine(testConfig(), mock)

	h, err := eng.Submit([]proto.TaskSpec{
		{Name: "slow"},
		{Name: "fast"},
		{Name: "dependent", DependsOn: []string{"slow", "fast"}},
	}, nil, nil)
	require.NoError(t, err)
	report := eng.Await(h)
	require.Equal(t, StatusCompleted, report.Status)

	// Execution order observed through the mock's call log after the run.
	order := []string{}
	for _, call := range mock.Calls() {
		order = append(order, call.TaskName)
	}
	require.Len(t, order, 3)
	assert.Equal(t, "dependent", order[2], "dependent must dispatch last")
	assert.Equal(t, 0, report.Tasks["slow"].BatchIndex)
	assert.Equal(t, 1, report.Tasks["dependent"].BatchIndex)
}

func TestScenarioRecoveredTask(t *testing.T) {
	// X fails twice under identical retry, succeeds on the sequential
	// rerun: recovered at level 2, session still completes.
	mock := executor.NewMockExecutor()
	mock.FailTimes("x", 3, proto.FailureExecution)

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{{Name: "x"}}, nil, nil)
	require.NoError(t, err)

	report := eng.Await(h)
	assert.Equal(t, StatusCompleted, report.Status)
	run := report.Tasks["x"]
	assert.Equal(t, proto.TaskRecovered, run.Status)
	assert.Equal(t, 2, run.RecoveryLevel)
	assert.InDelta(t, 1.0/3.0, report.Metrics.RecoveryRate(), 0.001)
}

func TestPlaceholderBlocksNothingButWarns(t *testing.T) {
	mock := executor.NewMockExecutor()
	mock.FailTimes("y", 4, proto.FailureExecution)

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{{Name: "y"}}, nil, nil)
	require.NoError(t, err)

	report := eng.Await(h)
	assert.Equal(t, StatusCompleted, report.Status)
	run := report.Tasks["y"]
	assert.Equal(t, proto.TaskPartiallyRecovered, run.Status)
	assert.True(t, run.NeedsManualCompletion())

	warned := false
	for _, issue := range report.Issues {
		if issue.Severity == gate.SeverityWarning && issue.Subject == "y" {
			warned = true
		}
	}
	assert.True(t, warned, "placeholder artifact must surface a WARNING issue")
}

func TestBlockingCorrectness(t *testing.T) {
	// An artifact referencing a task that never ran is an ERROR issue
	// after the final batch, so the session blocks.
	mock := executor.NewMockExecutor()
	mock.Script("a", executor.MockResult{
		Result: &proto.TaskResult{
			Status:   proto.ResultSuccess,
			Artifact: proto.NewArtifact("a", "see <!-- conductor:ref ghost -->"),
		},
	})

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{{Name: "a"}}, nil, nil)
	require.NoError(t, err)

	report := eng.Await(h)
	assert.Equal(t, StatusBlocked, report.Status)
	assert.True(t, gate.HasBlocking(report.Issues))
	// Blocked sessions still produce the full report.
	assert.Equal(t, proto.TaskSucceeded, report.Tasks["a"].Status)
	require.NotNil(t, report.Tasks["a"].Artifact)
}

func TestFinalBatchValidatedOnce(t *testing.T) {
	// The last batch is covered only by the final validation pass; its
	// issues must appear in the report exactly once.
	mock := executor.NewMockExecutor()
	mock.Script("a", executor.MockResult{
		Result: &proto.TaskResult{
			Status:   proto.ResultSuccess,
			Artifact: proto.NewArtifact("a", "see <!-- conductor:ref ghost -->"),
		},
	})

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{{Name: "a"}}, nil, nil)
	require.NoError(t, err)

	report := eng.Await(h)
	require.Equal(t, StatusBlocked, report.Status)

	errors := 0
	for _, issue := range report.Issues {
		if issue.Severity == gate.SeverityError {
			errors++
		}
	}
	assert.Equal(t, 1, errors, "dangling reference must be reported once, not per pass")
}

func TestCancelLeavesSessionFailed(t *testing.T) {
	mock := executor.NewMockExecutor()
	mock.Script("hang", executor.MockResult{
		Result: &proto.TaskResult{Status: proto.ResultSuccess},
		Delay:  5 * time.Second,
	})

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{
		{Name: "hang"},
		{Name: "later", DependsOn: []string{"hang"}},
	}, nil, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	h.Cancel()

	report := h.Await()
	assert.Equal(t, StatusFailed, report.Status)
	// The unscheduled batch never dispatched.
	assert.Zero(t, mock.CallCount("later"))
	assert.NotContains(t, report.Tasks, "later")
}

func TestDependentTaskResolvesAsPlaceholder(t *testing.T) {
	// A dependent task that fails every invocation still resolves, via a
	// placeholder artifact flagged for completion.
	mock := executor.NewMockExecutor()
	mock.FailTimes("report", 4, proto.FailureExecution)

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{
		{Name: "overview"},
		{Name: "report", DependsOn: []string{"overview"}},
	}, nil, nil)
	require.NoError(t, err)

	r := eng.Await(h)
	run := r.Tasks["report"]
	assert.Equal(t, proto.TaskPartiallyRecovered, run.Status)
	require.NotNil(t, run.Artifact)
	assert.Contains(t, run.Artifact.Content, proto.RequiresCompletionMarker)
}

func TestRelevancePolicyReducesDispatchedContext(t *testing.T) {
	mock := executor.NewMockExecutor()
	full := contextstore.Context{
		"goal":     "ship the product",
		"audience": "engineers",
		"internal": "do not leak",
	}
	policy := map[string][]string{"doc": {"goal", "audience"}}

	eng := NewEngine(testConfig(), mock)
	h, err := eng.Submit([]proto.TaskSpec{{Name: "doc"}}, full, policy)
	require.NoError(t, err)

	report := eng.Await(h)
	require.Equal(t, StatusCompleted, report.Status)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].Context, "internal")
	assert.Equal(t, "ship the product", calls[0].Context["goal"])
	assert.Greater(t, report.Metrics.ContextReduction(), 0.0)
}

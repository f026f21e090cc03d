package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/contextstore"
	"conductor/pkg/executor"
	"conductor/pkg/proto"
)

func newEngine(t *testing.T, mock *executor.MockExecutor, payload contextstore.Context, policy map[string][]string) *Engine {
	t.Helper()
	optimizer, err := contextstore.NewOptimizer(policy)
	require.NoError(t, err)
	return NewEngine(mock, contextstore.NewStore(payload), optimizer, time.Second)
}

func optimized(taskName string, values map[string]string) *contextstore.Optimized {
	return &contextstore.Optimized{TaskName: taskName, Values: values}
}

func TestLevelOneIdenticalRetrySucceeds(t *testing.T) {
	mock := executor.NewMockExecutor()
	mock.FailTimes("x", 1, proto.FailureExecution)

	eng := newEngine(t, mock, contextstore.Context{"goal": "ship"}, nil)
	out := eng.Recover(context.Background(), proto.TaskSpec{Name: "x"},
		optimized("x", map[string]string{"goal": "ship"}), proto.FailureExecution, nil)

	assert.Equal(t, proto.TaskSucceeded, out.Status)
	assert.Equal(t, 1, out.Level)
	require.NotNil(t, out.Artifact)
	assert.True(t, out.Artifact.WellFormed())
	// First retry failed, second succeeded.
	require.Len(t, out.Records, 2)
	assert.False(t, out.Records[0].Success)
	assert.True(t, out.Records[1].Success)

	// Identical context on every retry.
	for _, call := range mock.Calls() {
		assert.Equal(t, map[string]string{"goal": "ship"}, call.Context)
	}
}

func TestLevelTwoSequentialRerun(t *testing.T) {
	// Scenario: two identical retries fail, the sequential rerun succeeds.
	mock := executor.NewMockExecutor()
	mock.FailTimes("x", 2, proto.FailureExecution)

	eng := newEngine(t, mock, contextstore.Context{"goal": "ship"}, nil)
	out := eng.Recover(context.Background(), proto.TaskSpec{Name: "x"},
		optimized("x", map[string]string{"goal": "ship"}), proto.FailureExecution, nil)

	assert.Equal(t, proto.TaskRecovered, out.Status)
	assert.Equal(t, 2, out.Level)
	require.NotNil(t, out.Artifact)
	require.Len(t, out.Records, 3)
	assert.Equal(t, "sequential_rerun", out.Records[2].Method)
	assert.Equal(t, 3, mock.CallCount("x"))
}

func TestLevelTwoRebuildsMissingKeysFromSiblings(t *testing.T) {
	mock := executor.NewMockExecutor()
	mock.FailTimes("x", 2, proto.FailureContextCorruption)

	// Policy requires "audience", which the payload lacks; a succeeded
	// sibling carries it as a key: value line.
	policy := map[string][]string{"x": {"goal", "audience"}}
	eng := newEngine(t, mock, contextstore.Context{"goal": "ship"}, policy)

	siblings := map[string]*proto.Artifact{
		"overview": proto.NewArtifact("overview", "intro\naudience: platform engineers\nmore"),
	}

	out := eng.Recover(context.Background(), proto.TaskSpec{Name: "x"},
		optimized("x", map[string]string{"goal": "ship"}), proto.FailureContextCorruption, siblings)

	assert.Equal(t, proto.TaskRecovered, out.Status)
	rerun := out.Records[len(out.Records)-1]
	assert.Equal(t, []string{"audience"}, rerun.ContextRebuilt)

	// The sequential call must carry the reconstructed key.
	calls := mock.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "platform engineers", last.Context["audience"])
	assert.Equal(t, "ship", last.Context["goal"])
}

func TestLevelThreePlaceholder(t *testing.T) {
	mock := executor.NewMockExecutor()
	mock.FailTimes("x", 3, proto.FailureExecution) // L1 x2 + L2

	eng := newEngine(t, mock, contextstore.Context{}, nil)
	out := eng.Recover(context.Background(), proto.TaskSpec{Name: "x"},
		optimized("x", nil), proto.FailureExecution, nil)

	assert.Equal(t, proto.TaskPartiallyRecovered, out.Status)
	assert.Equal(t, 3, out.Level)
	require.NotNil(t, out.Artifact)
	assert.True(t, out.Artifact.WellFormed())
	assert.True(t, out.Artifact.RequiresCompletion())
	assert.True(t, out.Artifact.Placeholder)
}

func TestLevelFourManualGuidance(t *testing.T) {
	// Scenario: every executor call fails and the empty task name defeats
	// placeholder generation, so the machine bottoms out at guidance.
	mock := executor.NewMockExecutor()
	mock.FailTimes("", 3, proto.FailureExecution)

	eng := newEngine(t, mock, contextstore.Context{}, nil)
	siblings := map[string]*proto.Artifact{
		"overview": proto.NewArtifact("overview", "done"),
		"api":      proto.NewArtifact("api", "done"),
	}

	out := eng.Recover(context.Background(), proto.TaskSpec{Name: ""},
		optimized("", nil), proto.FailureExecution, siblings)

	assert.Equal(t, proto.TaskManualRequired, out.Status)
	assert.Equal(t, 4, out.Level)
	assert.Nil(t, out.Artifact)
	require.NotEmpty(t, out.Guidance)
	assert.Contains(t, out.Guidance, "api, overview")
}

func TestHungRetryBoundedByTimeout(t *testing.T) {
	// The first identical retry hangs far past the timeout. The deadline
	// must cut it off so the second retry can still succeed, instead of
	// stalling the whole batch behind one hung call.
	mock := executor.NewMockExecutor()
	mock.Script("x", executor.MockResult{
		Result: &proto.TaskResult{Status: proto.ResultSuccess, Artifact: proto.NewArtifact("x", "late")},
		Delay:  2 * time.Second,
	})

	optimizer, err := contextstore.NewOptimizer(nil)
	require.NoError(t, err)
	eng := NewEngine(mock, contextstore.NewStore(contextstore.Context{}), optimizer, 30*time.Millisecond)

	start := time.Now()
	out := eng.Recover(context.Background(), proto.TaskSpec{Name: "x"},
		optimized("x", nil), proto.FailureExecution, nil)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, proto.TaskSucceeded, out.Status)
	assert.Equal(t, 1, out.Level)
	require.Len(t, out.Records, 2)
	assert.False(t, out.Records[0].Success)
	assert.True(t, out.Records[1].Success)
}

func TestPerTaskTimeoutOverridesDefault(t *testing.T) {
	mock := executor.NewMockExecutor()
	mock.Script("x", executor.MockResult{
		Result: &proto.TaskResult{Status: proto.ResultSuccess, Artifact: proto.NewArtifact("x", "late")},
		Delay:  2 * time.Second,
	})

	optimizer, err := contextstore.NewOptimizer(nil)
	require.NoError(t, err)
	// A generous default must not apply when the task carries its own.
	eng := NewEngine(mock, contextstore.NewStore(contextstore.Context{}), optimizer, time.Hour)

	start := time.Now()
	out := eng.Recover(context.Background(), proto.TaskSpec{Name: "x", Timeout: 30 * time.Millisecond},
		optimized("x", nil), proto.FailureExecution, nil)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, proto.TaskSucceeded, out.Status)
}

func TestCancellationAbortsRecovery(t *testing.T) {
	mock := executor.NewMockExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := newEngine(t, mock, contextstore.Context{}, nil)
	out := eng.Recover(ctx, proto.TaskSpec{Name: "x"}, optimized("x", nil), proto.FailureExecution, nil)

	assert.Equal(t, proto.TaskFailed, out.Status)
	assert.Zero(t, mock.CallCount("x"))
}

func TestReconstructKeyFromSection(t *testing.T) {
	siblings := map[string]*proto.Artifact{
		"design": proto.NewArtifact("design", "# Design\n\n## audience\n\nSRE teams running the platform.\n\n## scope\nlater"),
	}

	value, ok := reconstructKey("audience", siblings)
	require.True(t, ok)
	assert.Equal(t, "SRE teams running the platform.", value)

	_, ok = reconstructKey("nonexistent", siblings)
	assert.False(t, ok)
}

func TestReconstructSkipsPlaceholders(t *testing.T) {
	stub, err := buildPlaceholder("stub")
	require.NoError(t, err)
	siblings := map[string]*proto.Artifact{"stub": stub}

	_, ok := reconstructKey("anything", siblings)
	assert.False(t, ok)
}

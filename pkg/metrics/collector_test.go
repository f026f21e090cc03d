package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAggregatesSummary(t *testing.T) {
	c := NewCollector("s1", NewRecorderWith(prometheus.NewRegistry()))

	c.RecordTaskStart("readme")
	c.RecordContextSizes(1000, 400)
	c.RecordTaskEnd("readme", "succeeded")

	c.RecordTaskStart("design")
	c.RecordContextSizes(2000, 600)
	c.RecordRecovery(1, false)
	c.RecordRecovery(2, true)
	c.RecordTaskEnd("design", "recovered")

	summary := c.Finish("completed")

	assert.Equal(t, "s1", summary.SessionID)
	assert.Equal(t, 1, summary.TasksByStatus["succeeded"])
	assert.Equal(t, 1, summary.TasksByStatus["recovered"])
	assert.Contains(t, summary.TaskDurations, "readme")
	assert.Contains(t, summary.TaskDurations, "design")
	assert.Greater(t, summary.WallTime, time.Duration(0))

	assert.Equal(t, 3000, summary.RawTokens)
	assert.Equal(t, 1000, summary.OptimizedTokens)
	assert.InDelta(t, 66.6, summary.ContextReduction(), 0.1)

	require.Len(t, summary.RecoveryByLevel, 2)
	assert.Equal(t, RecoveryStats{Attempts: 1, Successes: 0}, summary.RecoveryByLevel[1])
	assert.Equal(t, RecoveryStats{Attempts: 1, Successes: 1}, summary.RecoveryByLevel[2])
	assert.InDelta(t, 0.5, summary.RecoveryRate(), 0.001)
}

func TestEmptySummaryRatesAreZero(t *testing.T) {
	c := NewCollector("s2", nil)
	summary := c.Finish("completed")

	assert.Zero(t, summary.ContextReduction())
	assert.Zero(t, summary.RecoveryRate())
	assert.Empty(t, summary.TasksByStatus)
}

func TestFinishReturnsDetachedCopy(t *testing.T) {
	c := NewCollector("s3", nil)
	c.RecordTaskStart("a")
	c.RecordTaskEnd("a", "succeeded")

	first := c.Finish("completed")
	first.TasksByStatus["succeeded"] = 99

	second := c.Finish("completed")
	assert.Equal(t, 1, second.TasksByStatus["succeeded"])
}

func TestCollectorNilRecorderSafe(t *testing.T) {
	c := NewCollector("s4", nil)
	c.RecordTaskStart("x")
	c.RecordContextSizes(10, 5)
	c.RecordRecovery(3, true)
	c.RecordTaskEnd("x", "partially_recovered")

	summary := c.Finish("blocked")
	assert.Equal(t, 1, summary.TasksByStatus["partially_recovered"])
}

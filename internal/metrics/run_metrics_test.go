package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMetrics_Creation(t *testing.T) {
	metrics, err := NewRunMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics)
	assert.NotNil(t, metrics.runsStartedCounter)
	assert.NotNil(t, metrics.runsCompletedCounter)
	assert.NotNil(t, metrics.runsFailedCounter)
	assert.NotNil(t, metrics.runDurationHistogram)
	assert.NotNil(t, metrics.runsActiveGauge)
	assert.NotNil(t, metrics.loopIterationCounter)
}

func TestRunMetrics_RecordLifecycle(t *testing.T) {
	metrics, err := NewRunMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("record run started", func(t *testing.T) {
		assert.NotPanics(t, func() {
			metrics.RecordRunStarted(ctx, "session-123", "report")
		})
	})

	t.Run("record run completed per outcome", func(t *testing.T) {
		for _, outcome := range []string{"completed", "escalated_approved", "exhausted", "cancelled"} {
			assert.NotPanics(t, func() {
				metrics.RecordRunCompleted(ctx, "session-123", "report", outcome, 2*time.Second)
			})
		}
	})

	t.Run("record run failed", func(t *testing.T) {
		assert.NotPanics(t, func() {
			metrics.RecordRunFailed(ctx, "session-123", "report", "capability_error", time.Second)
		})
	})

	t.Run("record loop iterations", func(t *testing.T) {
		assert.NotPanics(t, func() {
			metrics.RecordLoopIterations(ctx, "report", 3)
		})
	})
}

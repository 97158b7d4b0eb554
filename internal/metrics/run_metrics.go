package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("pipeline-run-metrics")

// RunMetrics provides metrics collection for pipeline run execution
type RunMetrics struct {
	runsStartedCounter   metric.Int64Counter
	runsCompletedCounter metric.Int64Counter
	runsFailedCounter    metric.Int64Counter
	runDurationHistogram metric.Float64Histogram
	runsActiveGauge      metric.Int64UpDownCounter
	loopIterationCounter metric.Int64Counter
}

// NewRunMetrics creates a new run metrics collector
func NewRunMetrics() (*RunMetrics, error) {
	runsStartedCounter, err := meter.Int64Counter(
		"pipeline_orchestrator.runs.started",
		metric.WithDescription("Total number of pipeline runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsCompletedCounter, err := meter.Int64Counter(
		"pipeline_orchestrator.runs.completed",
		metric.WithDescription("Total number of pipeline runs that reached a non-failed terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsFailedCounter, err := meter.Int64Counter(
		"pipeline_orchestrator.runs.failed",
		metric.WithDescription("Total number of pipeline runs that failed"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDurationHistogram, err := meter.Float64Histogram(
		"pipeline_orchestrator.run.duration",
		metric.WithDescription("Duration of pipeline run execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsActiveGauge, err := meter.Int64UpDownCounter(
		"pipeline_orchestrator.runs.active",
		metric.WithDescription("Number of currently executing pipeline runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	loopIterationCounter, err := meter.Int64Counter(
		"pipeline_orchestrator.loop.iterations",
		metric.WithDescription("Total refinement loop iterations executed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	return &RunMetrics{
		runsStartedCounter:   runsStartedCounter,
		runsCompletedCounter: runsCompletedCounter,
		runsFailedCounter:    runsFailedCounter,
		runDurationHistogram: runDurationHistogram,
		runsActiveGauge:      runsActiveGauge,
		loopIterationCounter: loopIterationCounter,
	}, nil
}

// RecordRunStarted records a new pipeline run
func (rm *RunMetrics) RecordRunStarted(ctx context.Context, sessionID, pipelineName string) {
	rm.runsStartedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("pipeline.name", pipelineName),
		),
	)
	rm.runsActiveGauge.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
		),
	)
}

// RecordRunCompleted records a run that reached a terminal state without failing.
// The outcome distinguishes completed, escalated_approved, exhausted and cancelled.
func (rm *RunMetrics) RecordRunCompleted(ctx context.Context, sessionID, pipelineName, outcome string, duration time.Duration) {
	rm.runsCompletedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("pipeline.name", pipelineName),
			attribute.String("outcome", outcome),
		),
	)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
			attribute.String("outcome", outcome),
		),
	)
	rm.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
		),
	)
}

// RecordRunFailed records a failed pipeline run
func (rm *RunMetrics) RecordRunFailed(ctx context.Context, sessionID, pipelineName, errorType string, duration time.Duration) {
	rm.runsFailedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("pipeline.name", pipelineName),
			attribute.String("error.type", errorType),
		),
	)
	rm.runDurationHistogram.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
			attribute.String("outcome", "failed"),
		),
	)
	rm.runsActiveGauge.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
		),
	)
}

// RecordLoopIterations records how many iterations a refinement loop consumed
func (rm *RunMetrics) RecordLoopIterations(ctx context.Context, pipelineName string, iterations int64) {
	rm.loopIterationCounter.Add(ctx, iterations,
		metric.WithAttributes(
			attribute.String("pipeline.name", pipelineName),
		),
	)
}

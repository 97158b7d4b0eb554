package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/metrics"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/store"
)

func newTestService(t *testing.T, agent pipeline.Capability) *Service {
	t.Helper()
	rm, err := metrics.NewRunMetrics()
	require.NoError(t, err)

	svc := NewService(store.NewMemoryStore(), rm)
	svc.AgentClient = agent
	svc.SearchClient = &scriptedSearch{}
	return svc
}

func waitForRun(t *testing.T, svc *Service, runID uuid.UUID) *RunStatus {
	t.Helper()
	var status *RunStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = svc.GetRun(runID)
		require.NoError(t, err)
		return status.FinishedAt != nil
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func TestService_ReportRunLifecycle(t *testing.T) {
	agent := &scriptedAgent{reviewScore: 90, draft: "Solid draft."}
	svc := newTestService(t, agent)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "energy report")
	require.NoError(t, err)

	autoApprove(t, svc.Approvals, sessionID, "ship it")

	runID, err := svc.StartReportRun(ctx, sessionID, ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)

	status := waitForRun(t, svc, runID)
	assert.Equal(t, string(pipeline.OutcomeApproved), status.Status)
	assert.Equal(t, sessionID, status.SessionID)
	assert.Equal(t, "report", status.Pipeline)

	// Final state and outcome are persisted on the session.
	session, err := svc.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.OutcomeApproved), session.Outcome)
	assert.Equal(t, "Solid draft.", session.State[KeyReport])
	assert.Equal(t, "ship it", session.State[KeyApproval])
}

func TestService_StartRunUnknownSession(t *testing.T) {
	svc := newTestService(t, &scriptedAgent{})

	_, err := svc.StartReportRun(context.Background(), uuid.New(), ReportPipelineConfig{Topic: "t"})
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestService_RerunSeedsPriorState(t *testing.T) {
	agent := &scriptedAgent{reviewScore: 90, draft: "Draft two."}
	svc := newTestService(t, agent)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "energy report")
	require.NoError(t, err)
	require.NoError(t, svc.store.Save(ctx, sessionID, map[string]interface{}{"prior_note": "carried"}))

	autoApprove(t, svc.Approvals, sessionID, "ok")
	runID, err := svc.StartReportRun(ctx, sessionID, ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)
	waitForRun(t, svc, runID)

	session, err := svc.GetSession(ctx, sessionID)
	require.NoError(t, err)
	// The seed survived the run because no stage writes that key.
	assert.Equal(t, "carried", session.State["prior_note"])
}

func TestService_CancelRun(t *testing.T) {
	// An agent that blocks until the run context is cancelled.
	blocking := pipeline.CapabilityFunc(func(ctx context.Context, snapshot *pipeline.State, config map[string]interface{}) (pipeline.Result, error) {
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	})
	svc := newTestService(t, blocking)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "stuck report")
	require.NoError(t, err)

	runID, err := svc.StartReportRun(ctx, sessionID, ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)

	// The run is registered immediately and reports running before cancel.
	status, err := svc.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)

	require.NoError(t, svc.CancelRun(runID))

	status = waitForRun(t, svc, runID)
	assert.Equal(t, string(pipeline.OutcomeCancelled), status.Status)
}

func TestService_GetRunUnknown(t *testing.T) {
	svc := newTestService(t, &scriptedAgent{})

	_, err := svc.GetRun(uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)

	assert.ErrorIs(t, svc.CancelRun(uuid.New()), ErrRunNotFound)

	_, err = svc.RunEvents(uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestService_SubscribeRunEvents(t *testing.T) {
	agent := &scriptedAgent{reviewScore: 90, draft: "Streamed draft."}
	svc := newTestService(t, agent)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "streamed report")
	require.NoError(t, err)
	autoApprove(t, svc.Approvals, sessionID, "ok")

	runID, err := svc.StartReportRun(ctx, sessionID, ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)
	waitForRun(t, svc, runID)

	history, live, cancel, err := svc.SubscribeRunEvents(runID, 16)
	require.NoError(t, err)
	defer cancel()

	// Subscribing after completion yields the full history and a closed
	// live channel: the run-complete sentinel.
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, pipeline.EventTerminal, last.Kind)
	assert.Equal(t, string(pipeline.OutcomeApproved), last.Payload["outcome"])

	_, open := <-live
	assert.False(t, open)
}

func TestService_ResumeCheckpoint(t *testing.T) {
	svc := newTestService(t, &scriptedAgent{reviewScore: 90, draft: "Gated draft."})
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "gated report")
	require.NoError(t, err)

	// Nothing pending yet.
	assert.Error(t, svc.ResumeCheckpoint(sessionID, FinalReportCheckpoint, "ok"))

	runID, err := svc.StartReportRun(ctx, sessionID, ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(svc.PendingCheckpoints(sessionID)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.ResumeCheckpoint(sessionID, FinalReportCheckpoint, "ok"))

	status := waitForRun(t, svc, runID)
	assert.Equal(t, string(pipeline.OutcomeApproved), status.Status)
}

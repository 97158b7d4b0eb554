package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

func TestApprovalGateway_ResumeDeliversValue(t *testing.T) {
	gateway := NewApprovalGateway()
	sessionID := uuid.New()
	capability := gateway.Capability(sessionID, FinalReportCheckpoint)

	type invokeResult struct {
		result pipeline.Result
		err    error
	}
	done := make(chan invokeResult, 1)
	go func() {
		result, err := capability.Invoke(context.Background(), pipeline.NewState(nil), nil)
		done <- invokeResult{result, err}
	}()

	// Wait until the capability has registered its checkpoint.
	require.Eventually(t, func() bool {
		return len(gateway.Pending(sessionID)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{FinalReportCheckpoint}, gateway.Pending(sessionID))

	err := gateway.Resume(sessionID, FinalReportCheckpoint, "approved")
	require.NoError(t, err)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, "approved", got.result.Output)
	case <-time.After(time.Second):
		t.Fatal("capability did not return after resume")
	}

	assert.Empty(t, gateway.Pending(sessionID))
}

func TestApprovalGateway_ResumeWithoutPendingCheckpoint(t *testing.T) {
	gateway := NewApprovalGateway()

	err := gateway.Resume(uuid.New(), FinalReportCheckpoint, "approved")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no pending")
}

func TestApprovalGateway_ContextCancellation(t *testing.T) {
	gateway := NewApprovalGateway()
	sessionID := uuid.New()
	capability := gateway.Capability(sessionID, FinalReportCheckpoint)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := capability.Invoke(ctx, pipeline.NewState(nil), nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(gateway.Pending(sessionID)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("capability did not return after cancellation")
	}

	// The abandoned checkpoint is unregistered, so a later resume fails
	// instead of writing to a dead channel.
	assert.Empty(t, gateway.Pending(sessionID))
	assert.Error(t, gateway.Resume(sessionID, FinalReportCheckpoint, "late"))
}

func TestApprovalGateway_DuplicateCheckpointRejected(t *testing.T) {
	gateway := NewApprovalGateway()
	sessionID := uuid.New()
	capability := gateway.Capability(sessionID, FinalReportCheckpoint)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go capability.Invoke(ctx, pipeline.NewState(nil), nil) //nolint:errcheck

	require.Eventually(t, func() bool {
		return len(gateway.Pending(sessionID)) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := gateway.Capability(sessionID, FinalReportCheckpoint).Invoke(ctx, pipeline.NewState(nil), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already pending")
}

func TestApprovalGateway_PendingScopedToSession(t *testing.T) {
	gateway := NewApprovalGateway()
	first, second := uuid.New(), uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gateway.Capability(first, FinalReportCheckpoint).Invoke(ctx, pipeline.NewState(nil), nil) //nolint:errcheck

	require.Eventually(t, func() bool {
		return len(gateway.Pending(first)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, gateway.Pending(second))
}

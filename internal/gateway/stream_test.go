package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

func newStreamServer(t *testing.T) (*httptest.Server, *orchestration.Service, string) {
	t.Helper()
	h, svc, jwtManager := newTestHandler(t)

	stream := NewRunStream(svc, jwtManager)

	gin.SetMode(gin.TestMode)
	router := newTestRouter(h)
	router.GET("/api/ws/runs/:id", stream.StreamRun)
	router.GET("/api/runs/:id/events/stream", stream.StreamRunEventsSSE)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	token, err := jwtManager.GenerateToken(context.Background(), "user-1", "alice", []string{"user"}, time.Hour)
	require.NoError(t, err)

	return server, svc, token
}

func dialRunStream(t *testing.T, server *httptest.Server, runID uuid.UUID, token string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(server.URL, "http://", "ws://", 1)
	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/api/ws/runs/%s?token=%s", wsURL, runID, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRunStream_StreamsUntilEnd(t *testing.T) {
	server, svc, token := newStreamServer(t)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "streamed report")
	require.NoError(t, err)
	autoApprove(svc, sessionID)

	runID, err := svc.StartReportRun(ctx, sessionID, orchestration.ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)

	conn := dialRunStream(t, server, runID, token)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var sawTerminal bool
	var lastSeq int64
	for {
		var event StreamEvent
		require.NoError(t, conn.ReadJSON(&event))

		if event.EventType == "end" {
			break
		}
		require.Equal(t, "run_event", event.EventType)
		require.NotNil(t, event.Event)

		// Events arrive in sequence order across the history/live boundary.
		assert.Greater(t, event.Event.Seq, lastSeq)
		lastSeq = event.Event.Seq

		if event.Event.Kind == pipeline.EventTerminal {
			sawTerminal = true
			assert.Equal(t, string(pipeline.OutcomeApproved), event.Event.Payload["outcome"])
		}
	}

	assert.True(t, sawTerminal, "stream should deliver the terminal event before the end sentinel")
}

func TestRunStream_SSEStreamsUntilEnd(t *testing.T) {
	server, svc, _ := newStreamServer(t)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "streamed report")
	require.NoError(t, err)
	autoApprove(svc, sessionID)

	runID, err := svc.StartReportRun(ctx, sessionID, orchestration.ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/api/runs/%s/events/stream", server.URL, runID))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "event:run_event")
	assert.Contains(t, text, string(pipeline.OutcomeApproved))
	assert.True(t, strings.Contains(text, "event:end"), "stream should finish with the end sentinel")
}

func TestRunStream_SSEUnknownRun(t *testing.T) {
	server, _, _ := newStreamServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/api/runs/%s/events/stream", server.URL, uuid.New()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunStream_UnknownRun(t *testing.T) {
	server, _, token := newStreamServer(t)

	wsURL := strings.Replace(server.URL, "http://", "ws://", 1)
	_, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/api/ws/runs/%s?token=%s", wsURL, uuid.New(), token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunStream_Unauthorized(t *testing.T) {
	server, svc, _ := newStreamServer(t)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "report")
	require.NoError(t, err)
	autoApprove(svc, sessionID)
	runID, err := svc.StartReportRun(ctx, sessionID, orchestration.ReportPipelineConfig{Topic: "grid storage"})
	require.NoError(t, err)

	wsURL := strings.Replace(server.URL, "http://", "ws://", 1)

	// Missing token.
	_, resp, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/api/ws/runs/%s", wsURL, runID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	_, resp, err = websocket.DefaultDialer.Dial(
		fmt.Sprintf("%s/api/ws/runs/%s?token=garbage", wsURL, runID), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

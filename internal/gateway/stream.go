package gateway

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// subscribeBuffer sizes the per-connection event buffer. A consumer that
// falls this far behind misses events; the full log stays available over the
// REST endpoint.
const subscribeBuffer = 256

// StreamEvent is the wire envelope for run events pushed over WebSocket.
type StreamEvent struct {
	EventType string         `json:"event_type"`
	Event     *pipeline.Event `json:"event,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunStream handles WebSocket connections streaming live run events.
type RunStream struct {
	orchestrationService *orchestration.Service
	jwtManager           *auth.JWTManager
	tracer               trace.Tracer
	upgrader             websocket.Upgrader
}

// NewRunStream creates a new run event stream handler
func NewRunStream(orchestrationService *orchestration.Service, jwtManager *auth.JWTManager) *RunStream {
	return &RunStream{
		orchestrationService: orchestrationService,
		jwtManager:           jwtManager,
		tracer:               otel.Tracer("run-stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the frontend host list is fixed
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// StreamRun handles WebSocket /api/ws/runs/:id. It replays the run's event
// history, then forwards live events until the run finishes; the "end"
// envelope is the run-complete sentinel.
func (s *RunStream) StreamRun(c *gin.Context) {
	_, span := s.tracer.Start(c.Request.Context(), "run_stream.stream_run")
	defer span.End()

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}
	span.SetAttributes(attribute.String("run_id", runID.String()))

	userID, err := s.validateJWTAndGetUserID(c)
	if err != nil {
		span.RecordError(err)
		log.Printf("JWT validation failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	span.SetAttributes(attribute.String("user_id", userID))

	// Subscribe before upgrading so an unknown run is still a plain 404.
	history, live, cancel, err := s.orchestrationService.SubscribeRunEvents(runID, subscribeBuffer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf("Failed to upgrade connection for run %s: %v", runID, err)
		return
	}
	defer conn.Close()

	log.Printf("WebSocket connection upgraded for run: %s, user: %s", runID, userID)

	// Detect client disconnect so the writer loop can stop.
	clientClosed := make(chan struct{})
	go func() {
		defer close(clientClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("Client connection read error for run %s: %v", runID, err)
				}
				return
			}
		}
	}()

	// The subscription starts before the history snapshot, so an event can
	// appear in both; lastSeq filters the overlap.
	var lastSeq int64
	for _, ev := range history {
		event := ev
		if err := conn.WriteJSON(StreamEvent{EventType: "run_event", Event: &event}); err != nil {
			log.Printf("Failed to send history event for run %s: %v", runID, err)
			return
		}
		lastSeq = event.Seq
	}

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				// Log closed: the run is complete.
				if err := conn.WriteJSON(StreamEvent{EventType: "end"}); err != nil {
					log.Printf("Failed to send end event for run %s: %v", runID, err)
				}
				log.Printf("Run stream ended for run: %s", runID)
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			event := ev
			if err := conn.WriteJSON(StreamEvent{EventType: "run_event", Event: &event}); err != nil {
				log.Printf("Failed to send event for run %s: %v", runID, err)
				return
			}
			lastSeq = event.Seq
		case <-clientClosed:
			log.Printf("Client disconnected from run stream: %s", runID)
			return
		}
	}
}

// StreamRunEventsSSE mirrors StreamRun over server-sent events for clients
// that cannot hold a WebSocket open. Authentication comes from the
// surrounding middleware, so only the run lookup can fail here.
func (s *RunStream) StreamRunEventsSSE(c *gin.Context) {
	_, span := s.tracer.Start(c.Request.Context(), "run_stream.stream_run_sse")
	defer span.End()

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}
	span.SetAttributes(attribute.String("run_id", runID.String()))

	history, live, cancel, err := s.orchestrationService.SubscribeRunEvents(runID, subscribeBuffer)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	var lastSeq int64
	for _, ev := range history {
		c.SSEvent("run_event", ev)
		lastSeq = ev.Seq
	}
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-live:
			if !ok {
				c.SSEvent("end", gin.H{})
				c.Writer.Flush()
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			c.SSEvent("run_event", ev)
			c.Writer.Flush()
			lastSeq = ev.Seq
		case <-ctx.Done():
			log.Printf("Client disconnected from SSE run stream: %s", runID)
			return
		}
	}
}

// validateJWTAndGetUserID validates the JWT token and returns the user ID.
// WebSocket clients pass the token as a query parameter; the Authorization
// header is the fallback.
func (s *RunStream) validateJWTAndGetUserID(c *gin.Context) (string, error) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" && len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}
	}

	if token == "" {
		return "", fmt.Errorf("missing JWT token")
	}

	claims, err := s.jwtManager.ValidateToken(c.Request.Context(), token)
	if err != nil {
		return "", fmt.Errorf("invalid JWT: %w", err)
	}

	return claims.UserID, nil
}

package gateway

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/feedback"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/models"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/orchestration"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/store"
)

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	orchestrationService *orchestration.Service
	jwtManager           *auth.JWTManager
	pool                 *pgxpool.Pool
}

// NewHandler creates a new gateway handler
func NewHandler(orchestrationService *orchestration.Service, jwtManager *auth.JWTManager, pool *pgxpool.Pool) *Handler {
	return &Handler{
		orchestrationService: orchestrationService,
		jwtManager:           jwtManager,
		pool:                 pool,
	}
}

// Login authenticates a user against the users table and returns a JWT token.
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var userID string
	var hashedPassword string
	var roles []string
	err := h.pool.QueryRow(c.Request.Context(),
		`SELECT id, hashed_password, roles FROM users WHERE email = $1`,
		req.Email,
	).Scan(&userID, &hashedPassword, &roles)

	if err != nil {
		log.Printf(`{"level":"warn","message":"User not found","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(req.Password)); err != nil {
		log.Printf(`{"level":"warn","message":"Invalid password","email":"%s"}`, req.Email)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if len(roles) == 0 {
		roles = []string{"user"}
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	token, err := h.jwtManager.GenerateToken(c.Request.Context(), userID, req.Email, roles, 24*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User: models.UserInfo{
			ID:    userID,
			Email: req.Email,
			Roles: roles,
		},
	})
}

// CreateSessionRequest represents a session creation request
type CreateSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// SessionResponse represents a session creation response
type SessionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateSession creates a new pipeline session.
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sessionID, err := h.orchestrationService.CreateSession(c.Request.Context(), req.Name)
	if err != nil {
		log.Printf(`{"level":"error","message":"Failed to create session","error":"%v"}`, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, SessionResponse{
		ID:   sessionID.String(),
		Name: req.Name,
	})
}

// GetSession returns a session, including its persisted state and last outcome.
func (h *Handler) GetSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	session, err := h.orchestrationService.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found", "code": models.ErrCodeSessionNotFound})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}

	c.JSON(http.StatusOK, session)
}

// StartRunRequest represents a report run request
type StartRunRequest struct {
	Topic                string   `json:"topic" binding:"required"`
	ResearchQueries      []string `json:"research_queries"`
	ReviewerPersonas     []string `json:"reviewer_personas"`
	MaxRevisions         int      `json:"max_revisions"`
	ImprovementThreshold float64  `json:"improvement_threshold"`
	UnanimousReviews     bool     `json:"unanimous_reviews"`
}

// StartRunResponse represents a report run response
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// StartRun starts a report pipeline run for a session. The run executes in
// the background; clients follow it via the run status and event endpoints.
func (h *Handler) StartRun(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	cfg := orchestration.ReportPipelineConfig{
		Topic:                req.Topic,
		ResearchQueries:      req.ResearchQueries,
		ReviewerPersonas:     req.ReviewerPersonas,
		MaxRevisions:         req.MaxRevisions,
		ImprovementThreshold: req.ImprovementThreshold,
	}
	if req.UnanimousReviews {
		cfg.Consolidation.Policy = feedback.PolicyUnanimous
	}

	runID, err := h.orchestrationService.StartReportRun(c.Request.Context(), sessionID, cfg)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found", "code": models.ErrCodeSessionNotFound})
			return
		}
		log.Printf(`{"level":"error","message":"Failed to start run","error":"%v","session_id":"%s"}`, err, sessionID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to start run", "details": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, StartRunResponse{RunID: runID.String()})
}

// GetRun returns the current status of a run.
func (h *Handler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	status, err := h.orchestrationService.GetRun(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found", "code": models.ErrCodeRunNotFound})
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelRun cancels a running pipeline. Cancellation is classified by the
// engine, so the run still ends with a terminal event.
func (h *Handler) CancelRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	if err := h.orchestrationService.CancelRun(runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found", "code": models.ErrCodeRunNotFound})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// GetRunEvents returns the events a run has emitted so far.
func (h *Handler) GetRunEvents(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run ID"})
		return
	}

	events, err := h.orchestrationService.RunEvents(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found", "code": models.ErrCodeRunNotFound})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ResumeCheckpointRequest represents a human checkpoint decision
type ResumeCheckpointRequest struct {
	Value interface{} `json:"value" binding:"required"`
}

// ResumeCheckpoint delivers a human decision to the pipeline stage waiting on
// the named checkpoint.
func (h *Handler) ResumeCheckpoint(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}
	checkpoint := c.Param("checkpoint")

	var req ResumeCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.orchestrationService.ResumeCheckpoint(sessionID, checkpoint, req.Value); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": models.ErrCodeCheckpointMissing})
		return
	}

	log.Printf(`{"level":"info","message":"Checkpoint resumed","session_id":"%s","checkpoint":"%s"}`,
		sessionID, checkpoint)
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// PendingCheckpoints lists the checkpoints currently blocking a session's runs.
func (h *Handler) PendingCheckpoints(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID"})
		return
	}

	pending := h.orchestrationService.PendingCheckpoints(sessionID)
	if pending == nil {
		pending = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

package orchestration

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/metrics"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/store"
)

// ErrRunNotFound is returned for lookups against unknown run IDs.
var ErrRunNotFound = fmt.Errorf("run not found")

// StatusRunning is the status of a run whose engine has not finished yet;
// finished runs report their terminal outcome as status.
const StatusRunning = "running"

// Service handles pipeline orchestration: sessions, run lifecycle, live event
// subscriptions and human-checkpoint resumption. Runs execute in background
// goroutines; the service is the registry that maps run IDs to them.
type Service struct {
	store      store.SessionStore
	runMetrics *metrics.RunMetrics

	// AgentClient and SearchClient are the external capabilities report
	// pipelines delegate to. Exported so tests can substitute fakes.
	AgentClient  pipeline.Capability
	SearchClient pipeline.Capability
	Approvals    *ApprovalGateway

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// run tracks one in-flight or finished pipeline execution.
type run struct {
	id           uuid.UUID
	sessionID    uuid.UUID
	pipelineName string
	log          *pipeline.EventLog
	cancel       context.CancelFunc
	startedAt    time.Time

	mu         sync.Mutex
	outcome    pipeline.Outcome
	reason     string
	finishedAt time.Time
}

// RunStatus is the externally visible snapshot of a run.
type RunStatus struct {
	ID         uuid.UUID  `json:"id"`
	SessionID  uuid.UUID  `json:"session_id"`
	Pipeline   string     `json:"pipeline"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewService creates a new orchestration service with the default external
// clients.
func NewService(sessionStore store.SessionStore, runMetrics *metrics.RunMetrics) *Service {
	return &Service{
		store:        sessionStore,
		runMetrics:   runMetrics,
		AgentClient:  NewAgentRuntimeClient(),
		SearchClient: NewSearchClient(),
		Approvals:    NewApprovalGateway(),
		runs:         make(map[uuid.UUID]*run),
	}
}

// CreateSession creates a new session in the store.
func (s *Service) CreateSession(ctx context.Context, name string) (uuid.UUID, error) {
	return s.store.CreateSession(ctx, name)
}

// GetSession retrieves a session by ID.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*store.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// StartReportRun builds a report pipeline for the session and starts it in
// the background, seeded with the session's persisted state so a rerun picks
// up where the previous one left off. It returns the new run's ID.
func (s *Service) StartReportRun(ctx context.Context, sessionID uuid.UUID, cfg ReportPipelineConfig) (uuid.UUID, error) {
	initial, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load session state: %w", err)
	}

	cfg.SessionID = sessionID
	root, _, err := BuildReportPipeline(cfg, s.AgentClient, s.SearchClient, s.Approvals)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to build report pipeline: %w", err)
	}

	return s.startRun(sessionID, "report", root, initial), nil
}

// startRun registers a run handle and launches the engine goroutine. The run
// gets its own cancellable context because it outlives the API request that
// started it.
func (s *Service) startRun(sessionID uuid.UUID, pipelineName string, root *pipeline.Stage, initial map[string]interface{}) uuid.UUID {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:           uuid.New(),
		sessionID:    sessionID,
		pipelineName: pipelineName,
		log:          pipeline.NewEventLog(),
		cancel:       cancel,
		startedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.runs[r.id] = r
	s.mu.Unlock()

	s.runMetrics.RecordRunStarted(runCtx, sessionID.String(), pipelineName)
	log.Printf(`{"event": "run_started", "run_id": "%s", "session_id": "%s", "pipeline": "%s"}`,
		r.id, sessionID, pipelineName)

	go s.executeRun(runCtx, r, root, initial)
	return r.id
}

// executeRun drives the engine to completion, persists the final state and
// outcome, and records run metrics.
func (s *Service) executeRun(ctx context.Context, r *run, root *pipeline.Stage, initial map[string]interface{}) {
	engine := pipeline.NewEngine(r.log)
	result, runErr := engine.Run(ctx, root, initial)
	if result == nil {
		// Only a construction error yields no result; the tree was validated
		// at build time, so surface it as a failed run rather than panicking.
		result = &pipeline.RunResult{Outcome: pipeline.OutcomeFailed, Reason: runErr.Error(), State: initial}
	}

	r.mu.Lock()
	r.outcome = result.Outcome
	r.reason = result.Reason
	r.finishedAt = time.Now().UTC()
	duration := r.finishedAt.Sub(r.startedAt)
	r.mu.Unlock()

	// Persistence uses a fresh context: the run context is already cancelled
	// when the outcome is OutcomeCancelled.
	saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSave()

	if err := s.store.Save(saveCtx, r.sessionID, result.State); err != nil {
		log.Printf("Failed to save state for session %s: %v", r.sessionID, err)
	}
	if err := s.store.SetOutcome(saveCtx, r.sessionID, string(result.Outcome), result.Reason); err != nil {
		log.Printf("Failed to record outcome for session %s: %v", r.sessionID, err)
	}

	if runErr != nil && result.Outcome == pipeline.OutcomeFailed {
		s.runMetrics.RecordRunFailed(saveCtx, r.sessionID.String(), r.pipelineName, "stage_error", duration)
	} else {
		s.runMetrics.RecordRunCompleted(saveCtx, r.sessionID.String(), r.pipelineName, string(result.Outcome), duration)
	}
	if rounds, ok := result.State[KeyRevisionRound].(int); ok {
		s.runMetrics.RecordLoopIterations(saveCtx, r.pipelineName, int64(rounds))
	}

	log.Printf(`{"event": "run_finished", "run_id": "%s", "session_id": "%s", "outcome": "%s", "duration_ms": %d}`,
		r.id, r.sessionID, result.Outcome, duration.Milliseconds())
}

// GetRun returns the current status snapshot of a run.
func (s *Service) GetRun(runID uuid.UUID) (*RunStatus, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.status(), nil
}

// CancelRun cancels a run's context. The engine classifies the result as
// cancelled and the terminal event still flows to subscribers.
func (s *Service) CancelRun(runID uuid.UUID) error {
	r, err := s.lookup(runID)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// RunEvents returns the events appended to a run's log so far.
func (s *Service) RunEvents(runID uuid.UUID) ([]pipeline.Event, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.log.Events(), nil
}

// SubscribeRunEvents returns the run's event history plus a live channel for
// subsequent events. The channel is closed when the run finishes; callers
// must invoke the returned cancel function when done.
func (s *Service) SubscribeRunEvents(runID uuid.UUID, buffer int) ([]pipeline.Event, <-chan pipeline.Event, func(), error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, nil, nil, err
	}
	live, cancel := r.log.Subscribe(buffer)
	history := r.log.Events()
	return history, live, cancel, nil
}

// ResumeCheckpoint delivers a human decision to the pipeline leaf waiting on
// the named checkpoint of the session.
func (s *Service) ResumeCheckpoint(sessionID uuid.UUID, checkpoint string, value interface{}) error {
	return s.Approvals.Resume(sessionID, checkpoint, value)
}

// PendingCheckpoints lists the checkpoint types currently blocking the
// session's runs.
func (s *Service) PendingCheckpoints(sessionID uuid.UUID) []string {
	return s.Approvals.Pending(sessionID)
}

func (s *Service) lookup(runID uuid.UUID) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func (r *run) status() *RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &RunStatus{
		ID:        r.id,
		SessionID: r.sessionID,
		Pipeline:  r.pipelineName,
		Status:    StatusRunning,
		StartedAt: r.startedAt,
	}
	if r.outcome != "" {
		st.Status = string(r.outcome)
		st.Reason = r.reason
		finished := r.finishedAt
		st.FinishedAt = &finished
	}
	return st
}

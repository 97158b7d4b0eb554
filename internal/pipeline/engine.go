package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies how a run ended. It is recorded in the terminal event so
// downstream consumers can tell "approved" apart from "gave up".
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeApproved means a refinement loop stopped early because its
	// escalation checker accepted the result.
	OutcomeApproved Outcome = "escalated_approved"
	// OutcomeExhausted means a refinement loop hit its iteration budget
	// without approval. This is a normal, best-effort terminal state.
	OutcomeExhausted Outcome = "exhausted"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// RunResult is the outcome of one engine run: the final state, the terminal
// classification with its human-readable reason, and the closed event log.
type RunResult struct {
	Outcome Outcome
	Reason  string
	State   map[string]interface{}
	Events  []Event
}

// Engine walks a stage tree against a state store, producing the event log
// and the final state. An Engine drives exactly one run.
type Engine struct {
	log    *EventLog
	tracer trace.Tracer

	loopMu      sync.Mutex
	loopOutcome Outcome
	loopReason  string
}

// NewEngine creates an engine that appends to log. The log is closed when the
// run finishes, which is the run-complete sentinel for live consumers.
func NewEngine(log *EventLog) *Engine {
	return &Engine{
		log:    log,
		tracer: otel.Tracer("pipeline-engine"),
	}
}

// Run validates the stage tree, executes it depth-first against the initial
// state, and finalizes the event log with a terminal event. A construction
// error is returned before any event is appended.
func (e *Engine) Run(ctx context.Context, root *Stage, initial map[string]interface{}) (*RunResult, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("root_stage", root.ID))

	state := NewState(initial)
	err := e.execute(ctx, root, state)

	result := &RunResult{State: state.Values()}
	switch {
	case err == nil:
		e.loopMu.Lock()
		if e.loopOutcome != "" {
			result.Outcome = e.loopOutcome
			result.Reason = e.loopReason
		} else {
			result.Outcome = OutcomeCompleted
			result.Reason = "all stages completed"
		}
		e.loopMu.Unlock()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result.Outcome = OutcomeCancelled
		result.Reason = fmt.Sprintf("run cancelled: %v", err)
	default:
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	e.log.Append(root.ID, EventTerminal, map[string]interface{}{
		"outcome": string(result.Outcome),
		"reason":  result.Reason,
	})
	e.log.Close()
	result.Events = e.log.Events()
	return result, err
}

// execute dispatches on the closed stage variant. The default arm is
// unreachable for trees accepted by Validate.
func (e *Engine) execute(ctx context.Context, st *Stage, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch st.Kind {
	case KindLeaf:
		return e.runLeaf(ctx, st, state)
	case KindSequential:
		return e.runSequential(ctx, st, state)
	case KindParallel:
		return e.runParallel(ctx, st, state)
	case KindLoop:
		return e.runLoop(ctx, st, state)
	default:
		return &ConstructionError{StageID: st.ID, Reason: fmt.Sprintf("unknown stage kind %s", st.Kind)}
	}
}

// runLeaf invokes the leaf's capability against a read snapshot, merges the
// output under the leaf's output key, and runs post-hooks in attachment order.
func (e *Engine) runLeaf(ctx context.Context, st *Stage, state *State) error {
	ctx, span := e.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("stage_id", st.ID),
			attribute.String("stage_kind", st.Kind.String()),
		))
	defer span.End()

	e.log.Append(st.ID, EventStarted, map[string]interface{}{"output_key": st.OutputKey})

	result, err := st.Capability.Invoke(ctx, state.Snapshot(), st.Config)
	if err != nil {
		span.RecordError(err)
		e.log.Append(st.ID, EventError, map[string]interface{}{"error": err.Error()})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &CapabilityError{StageID: st.ID, Err: err}
	}

	state.Set(st.OutputKey, result.Output, st.ID)
	e.log.Append(st.ID, EventOutput, map[string]interface{}{
		"output_key": st.OutputKey,
		"grounding":  len(result.Grounding),
	})

	for _, hook := range st.PostHooks {
		if err := hook.AfterOutput(ctx, st.ID, state, result); err != nil {
			span.RecordError(err)
			e.log.Append(st.ID, EventError, map[string]interface{}{"error": err.Error(), "phase": "post_hook"})
			return fmt.Errorf("post-hook for stage %q: %w", st.ID, err)
		}
	}
	return nil
}

// runSequential executes children in list order: a child's writes are visible
// to the next child. A tolerated child's failure is logged and skipped.
func (e *Engine) runSequential(ctx context.Context, st *Stage, state *State) error {
	for _, child := range st.Children {
		if err := e.execute(ctx, child, state); err != nil {
			if child.Tolerated && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
	}
	return nil
}

// runParallel fans children out concurrently, each against a private snapshot
// taken at fan-out, and replays their write journals in child order at join.
// In fail-fast mode the first fatal child error cancels its siblings; with
// ContinuePartial the successful children's deltas are merged anyway.
func (e *Engine) runParallel(ctx context.Context, st *Stage, state *State) error {
	fanoutCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots := make([]*State, len(st.Children))
	errs := make([]error, len(st.Children))

	var wg sync.WaitGroup
	for i, child := range st.Children {
		snapshots[i] = state.Snapshot()
		wg.Add(1)
		go func(i int, child *Stage) {
			defer wg.Done()
			errs[i] = e.execute(fanoutCtx, child, snapshots[i])
			if errs[i] != nil && !child.Tolerated && !st.ContinuePartial {
				cancel()
			}
		}(i, child)
	}
	wg.Wait()

	var fatal error
	for i, child := range st.Children {
		if errs[i] == nil || child.Tolerated {
			continue
		}
		if st.ContinuePartial {
			continue
		}
		// First fatal error in child order, so the outcome is deterministic
		// regardless of completion order. Prefer a real failure over the
		// cancellation its siblings observed.
		if fatal == nil || errors.Is(fatal, context.Canceled) {
			fatal = errs[i]
		}
	}
	if fatal != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fatal
	}

	for i := range st.Children {
		if errs[i] != nil {
			continue
		}
		for _, w := range snapshots[i].Journal() {
			state.Set(w.Key, w.Value, w.StageID)
		}
	}
	return nil
}

// runLoop repeats the body as a sequential sub-run, consulting the escalation
// checker after every iteration. Reaching the iteration budget is not an
// error: the loop ends as exhausted and the run is marked best-effort.
func (e *Engine) runLoop(ctx context.Context, st *Stage, state *State) error {
	for i := 1; i <= st.MaxIterations; i++ {
		if err := e.execute(ctx, st.Body, state); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if st.BodyFailure == ScoreBodyError {
				key := st.BodyErrorKey
				if key == "" {
					key = DefaultBodyErrorKey
				}
				state.Set(key, map[string]interface{}{
					"iteration": i,
					"error":     err.Error(),
				}, st.ID)
				e.log.Append(st.ID, EventError, map[string]interface{}{
					"iteration": i,
					"error":     err.Error(),
					"handled":   "scored_as_fail",
				})
			} else {
				return fmt.Errorf("loop %q iteration %d: %w", st.ID, i, err)
			}
		}

		decision, reason, err := st.Checker.Decide(state)
		if err != nil {
			return fmt.Errorf("escalation check for loop %q iteration %d: %w", st.ID, i, err)
		}
		e.log.Append(st.ID, EventDecision, map[string]interface{}{
			"iteration": i,
			"decision":  decision.String(),
			"reason":    reason,
		})
		if decision == DecisionStop {
			e.noteLoopOutcome(OutcomeApproved, reason)
			e.log.Append(st.ID, EventEscalated, map[string]interface{}{
				"outcome":    string(OutcomeApproved),
				"iterations": i,
				"reason":     reason,
			})
			return nil
		}
	}

	reason := fmt.Sprintf("iteration budget %d reached without approval", st.MaxIterations)
	e.noteLoopOutcome(OutcomeExhausted, reason)
	e.log.Append(st.ID, EventEscalated, map[string]interface{}{
		"outcome":    string(OutcomeExhausted),
		"iterations": st.MaxIterations,
		"reason":     reason,
	})
	return nil
}

// noteLoopOutcome records the most recent loop termination; for nested loops
// the outermost loop finishes last and therefore classifies the run.
func (e *Engine) noteLoopOutcome(outcome Outcome, reason string) {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	e.loopOutcome = outcome
	e.loopReason = reason
}

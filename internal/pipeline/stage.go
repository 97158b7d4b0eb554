package pipeline

import "fmt"

// StageKind discriminates the closed set of stage variants. The engine
// matches on it exhaustively; a new kind is a deliberate extension of the
// switch in engine.go, not an implicit subtype.
type StageKind int

const (
	KindLeaf StageKind = iota
	KindSequential
	KindParallel
	KindLoop
)

func (k StageKind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindSequential:
		return "sequential"
	case KindParallel:
		return "parallel"
	case KindLoop:
		return "loop"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Decision is an escalation checker's verdict for the current loop iteration.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionStop
)

func (d Decision) String() string {
	if d == DecisionStop {
		return "stop"
	}
	return "continue"
}

// Checker decides once per loop iteration whether the loop keeps going.
// Decide must be idempotent and side-effect-free on state, except that an
// implementation may increment an iteration counter key exactly once per call.
type Checker interface {
	Decide(state *State) (Decision, string, error)
}

// BodyFailureMode selects what a loop does when an iteration of its body
// fails. The choice is always explicit on the stage, never inferred.
type BodyFailureMode int

const (
	// AbortOnBodyError propagates a body failure and ends the whole loop.
	AbortOnBodyError BodyFailureMode = iota
	// ScoreBodyError records the failure under the loop's BodyErrorKey and
	// lets the escalation checker decide whether to continue.
	ScoreBodyError
)

// DefaultBodyErrorKey is where ScoreBodyError loops record iteration failures.
const DefaultBodyErrorKey = "loop_body_error"

// Stage is a node of the pipeline tree. Trees are built once before a run and
// are immutable during execution; all mutation happens in State and EventLog.
//
// Which fields are meaningful depends on Kind:
//   - KindLeaf: Capability, OutputKey, Config, PostHooks, Tolerated
//   - KindSequential, KindParallel: Children (plus ContinuePartial for parallel)
//   - KindLoop: Body, MaxIterations, Checker, BodyFailure, BodyErrorKey
type Stage struct {
	ID   string
	Kind StageKind

	Capability Capability
	OutputKey  string
	Config     map[string]interface{}
	PostHooks  []PostHook
	// Tolerated marks this child as non-critical: its failure is recorded
	// but does not abort the parent sequential or parallel stage.
	Tolerated bool

	Children []*Stage
	// ContinuePartial lets a parallel stage merge the successful children
	// even when some failed, instead of failing fast.
	ContinuePartial bool

	Body          *Stage
	MaxIterations int
	Checker       Checker
	BodyFailure   BodyFailureMode
	BodyErrorKey  string
}

// NewLeaf builds a leaf stage delegating to capability and merging its output
// under outputKey. Optional fields (Config, PostHooks, Tolerated) are set on
// the returned stage before the tree is validated.
func NewLeaf(id string, capability Capability, outputKey string) *Stage {
	return &Stage{ID: id, Kind: KindLeaf, Capability: capability, OutputKey: outputKey}
}

// NewSequential builds a stage that runs children strictly left to right.
func NewSequential(id string, children ...*Stage) *Stage {
	return &Stage{ID: id, Kind: KindSequential, Children: children}
}

// NewParallel builds a stage that fans children out concurrently from one
// state snapshot and merges their disjoint write sets at join.
func NewParallel(id string, children ...*Stage) *Stage {
	return &Stage{ID: id, Kind: KindParallel, Children: children}
}

// NewLoop builds a bounded refinement loop: body runs as a sequential sub-run
// up to maxIterations times, with checker consulted after every iteration.
func NewLoop(id string, body *Stage, maxIterations int, checker Checker) *Stage {
	return &Stage{
		ID:            id,
		Kind:          KindLoop,
		Body:          body,
		MaxIterations: maxIterations,
		Checker:       checker,
		BodyErrorKey:  DefaultBodyErrorKey,
	}
}

// Validate checks the build-time invariants of a stage tree. It is called by
// Engine.Run before any stage executes, so every violation is a
// ConstructionError, never a runtime race.
func Validate(root *Stage) error {
	if root == nil {
		return &ConstructionError{Reason: "stage tree is nil"}
	}
	seen := make(map[string]bool)
	return validateStage(root, seen)
}

func validateStage(st *Stage, seen map[string]bool) error {
	if st.ID == "" {
		return &ConstructionError{Reason: "stage id is required"}
	}
	if seen[st.ID] {
		return &ConstructionError{StageID: st.ID, Reason: "duplicate stage id"}
	}
	seen[st.ID] = true

	switch st.Kind {
	case KindLeaf:
		if st.Capability == nil {
			return &ConstructionError{StageID: st.ID, Reason: "leaf requires a capability"}
		}
		if st.OutputKey == "" {
			return &ConstructionError{StageID: st.ID, Reason: "leaf requires an output key"}
		}
	case KindSequential:
		if len(st.Children) == 0 {
			return &ConstructionError{StageID: st.ID, Reason: "sequential stage requires children"}
		}
		for _, c := range st.Children {
			if err := validateStage(c, seen); err != nil {
				return err
			}
		}
	case KindParallel:
		if len(st.Children) == 0 {
			return &ConstructionError{StageID: st.ID, Reason: "parallel stage requires children"}
		}
		claimed := make(map[string]string)
		for _, c := range st.Children {
			if err := validateStage(c, seen); err != nil {
				return err
			}
			for key := range writeSet(c) {
				if owner, ok := claimed[key]; ok {
					return &ConstructionError{
						StageID: st.ID,
						Reason:  fmt.Sprintf("parallel children %q and %q both write key %q", owner, c.ID, key),
					}
				}
				claimed[key] = c.ID
			}
		}
	case KindLoop:
		if st.Body == nil {
			return &ConstructionError{StageID: st.ID, Reason: "loop requires a body"}
		}
		if st.MaxIterations < 1 {
			return &ConstructionError{StageID: st.ID, Reason: "loop requires max iterations >= 1"}
		}
		if st.Checker == nil {
			return &ConstructionError{StageID: st.ID, Reason: "loop requires an escalation checker"}
		}
		if err := validateStage(st.Body, seen); err != nil {
			return err
		}
	default:
		return &ConstructionError{StageID: st.ID, Reason: fmt.Sprintf("unknown stage kind %s", st.Kind)}
	}
	return nil
}

// writeSet collects the output keys a subtree may write, for the disjointness
// check across parallel siblings.
func writeSet(st *Stage) map[string]bool {
	keys := make(map[string]bool)
	collectWriteSet(st, keys)
	return keys
}

func collectWriteSet(st *Stage, keys map[string]bool) {
	switch st.Kind {
	case KindLeaf:
		keys[st.OutputKey] = true
	case KindSequential, KindParallel:
		for _, c := range st.Children {
			collectWriteSet(c, keys)
		}
	case KindLoop:
		if st.Body != nil {
			collectWriteSet(st.Body, keys)
		}
		if st.BodyErrorKey != "" {
			keys[st.BodyErrorKey] = true
		}
	}
}

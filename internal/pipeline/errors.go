package pipeline

import "fmt"

// ConstructionError reports a stage tree that violates build-time invariants.
// It is returned before any stage executes, never during a run.
type ConstructionError struct {
	StageID string
	Reason  string
}

func (e *ConstructionError) Error() string {
	if e.StageID == "" {
		return fmt.Sprintf("invalid stage tree: %s", e.Reason)
	}
	return fmt.Sprintf("invalid stage %q: %s", e.StageID, e.Reason)
}

// StateError reports a read of a required state key that no earlier stage has written.
type StateError struct {
	Key string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state key %q is not set", e.Key)
}

// CapabilityError wraps a failure surfaced by a leaf's external capability after
// the capability's own retry policy is exhausted.
type CapabilityError struct {
	StageID string
	Err     error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability for stage %q failed: %v", e.StageID, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

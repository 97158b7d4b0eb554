package pipeline

import "context"

// GroundingEvent is a reference to an external source discovered while a
// capability produced its output.
type GroundingEvent struct {
	URL        string  `json:"url"`
	Title      string  `json:"title,omitempty"`
	Domain     string  `json:"domain,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result is the value a capability hands back to the engine.
type Result struct {
	Output    interface{}
	Grounding []GroundingEvent
}

// Capability is the external collaborator a leaf stage delegates to: a model
// invocation, a search call, a human-approval wait. The engine passes a
// read snapshot of session state plus the leaf's static config, and only
// requires this signature and the ability to signal failure. Retries are the
// capability's own policy; the engine sees an error only after exhaustion.
type Capability interface {
	Invoke(ctx context.Context, snapshot *State, config map[string]interface{}) (Result, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, snapshot *State, config map[string]interface{}) (Result, error)

func (f CapabilityFunc) Invoke(ctx context.Context, snapshot *State, config map[string]interface{}) (Result, error) {
	return f(ctx, snapshot, config)
}

// PostHook runs synchronously right after a leaf's output has been merged
// into state, in the order hooks are attached to the leaf. Hooks receive the
// same shared state the leaf wrote to and the raw capability result.
type PostHook interface {
	AfterOutput(ctx context.Context, stageID string, state *State, result Result) error
}

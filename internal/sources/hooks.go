package sources

import (
	"context"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// RecordingHook is attached to research leaves: after the leaf's output merge
// it records the capability's grounding events into the shared Manager and,
// when TableKey is set, publishes the updated source table under that key.
// Parallel research siblings leave TableKey empty so the merged table is
// published once, by a later stage, after every sibling has recorded.
type RecordingHook struct {
	Manager  *Manager
	TableKey string
}

// AfterOutput implements pipeline.PostHook.
func (h *RecordingHook) AfterOutput(ctx context.Context, stageID string, state *pipeline.State, result pipeline.Result) error {
	h.Manager.Record(stageID, result.Grounding)
	if h.TableKey != "" {
		state.Set(h.TableKey, h.Manager.All(), stageID)
	}
	return nil
}

// ResolvingHook is attached to a writing leaf: after the leaf's output merge
// it rewrites citation markers in the text under TextKey and records any
// unknown-marker warnings under WarningsKey. A non-string value under TextKey
// is left untouched.
type ResolvingHook struct {
	Manager     *Manager
	TextKey     string
	WarningsKey string
}

// AfterOutput implements pipeline.PostHook.
func (h *ResolvingHook) AfterOutput(ctx context.Context, stageID string, state *pipeline.State, result pipeline.Result) error {
	v, ok := state.Get(h.TextKey)
	if !ok {
		return &pipeline.StateError{Key: h.TextKey}
	}
	text, ok := v.(string)
	if !ok {
		return nil
	}

	resolved, warnings := h.Manager.ResolveCitations(text)
	state.Set(h.TextKey, resolved, stageID)

	if len(warnings) > 0 && h.WarningsKey != "" {
		existing, _ := state.Get(h.WarningsKey)
		prior, _ := existing.([]string)
		state.Set(h.WarningsKey, append(prior, warnings...), stageID)
	}
	return nil
}

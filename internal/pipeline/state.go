package pipeline

import "sync"

// Write records a single attributed mutation of session state.
type Write struct {
	Key     string
	Value   interface{}
	StageID string
}

// State is the mutable key-value container shared by the stages of one run.
// Writes are attributed to the writing stage and journaled so a parallel
// child's delta can be replayed deterministically at join time.
type State struct {
	mu      sync.RWMutex
	values  map[string]interface{}
	writers map[string]string
	journal []Write
}

// NewState creates a state seeded with the initial session values.
// Initial values carry no journal entries and are attributed to no stage.
func NewState(initial map[string]interface{}) *State {
	s := &State{
		values:  make(map[string]interface{}, len(initial)),
		writers: make(map[string]string, len(initial)),
	}
	for k, v := range initial {
		s.values[k] = v
	}
	return s
}

// Get returns the value for key and whether it is set.
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Require returns the value for key or a StateError if no stage has written it.
func (s *State) Require(key string) (interface{}, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, &StateError{Key: key}
	}
	return v, nil
}

// Set writes key, attributing the write to stageID. Last writer wins.
func (s *State) Set(key string, value interface{}, stageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.writers[key] = stageID
	s.journal = append(s.journal, Write{Key: key, Value: value, StageID: stageID})
}

// Writer returns the stage that last wrote key, for diagnostics.
func (s *State) Writer(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writers[key]
}

// Snapshot returns an independent copy of the current values and attributions
// with an empty journal. Parallel children execute against snapshots so they
// never observe each other's writes.
func (s *State) Snapshot() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := &State{
		values:  make(map[string]interface{}, len(s.values)),
		writers: make(map[string]string, len(s.writers)),
	}
	for k, v := range s.values {
		cp.values[k] = v
	}
	for k, v := range s.writers {
		cp.writers[k] = v
	}
	return cp
}

// Journal returns a copy of the writes applied to this state instance since
// it was created or snapshotted.
func (s *State) Journal() []Write {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Write, len(s.journal))
	copy(out, s.journal)
	return out
}

// Values returns a copy of the current key-value mapping, for persistence
// and for handing to external capabilities.
func (s *State) Values() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len returns the number of keys currently set.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

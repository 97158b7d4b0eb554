package pipeline

import (
	"sync"
	"time"
)

// EventKind classifies an execution event.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventOutput    EventKind = "output"
	EventError     EventKind = "error"
	EventDecision  EventKind = "decision"
	EventEscalated EventKind = "escalated"
	EventTerminal  EventKind = "terminal"
)

// Event is one entry of the append-only execution log. Events are immutable
// once appended and totally ordered by Seq.
type Event struct {
	Seq       int64                  `json:"seq"`
	StageID   string                 `json:"stage_id"`
	Kind      EventKind              `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventLog is the append-only event sequence of one run. External transports
// consume it either as a finished slice or live through Subscribe; closing the
// log is the run-complete sentinel (subscriber channels are closed).
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	nextSeq int64
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// NewEventLog creates an empty event log.
func NewEventLog() *EventLog {
	return &EventLog{subs: make(map[int]chan Event)}
}

// Append adds an event, assigns the next sequence number, and fans it out to
// live subscribers. A subscriber whose buffer is full misses the event rather
// than blocking the engine; the full log remains available via Events.
func (l *EventLog) Append(stageID string, kind EventKind, payload map[string]interface{}) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Event{}
	}
	l.nextSeq++
	ev := Event{
		Seq:       l.nextSeq,
		StageID:   stageID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	l.events = append(l.events, ev)
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Events returns a copy of all events appended so far, in sequence order.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Subscribe registers a live consumer. The returned cancel function must be
// called when the consumer is done. The channel is closed when the log closes.
func (l *EventLog) Subscribe(buffer int) (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Event, buffer)
	if l.closed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
	}
}

// Close marks the run complete and closes all subscriber channels.
// Appending after Close is a no-op.
func (l *EventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}

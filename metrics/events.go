package metrics

import (
	"sync"
	"time"
)

// EventLevel is the severity of an Event.
type EventLevel string

const (
	LevelError EventLevel = "ERROR"
	LevelWarn  EventLevel = "WARN"
	LevelInfo  EventLevel = "INFO"
)

// DefaultMaxEvents is the ring size used by New.
const DefaultMaxEvents = 50

// Event is a notable engine occurrence: an unrecoverable gap, a failed poll or a
// rejected emission.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     EventLevel     `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// EventLog keeps the most recent events for the status endpoint.
type EventLog struct {
	mu      sync.Mutex
	entries []Event
	max     int
}

// NewEventLog creates a ring of maxEntries events.
func NewEventLog(maxEntries int) *EventLog {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEvents
	}
	return &EventLog{entries: make([]Event, 0, maxEntries), max: maxEntries}
}

// Add appends an event, dropping the oldest when full.
func (l *EventLog) Add(level EventLevel, message string, context map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Event{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   context,
	})
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Recent returns a copy of the events, oldest first.
func (l *EventLog) Recent() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// Event records an occurrence for the status endpoint.
func (m *Metrics) Event(level EventLevel, message string, context map[string]any) {
	if m == nil {
		return
	}
	m.events.Add(level, message, context)
}

// RecentEvents returns the recorded events, oldest first.
func (m *Metrics) RecentEvents() []Event {
	if m == nil {
		return nil
	}
	return m.events.Recent()
}

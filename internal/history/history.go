package history

import (
	"context"
	"time"
)

// EventType defines the kind of activation event.
type EventType string

const (
	EventStart   EventType = "start"
	EventAttach  EventType = "attach"
	EventReady   EventType = "ready"
	EventRetry   EventType = "retry"
	EventTimeout EventType = "timeout"
	EventDetach  EventType = "detach"
	EventPrune   EventType = "prune"
)

// Table is the default table (or index) name used by the database sinks.
const Table = "activation_history"

// Event represents an activation event exported to external systems.
type Event struct {
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	ActivationID string    `json:"activation_id,omitempty"`
	StorePath    string    `json:"store_path,omitempty"`
	Environment  string    `json:"environment"`
	PID          int       `json:"pid,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }

// Nullable maps an empty string to a SQL NULL.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package eventflow

import (
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the two closed message variants routed by the runtime.
// There is no third kind; dispatch never relies on open-ended inheritance.
type Kind uint8

const (
	// KindCommand is an imperative request addressed to exactly one handler.
	KindCommand Kind = iota + 1
	// KindEvent is a declarative fact addressed to zero or more subscribers.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Message is the closed union of the two routable kinds. Use KindOf to
// discriminate.
type Message interface {
	AggregateID() string
}

// KindOf reports which variant of the union a message is.
func KindOf(m Message) Kind {
	if _, ok := m.(Event); ok {
		return KindEvent
	}
	return KindCommand
}

// Command is an imperative request to change the state of a single aggregate.
type Command interface {
	AggregateID() string
}

// Event is a domain event describing a change that has happened to an aggregate.
type Event interface {
	AggregateID() string
	EventType() string
}

// Envelope carries a recorded event together with its routing and causality
// metadata. Envelopes are immutable once constructed.
//
// CorrelationID groups a causally related chain of messages and is propagated,
// never regenerated mid-chain. CausationID is the id of the message that
// directly produced this one; it is empty for externally originated messages.
type Envelope struct {
	EventID       uuid.UUID
	StreamID      string
	CorrelationID string
	CausationID   string
	Metadata      map[string]any
	Event         Event
	Version       uint64
	SchemaVersion int
	OccurredAt    time.Time
}

// EventOption customizes an Envelope at construction time.
type EventOption func(*Envelope)

// WithMetadata merges the given key-value pairs into the envelope metadata.
func WithMetadata(md map[string]any) EventOption {
	return func(e *Envelope) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// WithCorrelationID sets the correlation id of the envelope.
func WithCorrelationID(id string) EventOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID sets the causation id of the envelope.
func WithCausationID(id string) EventOption {
	return func(e *Envelope) { e.CausationID = id }
}

// WithSchemaVersion pins the schema version recorded for the event payload.
// When left at zero the codec stamps the current version for the event type.
func WithSchemaVersion(v int) EventOption {
	return func(e *Envelope) { e.SchemaVersion = v }
}

// TypeName returns the bare type name of v, without package or pointer
// decoration. It is a convenience for implementing Event.EventType; routing
// itself always happens on the returned string, never on reflection.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

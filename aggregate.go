package eventflow

import (
	"time"

	"github.com/google/uuid"
)

var now = time.Now

// Aggregate is the interface that all aggregates must implement. An
// aggregate is a transient, in-memory reconstruction of its stream; its
// business methods buffer new events which are drained and handed to the
// event store on successful completion, never retried internally.
type Aggregate interface {

	// EntityID returns the unique identifier of the aggregate.
	EntityID() string

	// AggregateVersion returns the version of the aggregate.
	AggregateVersion() uint64

	// SetAggregateVersion sets the version of the aggregate.
	SetAggregateVersion(version uint64)

	// UncommittedEvents returns all the events that are currently uncommitted.
	UncommittedEvents() []Envelope

	// ClearUncommittedEvents clears all uncommitted events from the aggregate.
	ClearUncommittedEvents()

	// AppendEvent appends a new event to the aggregate's pending changes.
	AppendEvent(event Event, options ...EventOption)
}

// AggregateBase provides the bookkeeping half of the Aggregate interface for
// embedding in domain types.
type AggregateBase struct {
	id     string
	v      uint64
	events []Envelope
}

// NewAggregateBase creates an aggregate.
func NewAggregateBase(id string) *AggregateBase {
	return &AggregateBase{
		id:     id,
		events: make([]Envelope, 0),
	}
}

// EntityID implements the Aggregate interface.
func (a *AggregateBase) EntityID() string {
	return a.id
}

// AggregateVersion implements the Aggregate interface.
func (a *AggregateBase) AggregateVersion() uint64 {
	return a.v
}

// SetAggregateVersion implements the Aggregate interface.
func (a *AggregateBase) SetAggregateVersion(v uint64) {
	a.v = v
}

// UncommittedEvents implements the Aggregate interface.
func (a *AggregateBase) UncommittedEvents() []Envelope {
	return a.events
}

// ClearUncommittedEvents implements the Aggregate interface.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.events = nil
}

// AppendEvent buffers an event for later retrieval by UncommittedEvents.
// The envelope version continues from the aggregate's persisted version.
func (a *AggregateBase) AppendEvent(event Event, options ...EventOption) {
	envelope := Envelope{
		EventID:    uuid.New(),
		StreamID:   a.id,
		Metadata:   make(map[string]any),
		Event:      event,
		Version:    a.v + uint64(len(a.events)) + 1,
		OccurredAt: now(),
	}

	for _, option := range options {
		option(&envelope)
	}

	a.events = append(a.events, envelope)
}

package eventflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicateHandler is returned when a second handler is registered for
	// a message type or name that must have exactly one owner. This is a
	// wiring-time configuration error.
	ErrDuplicateHandler = errors.New("duplicate handler registration")

	// ErrStreamNotFound is returned when a StreamExists revision is asserted
	// against a stream that has no events.
	ErrStreamNotFound = errors.New("stream does not exist")

	// ErrStreamExists is returned when a NoStream revision is asserted
	// against a stream that already has events.
	ErrStreamExists = errors.New("stream already exists")

	// ErrInvalidRevision indicates an unsupported StreamState value.
	ErrInvalidRevision = errors.New("invalid stream revision")

	// ErrInvalidEventBatch indicates a Save batch that mixes stream ids.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrBusClosed is returned when dispatching through a stopped bus.
	ErrBusClosed = errors.New("bus is closed")
)

// ConcurrencyError reports an optimistic-concurrency conflict: the stream's
// highest version did not match the expected revision. The caller should
// reload and retry; the store never merges or reorders.
type ConcurrencyError struct {
	Stream   string
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stream %q: expected version %d, actual %d", e.Stream, e.Expected, e.Actual)
}

// HandlerFailure records the outcome of one failed event subscriber,
// including the type of the envelope it was handling. A multi-envelope
// publish can fail on several event types at once.
type HandlerFailure struct {
	Handler   string
	EventType string
	Err       error
}

// HandlerError aggregates the failures of one publish. It is raised only
// after every subscriber has been attempted; no handler is skipped because an
// earlier one failed.
type HandlerError struct {
	Failures []HandlerFailure
}

func (e *HandlerError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "publish: %d handler(s) failed", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s (%s): %v", f.Handler, f.EventType, f.Err)
	}
	return b.String()
}

// Unwrap exposes every handler failure to errors.Is / errors.As.
func (e *HandlerError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// UnknownSchemaVersionError is returned on load when no upcast path reaches
// the current schema version of an event type. It is fatal for that read and
// fixed by registering the missing upcaster.
type UnknownSchemaVersionError struct {
	TypeName      string
	SchemaVersion int
}

func (e *UnknownSchemaVersionError) Error() string {
	return fmt.Sprintf("no upcaster registered for %s schema version %d", e.TypeName, e.SchemaVersion)
}

// DeliveryError wraps a publication failure that followed a durable append.
// The append itself stands; the caller decides whether to re-deliver.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("events appended but publication failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ErrSkippedEvent is returned when a handler cannot handle the event type.
type ErrSkippedEvent struct {
	Event Event
}

func (e *ErrSkippedEvent) Error() string {
	return fmt.Sprintf("skipped event of type %T", e.Event)
}

// EventStoreError wraps a backend-specific persistence failure.
type EventStoreError struct {
	Err error
}

func (e *EventStoreError) Error() string {
	return fmt.Sprintf("eventstore error: %v", e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err as an EventStoreError, preserving nil.
func WrapEventStoreError(err error) error {
	if err == nil {
		return nil
	}
	return &EventStoreError{Err: err}
}

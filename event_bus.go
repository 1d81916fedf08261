package eventflow

import (
	"context"
	"errors"
	"sync"
)

// EventPublisher is the store-facing side of an event bus: something that
// accepts successfully appended envelopes for delivery.
type EventPublisher interface {
	Publish(ctx context.Context, envelopes ...*Envelope) error
}

// EventBus distributes published events to all matching subscribers. The
// subscription registry is built at wiring time and treated as read-only
// during dispatch; one bus instance is safe to share across concurrent
// publishers. The bus never retries a delivery itself.
type EventBus interface {
	EventPublisher

	// Subscribe registers a named handler. With no event types the handler
	// receives every event, unless it exposes EventName() string or
	// EventTypes() []string, in which case it is subscribed to those types.
	// Duplicate names fail with ErrDuplicateHandler.
	Subscribe(name string, handler EventHandler, eventTypes ...string) error

	// Close marks the bus closed; subsequent Publish calls fail.
	Close() error
}

type subscription struct {
	name    string
	types   map[string]struct{} // nil means all events
	handler EventHandler
}

func (s *subscription) matches(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// subscriberSet is the shared write-once registry behind both bus variants.
// A single writer lock guards runtime registration; dispatch reads a stable
// snapshot.
type subscriberSet struct {
	mu     sync.RWMutex
	subs   []*subscription
	names  map[string]struct{}
	closed bool
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{names: make(map[string]struct{})}
}

func (r *subscriberSet) add(name string, handler EventHandler, eventTypes []string) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	if len(eventTypes) == 0 {
		switch h := handler.(type) {
		case interface{ EventTypes() []string }:
			eventTypes = h.EventTypes()
		case interface{ EventName() string }:
			eventTypes = []string{h.EventName()}
		}
	}

	var types map[string]struct{}
	if len(eventTypes) > 0 {
		types = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			types[t] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrBusClosed
	}
	if _, exists := r.names[name]; exists {
		return &subscribeError{name: name}
	}
	r.names[name] = struct{}{}
	r.subs = append(r.subs, &subscription{name: name, types: types, handler: handler})
	return nil
}

// match returns the subscribers for an event type in registration order.
func (r *subscriberSet) match(eventType string) ([]*subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrBusClosed
	}
	matched := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.matches(eventType) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

func (r *subscriberSet) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type subscribeError struct {
	name string
}

func (e *subscribeError) Error() string {
	return "subscriber " + e.name + ": " + ErrDuplicateHandler.Error()
}

func (e *subscribeError) Unwrap() error { return ErrDuplicateHandler }

// SyncEventBus invokes subscribers one by one, in registration order, on the
// publisher's goroutine. Every subscriber is attempted even when an earlier
// one fails; the failures are then raised together as a *HandlerError.
// Publishing an event with zero subscribers succeeds as a no-op.
type SyncEventBus struct {
	subs *subscriberSet
}

// NewSyncEventBus creates a synchronous event bus.
func NewSyncEventBus() *SyncEventBus {
	return &SyncEventBus{subs: newSubscriberSet()}
}

// Subscribe implements EventBus.
func (b *SyncEventBus) Subscribe(name string, handler EventHandler, eventTypes ...string) error {
	return b.subs.add(name, handler, eventTypes)
}

// Publish implements EventBus. It blocks until every subscriber has run.
func (b *SyncEventBus) Publish(ctx context.Context, envelopes ...*Envelope) error {
	var failures []HandlerFailure

	for _, env := range envelopes {
		eventType := env.Event.EventType()
		matched, err := b.subs.match(eventType)
		if err != nil {
			return err
		}

		hctx := WithEnvelope(ctx, env)
		for _, s := range matched {
			if err := s.handler.Handle(hctx, env.Event); err != nil {
				failures = append(failures, HandlerFailure{Handler: s.name, EventType: eventType, Err: err})
			}
		}
	}

	if len(failures) > 0 {
		return &HandlerError{Failures: failures}
	}
	return nil
}

// Close implements EventBus.
func (b *SyncEventBus) Close() error {
	b.subs.close()
	return nil
}

// ConcurrentEventBus runs one goroutine per subscriber and joins all of them
// before Publish returns; the call completes only when the slowest handler
// finishes or fails. Ordering between handlers is unspecified. A failing
// handler does not cancel its siblings: the Publish caller is the only point
// where the batch fails or succeeds.
type ConcurrentEventBus struct {
	subs *subscriberSet
}

// NewConcurrentEventBus creates a concurrent event bus.
func NewConcurrentEventBus() *ConcurrentEventBus {
	return &ConcurrentEventBus{subs: newSubscriberSet()}
}

// Subscribe implements EventBus.
func (b *ConcurrentEventBus) Subscribe(name string, handler EventHandler, eventTypes ...string) error {
	return b.subs.add(name, handler, eventTypes)
}

// Publish implements EventBus.
func (b *ConcurrentEventBus) Publish(ctx context.Context, envelopes ...*Envelope) error {
	var failures []HandlerFailure

	for _, env := range envelopes {
		eventType := env.Event.EventType()
		matched, err := b.subs.match(eventType)
		if err != nil {
			return err
		}
		if len(matched) == 0 {
			continue
		}

		hctx := WithEnvelope(ctx, env)
		errs := make([]error, len(matched))
		var wg sync.WaitGroup
		for i, s := range matched {
			wg.Add(1)
			go func(i int, s *subscription) {
				defer wg.Done()
				errs[i] = s.handler.Handle(hctx, env.Event)
			}(i, s)
		}
		wg.Wait()

		for i, err := range errs {
			if err != nil {
				failures = append(failures, HandlerFailure{Handler: matched[i].name, EventType: eventType, Err: err})
			}
		}
	}

	if len(failures) > 0 {
		return &HandlerError{Failures: failures}
	}
	return nil
}

// Close implements EventBus.
func (b *ConcurrentEventBus) Close() error {
	b.subs.close()
	return nil
}

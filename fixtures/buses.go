package fixtures

import (
	"context"
	"sync"

	es "github.com/tidemill/eventflow"
)

// EventBusSpy is a configurable mock EventBus for testing.
// It tracks subscriptions and published envelopes.
type EventBusSpy struct {
	mu sync.Mutex

	// Function overrides
	PublishFn   func(ctx context.Context, envelopes ...*es.Envelope) error
	SubscribeFn func(name string, handler es.EventHandler, eventTypes ...string) error
	CloseFn     func() error

	// Call tracking
	PublishCalls   int
	SubscribeCalls int
	CloseCalls     int

	// Captured state
	Published     []*es.Envelope
	Subscriptions []Subscription

	// Error injection
	publishErr   error
	subscribeErr error
}

// Subscription captures details of a Subscribe call.
type Subscription struct {
	Name       string
	Handler    es.EventHandler
	EventTypes []string
}

// NewEventBusSpy creates a new EventBusSpy.
func NewEventBusSpy() *EventBusSpy {
	return &EventBusSpy{}
}

// FailOnPublish configures the bus to return an error on Publish.
func (b *EventBusSpy) FailOnPublish(err error) *EventBusSpy {
	b.publishErr = err
	return b
}

// FailOnSubscribe configures the bus to return an error on Subscribe.
func (b *EventBusSpy) FailOnSubscribe(err error) *EventBusSpy {
	b.subscribeErr = err
	return b
}

// Publish implements EventBus.Publish.
func (b *EventBusSpy) Publish(ctx context.Context, envelopes ...*es.Envelope) error {
	b.mu.Lock()
	b.PublishCalls++
	b.Published = append(b.Published, envelopes...)
	b.mu.Unlock()

	if b.PublishFn != nil {
		return b.PublishFn(ctx, envelopes...)
	}
	return b.publishErr
}

// Subscribe implements EventBus.Subscribe.
func (b *EventBusSpy) Subscribe(name string, handler es.EventHandler, eventTypes ...string) error {
	b.mu.Lock()
	b.SubscribeCalls++
	b.Subscriptions = append(b.Subscriptions, Subscription{
		Name:       name,
		Handler:    handler,
		EventTypes: eventTypes,
	})
	b.mu.Unlock()

	if b.SubscribeFn != nil {
		return b.SubscribeFn(name, handler, eventTypes...)
	}
	return b.subscribeErr
}

// Close implements EventBus.Close.
func (b *EventBusSpy) Close() error {
	b.mu.Lock()
	b.CloseCalls++
	b.mu.Unlock()

	if b.CloseFn != nil {
		return b.CloseFn()
	}
	return nil
}

// HasSubscription checks if a subscription with the given name exists.
func (b *EventBusSpy) HasSubscription(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.Subscriptions {
		if sub.Name == name {
			return true
		}
	}
	return false
}

// PublishedCount returns the number of envelopes published.
func (b *EventBusSpy) PublishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published)
}

// EventHandlerSpy is a configurable mock EventHandler for testing.
type EventHandlerSpy struct {
	mu sync.Mutex

	// Function override
	HandleFn func(ctx context.Context, event es.Event) error

	// Call tracking
	HandleCalls int

	// Captured events
	ReceivedEvents []es.Event

	// Error injection
	handleErr error
}

// NewEventHandlerSpy creates a new EventHandlerSpy.
func NewEventHandlerSpy() *EventHandlerSpy {
	return &EventHandlerSpy{}
}

// FailOnHandle configures the handler to return an error.
func (h *EventHandlerSpy) FailOnHandle(err error) *EventHandlerSpy {
	h.handleErr = err
	return h
}

// Handle implements EventHandler.Handle.
func (h *EventHandlerSpy) Handle(ctx context.Context, event es.Event) error {
	h.mu.Lock()
	h.HandleCalls++
	h.ReceivedEvents = append(h.ReceivedEvents, event)
	h.mu.Unlock()

	if h.HandleFn != nil {
		return h.HandleFn(ctx, event)
	}
	return h.handleErr
}

// Reset clears all call counts and received events.
func (h *EventHandlerSpy) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.HandleCalls = 0
	h.ReceivedEvents = nil
	h.handleErr = nil
}

// LastEvent returns the most recently received event, or nil if none.
func (h *EventHandlerSpy) LastEvent() es.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.ReceivedEvents) == 0 {
		return nil
	}
	return h.ReceivedEvents[len(h.ReceivedEvents)-1]
}

// EventCount returns the number of events received.
func (h *EventHandlerSpy) EventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ReceivedEvents)
}

// DispatcherSpy is a configurable mock CommandDispatcher for testing saga
// orchestration and other command-issuing components.
type DispatcherSpy struct {
	mu sync.Mutex

	// DispatchFn overrides the default behavior per call.
	DispatchFn func(ctx context.Context, cmd es.Command) (es.AppendResult, error)

	// Dispatched holds every command received, in dispatch order.
	Dispatched []es.Command

	// Error injection: FailOn maps a command's AggregateID to an error.
	FailOn map[string]error

	dispatchErr error
}

// NewDispatcherSpy creates a new DispatcherSpy.
func NewDispatcherSpy() *DispatcherSpy {
	return &DispatcherSpy{FailOn: make(map[string]error)}
}

// FailOnDispatch configures the dispatcher to fail every Dispatch.
func (d *DispatcherSpy) FailOnDispatch(err error) *DispatcherSpy {
	d.dispatchErr = err
	return d
}

// Dispatch implements CommandDispatcher.
func (d *DispatcherSpy) Dispatch(ctx context.Context, cmd es.Command) (es.AppendResult, error) {
	d.mu.Lock()
	d.Dispatched = append(d.Dispatched, cmd)
	d.mu.Unlock()

	if d.DispatchFn != nil {
		return d.DispatchFn(ctx, cmd)
	}
	if err, ok := d.FailOn[cmd.AggregateID()]; ok {
		return es.AppendResult{Successful: false}, err
	}
	if d.dispatchErr != nil {
		return es.AppendResult{Successful: false}, d.dispatchErr
	}
	return es.AppendResult{Successful: true, StreamID: cmd.AggregateID()}, nil
}

// DispatchedCount returns the number of dispatched commands.
func (d *DispatcherSpy) DispatchedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Dispatched)
}

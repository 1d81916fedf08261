package eventflow

import (
	"context"
)

// Projection is a read-model builder fed from the event bus. A projection
// receives every successfully appended event it subscribed to at least once,
// in per-stream order; there is no exactly-once guarantee, so Apply must be
// idempotent.
type Projection interface {
	// Name identifies the projection's subscription on the bus.
	Name() string

	// EventTypes lists the event types the projection consumes.
	EventTypes() []string

	// Apply folds one envelope into the read model.
	Apply(ctx context.Context, env *Envelope) error
}

// RegisterProjection subscribes a projection to the bus under its own name
// and event types.
func RegisterProjection(bus EventBus, p Projection) error {
	return bus.Subscribe(p.Name(), NewEventHandlerFunc(func(ctx context.Context, ev Event) error {
		env := EnvelopeFromContext(ctx)
		if env == nil {
			env = &Envelope{
				StreamID: ev.AggregateID(),
				Event:    ev,
			}
		}
		return p.Apply(ctx, env)
	}), p.EventTypes()...)
}

package eventflow

import (
	"context"
	"testing"
)

type countingProjection struct {
	applied []*Envelope
}

func (p *countingProjection) Name() string { return "order-counts" }

func (p *countingProjection) EventTypes() []string {
	return []string{"OrderCreated", "OrderShipped"}
}

func (p *countingProjection) Apply(ctx context.Context, env *Envelope) error {
	p.applied = append(p.applied, env)
	return nil
}

func TestRegisterProjection(t *testing.T) {
	bus := NewSyncEventBus()
	proj := &countingProjection{}

	if err := RegisterProjection(bus, proj); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	created := newTestEnvelope(testEvent{Agg: "o1", Typ: "OrderCreated"}, 1)
	other := newTestEnvelope(testEvent{Agg: "o1", Typ: "OrderCancelled"}, 2)

	bus.Publish(context.Background(), created)
	bus.Publish(context.Background(), other)

	if len(proj.applied) != 1 {
		t.Fatalf("expected projection to see only subscribed types, got %d", len(proj.applied))
	}
	// The full envelope reaches Apply, not just the event.
	if proj.applied[0] != created {
		t.Fatalf("expected the published envelope, got %+v", proj.applied[0])
	}

	// A second projection with the same name collides.
	if err := RegisterProjection(bus, &countingProjection{}); err == nil {
		t.Fatalf("expected duplicate subscription error")
	}
}

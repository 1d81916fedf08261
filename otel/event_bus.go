package otel

import (
	"context"

	"github.com/tidemill/eventflow"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ eventflow.EventBus = (*TelemetryBus)(nil)

// TelemetryBus decorates an EventBus with a publish span per batch and
// publication counters.
type TelemetryBus struct {
	next eventflow.EventBus
}

// WithEventBusTelemetry wraps an event bus.
func WithEventBusTelemetry(next eventflow.EventBus) *TelemetryBus {
	return &TelemetryBus{next: next}
}

// Publish implements eventflow.EventBus.
func (b *TelemetryBus) Publish(ctx context.Context, envelopes ...*eventflow.Envelope) error {
	var eventType string
	if len(envelopes) > 0 {
		eventType = envelopes[0].Event.EventType()
	}

	ctx, span := tracer.Start(ctx, "eventbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrEventType.String(eventType),
			AttrEventCount.Int64(int64(len(envelopes))),
		),
	)
	defer span.End()

	err := b.next.Publish(ctx, envelopes...)

	EventBusPublished.Add(ctx, int64(len(envelopes)), metric.WithAttributes(AttrEventType.String(eventType)))

	if err != nil {
		EventBusErrors.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(eventType)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe implements eventflow.EventBus, wrapping the handler with
// WithEventTelemetry.
func (b *TelemetryBus) Subscribe(name string, handler eventflow.EventHandler, eventTypes ...string) error {
	if len(eventTypes) == 0 {
		// Preserve the handler's own type advertisement before wrapping
		// hides it.
		switch h := handler.(type) {
		case interface{ EventTypes() []string }:
			eventTypes = h.EventTypes()
		case interface{ EventName() string }:
			eventTypes = []string{h.EventName()}
		}
	}
	return b.next.Subscribe(name, WithEventTelemetry(name, handler), eventTypes...)
}

// Close implements eventflow.EventBus.
func (b *TelemetryBus) Close() error {
	return b.next.Close()
}

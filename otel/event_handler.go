package otel

import (
	"context"
	"time"

	"github.com/tidemill/eventflow"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithEventTelemetry wraps an EventHandler with a span and handling metrics.
// The handler name identifies the subscriber in spans and metrics.
func WithEventTelemetry(name string, next eventflow.EventHandler, options ...Option) eventflow.EventHandler {
	cfg := &config{Operation: "event.handle"}
	for _, o := range options {
		o.apply(cfg)
	}

	return eventflow.NewEventHandlerFunc(func(ctx context.Context, event eventflow.Event) error {
		operation := cfg.Operation
		if cfg.GetOperation != nil {
			if op := cfg.GetOperation(ctx, operation); op != "" {
				operation = op
			}
		}

		attrs := append([]trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				AttrHandlerName.String(name),
				AttrEventType.String(event.EventType()),
				AttrAggregateID.String(event.AggregateID()),
				AttrStreamID.String(eventflow.StreamIDFromContext(ctx)),
			),
		}, trace.WithAttributes(cfg.Attributes...))
		if cfg.GetAttributes != nil {
			attrs = append(attrs, trace.WithAttributes(cfg.GetAttributes(ctx)...))
		}

		ctx, span := tracer.Start(ctx, operation+" "+event.EventType(), attrs...)
		defer span.End()

		start := time.Now()
		err := next.Handle(ctx, event)

		EventBusDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(AttrHandlerName.String(name)))

		if err != nil {
			EventBusErrors.Add(ctx, 1, metric.WithAttributes(AttrHandlerName.String(name)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		EventBusHandled.Add(ctx, 1, metric.WithAttributes(AttrHandlerName.String(name)))
		span.SetStatus(codes.Ok, "")
		return nil
	})
}

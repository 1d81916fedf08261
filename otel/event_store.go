package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tidemill/eventflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var _ eventflow.EventStore = (*TelemetryStore)(nil)

// TelemetryStore decorates an EventStore with spans and metrics around Save
// and the Load iterators. On Save it also stamps trace propagation headers
// into the envelope metadata so consumers can join the trace.
type TelemetryStore struct {
	next eventflow.EventStore
}

// WithEventStoreTelemetry wraps an event store.
func WithEventStoreTelemetry(next eventflow.EventStore) *TelemetryStore {
	return &TelemetryStore{next: next}
}

// Save implements eventflow.EventStore.
func (t *TelemetryStore) Save(ctx context.Context, events []eventflow.Envelope, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	var streamID string
	if len(events) > 0 {
		streamID = events[0].StreamID
	}

	ctx, span := tracer.Start(ctx, "EventStore.Save",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("save"),
			AttrStreamID.String(streamID),
			AttrEventCount.Int64(int64(len(events))),
			AttrEventStreamPos.String(fmt.Sprintf("%T", revision)),
		),
	)
	defer span.End()

	{
		carrier := propagation.MapCarrier{}
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		for i := range events {
			if events[i].Metadata == nil {
				events[i].Metadata = make(map[string]any, len(carrier))
			}
			for key, value := range carrier {
				events[i].Metadata[key] = value
			}
		}
	}

	start := time.Now()
	result, err := t.next.Save(ctx, events, revision)

	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("save")),
	)
	EventStoreSaves.Add(ctx, 1)
	EventsAppended.Add(ctx, int64(len(events)))

	if err != nil {
		EventStoreErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return result, err
}

// Close implements eventflow.EventStore.
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

// LoadStream implements eventflow.EventStore.
func (t *TelemetryStore) LoadStream(ctx context.Context, id string) (*eventflow.Iterator[*eventflow.Envelope], error) {
	iter, err := t.next.LoadStream(ctx, id)
	if err != nil {
		EventStoreErrors.Add(ctx, 1)
		return iter, err
	}
	return t.instrumentIterator("EventStore.LoadStream", id, iter), nil
}

// LoadStreamFrom implements eventflow.EventStore.
func (t *TelemetryStore) LoadStreamFrom(ctx context.Context, id string, fromVersion uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	iter, err := t.next.LoadStreamFrom(ctx, id, fromVersion)
	if err != nil {
		EventStoreErrors.Add(ctx, 1)
		return iter, err
	}
	return t.instrumentIterator("EventStore.LoadStreamFrom", id, iter), nil
}

// LoadFromAll implements eventflow.EventStore.
func (t *TelemetryStore) LoadFromAll(ctx context.Context, position uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	iter, err := t.next.LoadFromAll(ctx, position)
	if err != nil {
		EventStoreErrors.Add(ctx, 1)
		return iter, err
	}
	return t.instrumentIterator("EventStore.LoadFromAll", "", iter), nil
}

// instrumentIterator opens a span on the first Next and closes it when the
// iteration ends, recording the event count and load duration.
func (t *TelemetryStore) instrumentIterator(operation, streamID string, iter *eventflow.Iterator[*eventflow.Envelope]) *eventflow.Iterator[*eventflow.Envelope] {
	started := false
	var startedAt time.Time
	var span trace.Span
	var eventCount int64

	return eventflow.NewIteratorFunc(func(ctx context.Context) (*eventflow.Envelope, error) {
		if !started {
			started = true
			startedAt = time.Now()
			ctx, span = tracer.Start(ctx, operation,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(AttrStreamID.String(streamID)),
			)
		}

		if !iter.Next(ctx) {
			span.SetAttributes(AttrEventCount.Int64(eventCount))

			if err := iter.Err(); err != nil {
				EventStoreErrors.Add(ctx, 1)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.End()
				return nil, err
			}

			EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()),
				metric.WithAttributes(AttrOperation.String("load")))
			span.End()
			return nil, io.EOF
		}

		eventCount++
		EventsLoaded.Add(ctx, 1)
		return iter.Value(), nil
	})
}

// Package otel attaches OpenTelemetry tracing and metrics to the runtime's
// extension points: command handling, event handling, bus publication and
// event store appends. The core itself emits no telemetry; these decorators
// are the pre/post hooks external collectors attach to.
package otel

import (
	"github.com/tidemill/eventflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/tidemill/eventflow"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Command attributes
	AttrCommandType = attribute.Key("eventflow.command.type")
	AttrAggregateID = attribute.Key("eventflow.aggregate.id")

	// Stream attributes
	AttrStreamID      = attribute.Key("eventflow.stream.id")
	AttrStreamVersion = attribute.Key("eventflow.stream.version")

	// Event attributes
	AttrEventType      = attribute.Key("eventflow.event.type")
	AttrEventID        = attribute.Key("eventflow.event.id")
	AttrEventCount     = attribute.Key("eventflow.events.count")
	AttrEventStreamPos = attribute.Key("eventflow.event.stream_position")

	// EventBus attributes
	AttrSubscriberName  = attribute.Key("eventflow.subscriber.name")
	AttrSubscriberCount = attribute.Key("eventflow.subscriber.count")
	AttrHandlerName     = attribute.Key("eventflow.handler.name")

	// Saga attributes
	AttrSagaName   = attribute.Key("eventflow.saga.name")
	AttrSagaStatus = attribute.Key("eventflow.saga.status")

	// Error attributes
	AttrErrorType = attribute.Key("eventflow.error.type")

	// Operation attributes
	AttrOperation = attribute.Key("eventflow.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventflow.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventflow.InstrumentationVersion))

	// Command metrics
	CommandsHandled, _ = meter.Int64Counter(
		"eventflow.commands.handled",
		metric.WithDescription("Total number of commands handled"),
		metric.WithUnit("{command}"),
	)

	CommandsDuration, _ = meter.Float64Histogram(
		"eventflow.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)

	CommandsInFlight, _ = meter.Int64UpDownCounter(
		"eventflow.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)

	CommandsFailed, _ = meter.Int64Counter(
		"eventflow.commands.failed",
		metric.WithDescription("Number of failed commands"),
		metric.WithUnit("{command}"),
	)

	// Event metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventflow.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventflow.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)

	// EventBus metrics
	EventBusPublished, _ = meter.Int64Counter(
		"eventflow.eventbus.published",
		metric.WithDescription("Number of events published to event bus"),
		metric.WithUnit("{event}"),
	)

	EventBusHandled, _ = meter.Int64Counter(
		"eventflow.eventbus.handled",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	EventBusErrors, _ = meter.Int64Counter(
		"eventflow.eventbus.errors",
		metric.WithDescription("Number of event bus handler errors"),
		metric.WithUnit("{error}"),
	)

	EventBusDuration, _ = meter.Float64Histogram(
		"eventflow.eventbus.duration",
		metric.WithDescription("Event bus handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	// EventStore metrics
	EventStoreSaves, _ = meter.Int64Counter(
		"eventflow.eventstore.saves",
		metric.WithDescription("Number of save operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventflow.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventflow.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	// System metrics
	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventflow.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	// Saga metrics
	SagasStarted, _ = meter.Int64Counter(
		"eventflow.sagas.started",
		metric.WithDescription("Number of saga instances started"),
		metric.WithUnit("{saga}"),
	)

	SagasCompensating, _ = meter.Int64Counter(
		"eventflow.sagas.compensating",
		metric.WithDescription("Number of saga instances that entered compensation"),
		metric.WithUnit("{saga}"),
	)
)

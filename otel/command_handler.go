package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidemill/eventflow"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and
// metrics: a span per handled command, in-flight and duration metrics, and a
// dedicated counter for concurrency conflicts.
func WithCommandTelemetry[C eventflow.Command](next eventflow.CommandHandler[C]) eventflow.CommandHandler[C] {
	var zero C
	commandType := fmt.Sprintf("%T", zero)

	baseAttributes := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrCommandType.String(commandType)),
	}

	return func(ctx context.Context, cmd C) (eventflow.AppendResult, error) {
		ctx, span := tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			append(baseAttributes, trace.WithAttributes(AttrAggregateID.String(cmd.AggregateID())))...,
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
		defer CommandsInFlight.Add(ctx, -1, metric.WithAttributes(AttrCommandType.String(commandType)))

		startTime := time.Now()
		result, err := next(ctx, cmd)

		span.SetAttributes(
			AttrStreamID.String(result.StreamID),
			AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
		)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()),
			metric.WithAttributes(AttrCommandType.String(commandType)))

		if err != nil {
			var conflict *eventflow.ConcurrencyError
			if errors.As(err, &conflict) {
				ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
				span.AddEvent("concurrency_conflict", trace.WithAttributes(
					AttrStreamID.String(conflict.Stream),
				))
			}

			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
			CommandsFailed.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))
			return result, err
		}

		span.SetStatus(codes.Ok, "")
		CommandsHandled.Add(ctx, 1, metric.WithAttributes(AttrCommandType.String(commandType)))

		return result, err
	}
}

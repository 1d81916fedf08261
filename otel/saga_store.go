package otel

import (
	"context"

	"github.com/tidemill/eventflow"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ eventflow.SagaStore = (*TelemetrySagaStore)(nil)

// TelemetrySagaStore decorates a SagaStore with spans around persistence and
// counters for saga lifecycle transitions: a fresh Running instance counts as
// started, the first Compensating persist counts as entering compensation.
type TelemetrySagaStore struct {
	next eventflow.SagaStore
}

// WithSagaStoreTelemetry wraps a saga store.
func WithSagaStoreTelemetry(next eventflow.SagaStore) *TelemetrySagaStore {
	return &TelemetrySagaStore{next: next}
}

// Save implements eventflow.SagaStore.
func (t *TelemetrySagaStore) Save(ctx context.Context, inst *eventflow.SagaInstance) error {
	ctx, span := tracer.Start(ctx, "SagaStore.Save",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrOperation.String("save"),
			AttrSagaStatus.String(string(inst.Status)),
		),
	)
	defer span.End()

	err := t.next.Save(ctx, inst)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// The orchestrator persists after every transition, so each lifecycle
	// entry point is visible exactly once: a Running instance with no
	// committed steps is a new saga, and a Compensating instance that has
	// issued no compensations yet just entered compensation.
	switch {
	case inst.Status == eventflow.SagaRunning && len(inst.History) == 0:
		SagasStarted.Add(ctx, 1)
	case inst.Status == eventflow.SagaCompensating && len(inst.Compensated) == 0:
		SagasCompensating.Add(ctx, 1)
	}

	return nil
}

// Load implements eventflow.SagaStore.
func (t *TelemetrySagaStore) Load(ctx context.Context, correlationID string) (*eventflow.SagaInstance, error) {
	return t.next.Load(ctx, correlationID)
}

// LoadActive implements eventflow.SagaStore.
func (t *TelemetrySagaStore) LoadActive(ctx context.Context) ([]*eventflow.SagaInstance, error) {
	return t.next.LoadActive(ctx)
}

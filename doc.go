// Package eventflow is an embeddable event-sourcing/CQRS runtime: it routes
// domain commands and events between handlers, persists append-only event
// streams per aggregate with optimistic concurrency control, and orchestrates
// multi-step business processes (sagas) with compensating actions on failure.
//
// The three subsystems form one engine: a saga issues commands through the
// bus, handlers load and persist aggregates through the event store, and
// store writes trigger bus publication. Reference backends live under
// eventstore/ and sagastore/; observability decorators under otel/ and
// logging/.
//
// The core provides no network transport, authentication or multi-process
// distribution; it defines the dispatch, persistence and orchestration
// contracts a networked deployment sits behind.
package eventflow

// InstrumentationVersion is reported by the otel decorators.
const InstrumentationVersion = "0.3.0"

package eventflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// StreamNamer produces the stream name for a given command, with access to
// the context.
type StreamNamer func(ctx context.Context, cmd Command) string

// DefaultStreamNamer is used when no custom StreamNamer is provided. By
// default the AggregateID of the command is the stream name. It can be
// overridden globally, for example for multi-tenant prefixes.
var DefaultStreamNamer StreamNamer = func(ctx context.Context, cmd Command) string {
	return cmd.AggregateID()
}

// CommandHandler handles commands of a specific type. Implementations should
// treat the command as immutable, express state changes via events rather
// than direct mutation, and return errors instead of panicking.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// Evolver folds one historical envelope into the aggregate state.
type Evolver[T any] func(currentState T, envelope *Envelope) T

// Decider determines which events should occur based on the current state
// and a command. Returning an empty slice means the command had no effect;
// a non-nil error is a business rule violation and nothing is persisted.
// The Decider must not mutate the input state.
type Decider[T any, C Command] func(state T, cmd C) ([]Event, error)

// CommandHandlerOption customizes NewCommandHandler.
type CommandHandlerOption func(configuration *handlerOptions)

// NewCommandHandler returns a generic command handler for any aggregate type.
//
// For each command it:
//  1. Loads the aggregate's event history (from the latest snapshot when
//     snapshotting is enabled, otherwise from version 1).
//  2. Evolves the current state from the history.
//  3. Decides which new events should occur given the state and the command.
//  4. Wraps the events in envelopes, stamping versions, correlation and
//     causation ids from the context.
//  5. Appends the envelopes under the loaded expected version; on a
//     *ConcurrencyError the whole cycle is retried per the configured
//     backoff strategy.
//
// If the decide function returns no events the handler succeeds without
// persisting anything.
func NewCommandHandler[T any, C Command](
	store EventStore,
	initialState T,
	evolve Evolver[T],
	decide Decider[T, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	return func(ctx context.Context, command C) (AppendResult, error) {
		cfg := &handlerOptions{
			RetryStrategy: &backoff.StopBackOff{},
			MetadataFuncs: []func(ctx context.Context) map[string]any{},
			StreamNamer:   DefaultStreamNamer,
		}
		for _, o := range opts {
			o(cfg)
		}

		stream := cfg.StreamNamer(ctx, command)

		state := initialState
		var revision uint64

		if cfg.Snapshots != nil {
			snap, err := cfg.Snapshots.LoadSnapshot(ctx, stream)
			if err != nil {
				return AppendResult{Successful: false, StreamID: stream},
					fmt.Errorf("handle command %T (stream %q): load snapshot: %w", command, stream, err)
			}
			if snap != nil {
				if err := json.Unmarshal(snap.State, &state); err != nil {
					return AppendResult{Successful: false, StreamID: stream},
						fmt.Errorf("handle command %T (stream %q): decode snapshot: %w", command, stream, err)
				}
				revision = snap.Version
			}
		}

		result, err := backoff.RetryWithData(func() (AppendResult, error) {

			// Incremental catch-up: on retry only the events appended since
			// the last observed revision are replayed.
			iter, err := store.LoadStreamFrom(ctx, stream, revision)
			if err != nil {
				return AppendResult{Successful: false, StreamID: stream},
					backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): load failed: %w", command, command.AggregateID(), stream, err))
			}

			for iter.Next(ctx) {
				envelope := iter.Value()
				revision = envelope.Version
				state = evolve(state, envelope)
			}
			if err := iter.Err(); err != nil {
				return AppendResult{Successful: false, StreamID: stream},
					fmt.Errorf("handle command %T for aggregate %q (stream %q): iter failed: %w", command, command.AggregateID(), stream, err)
			}

			events, err := decide(state, command)
			if err != nil {
				return AppendResult{Successful: false, StreamID: stream},
					backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): business rule violation: %w", command, command.AggregateID(), stream, err))
			}

			if len(events) == 0 {
				return AppendResult{Successful: true, StreamID: stream, NextExpectedVersion: revision}, nil
			}

			baseMetadata := make(map[string]any)
			for _, fn := range cfg.MetadataFuncs {
				for k, v := range fn(ctx) {
					baseMetadata[k] = v
				}
			}

			correlation := CorrelationFromContext(ctx)
			if correlation == "" {
				correlation = uuid.NewString()
			}
			causation := CausationFromContext(ctx)

			envelopes := make([]Envelope, len(events))
			expectedVersion := revision
			for i, event := range events {
				expectedVersion++
				envelopes[i] = Envelope{
					EventID:       uuid.New(),
					StreamID:      stream,
					CorrelationID: correlation,
					CausationID:   causation,
					Event:         event,
					Metadata:      baseMetadata,
					Version:       expectedVersion,
					OccurredAt:    time.Now(),
				}
			}

			result, err := store.Save(ctx, envelopes, Revision(revision))
			if err != nil {
				var conflict *ConcurrencyError
				if errors.As(err, &conflict) {
					return AppendResult{Successful: false, StreamID: stream, NextExpectedVersion: revision}, conflict
				}
				var delivery *DeliveryError
				if errors.As(err, &delivery) {
					// The append is durable; surface the delivery failure
					// without retrying the command.
					return result, backoff.Permanent(delivery)
				}
				return result, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): failed to save event: %w", command, command.AggregateID(), stream, err))
			}

			for _, env := range envelopes {
				e := env
				state = evolve(state, &e)
			}

			if cfg.Snapshots != nil && cfg.SnapshotEvery > 0 &&
				result.NextExpectedVersion/cfg.SnapshotEvery > revision/cfg.SnapshotEvery {
				if raw, merr := json.Marshal(state); merr == nil {
					_ = cfg.Snapshots.SaveSnapshot(ctx, Snapshot{
						StreamID: stream,
						Version:  result.NextExpectedVersion,
						State:    raw,
						TakenAt:  time.Now(),
					})
				}
			}

			return result, nil
		}, cfg.RetryStrategy)

		return result, err
	}
}

// handlerOptions configures a CommandHandler.
type handlerOptions struct {
	// RetryStrategy controls retries on concurrency conflicts. The default
	// performs no retries; the conflict is returned to the caller.
	RetryStrategy backoff.BackOff

	// MetadataFuncs enrich events with metadata before saving.
	MetadataFuncs []func(ctx context.Context) map[string]any

	// StreamNamer produces the event stream name for a command.
	StreamNamer StreamNamer

	// Snapshots enables snapshot-based loading and periodic snapshot writes.
	Snapshots     SnapshotStore
	SnapshotEvery uint64
}

// WithRetryStrategy sets the backoff strategy used when a save hits a
// concurrency conflict.
func WithRetryStrategy(strategy backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = strategy }
}

// WithMetadataExtractor adds a metadata function. Extractors are applied in
// registration order for every handled command.
func WithMetadataExtractor(fn func(ctx context.Context) map[string]any) CommandHandlerOption {
	return func(h *handlerOptions) {
		h.MetadataFuncs = append(h.MetadataFuncs, fn)
	}
}

// WithStreamNamer overrides DefaultStreamNamer for this handler.
func WithStreamNamer(namer StreamNamer) CommandHandlerOption {
	return func(h *handlerOptions) {
		h.StreamNamer = namer
	}
}

// WithSnapshots makes the handler load state through LoadWithSnapshot
// semantics and write a new snapshot whenever the stream version crosses a
// multiple of every. The aggregate state must marshal to JSON.
func WithSnapshots(snaps SnapshotStore, every uint64) CommandHandlerOption {
	return func(h *handlerOptions) {
		h.Snapshots = snaps
		h.SnapshotEvery = every
	}
}

package eventflow

import (
	"context"
	"encoding/json"
	"time"
)

// EventStore is the contract for an append-only, versioned, per-stream event
// store with optimistic concurrency control.
//
// Implementations must guarantee:
//   - Events within a stream are strictly ordered by a monotonically
//     increasing version starting at 1; no gaps, no duplicates.
//   - Mutation of a single stream's version counter is linearizable (a
//     compare-and-append primitive); streams are otherwise independent and
//     may be appended to concurrently with no cross-stream ordering.
//   - A failed Save never partially appends.
//   - Iteration order from all Load* methods is oldest to newest.
//
// A store constructed with an EventPublisher publishes each appended batch
// exactly once, after the append is durable. Publication failure does not
// roll back the append; it is surfaced as a *DeliveryError alongside a
// successful AppendResult.
type EventStore interface {
	// Save appends the events to their stream. The revision expresses the
	// writer's expectation: Revision(n) requires the stream's highest version
	// to be exactly n (Revision(0)/NoStream: the stream must not exist yet),
	// StreamExists requires at least one event, Any skips the check. A
	// mismatch fails with *ConcurrencyError. On success the appended events
	// carry consecutive versions and the result holds the new highest
	// version.
	Save(ctx context.Context, events []Envelope, revision StreamState) (AppendResult, error)

	// LoadStream returns all events of the stream from version 1 onward. An
	// unknown stream yields an empty iterator, not an error.
	LoadStream(ctx context.Context, id string) (*Iterator[*Envelope], error)

	// LoadStreamFrom returns the events with version strictly greater than
	// fromVersion, oldest first. The read is lazy and restartable: callers
	// may load again from a different version later.
	LoadStreamFrom(ctx context.Context, id string, fromVersion uint64) (*Iterator[*Envelope], error)

	// LoadFromAll returns events across all streams starting at the given
	// global position, in append order as observed by the store. Per-stream
	// order is preserved; no cross-stream ordering is guaranteed beyond what
	// the backend records.
	LoadFromAll(ctx context.Context, position uint64) (*Iterator[*Envelope], error)

	// Close releases backend resources. Implementations make Close
	// idempotent.
	Close() error
}

// AppendResult describes the outcome of an append operation.
type AppendResult struct {
	Successful          bool
	StreamID            string
	NextExpectedVersion uint64
}

// Snapshot is a materialized aggregate state as of Version, used to shortcut
// full stream replay. Snapshots are an optimization only: full replay from
// version 1 must always produce an equivalent result.
type Snapshot struct {
	StreamID string
	Version  uint64
	State    json.RawMessage
	TakenAt  time.Time
}

// SnapshotStore persists at most one current snapshot per stream.
type SnapshotStore interface {
	// SaveSnapshot stores the snapshot, atomically superseding any prior
	// snapshot for the stream. Superseded snapshots are discarded.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the current snapshot for the stream, or nil when
	// none exists.
	LoadSnapshot(ctx context.Context, streamID string) (*Snapshot, error)
}

// LoadWithSnapshot returns the most recent snapshot (if any) plus the events
// strictly after its version, so a caller can reconstruct current state
// without replaying from version 1. With no snapshot store or no snapshot it
// behaves like LoadStream.
func LoadWithSnapshot(ctx context.Context, store EventStore, snaps SnapshotStore, streamID string) (*Snapshot, *Iterator[*Envelope], error) {
	if snaps != nil {
		snap, err := snaps.LoadSnapshot(ctx, streamID)
		if err != nil {
			return nil, nil, err
		}
		if snap != nil {
			iter, err := store.LoadStreamFrom(ctx, streamID, snap.Version)
			return snap, iter, err
		}
	}

	iter, err := store.LoadStream(ctx, streamID)
	return nil, iter, err
}

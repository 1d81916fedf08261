// Package memory provides the reference in-memory event store backend. It
// honors the full EventStore contract (compare-and-append per stream, global
// order, snapshots, publish-after-append) and is intended for tests and
// embedded use.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tidemill/eventflow"
)

// Option configures a Store.
type Option func(*Store)

// WithPublisher makes the store publish appended envelopes after each durable
// append. Publication failure does not roll back the append.
func WithPublisher(p eventflow.EventPublisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithCodec replaces the default codec, typically to attach an upcaster
// chain.
func WithCodec(c *eventflow.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// Store is an in-memory EventStore and SnapshotStore. Events are kept as
// encoded records, so loads exercise the same decode and upcast path as a
// durable backend.
type Store struct {
	mu        sync.RWMutex
	codec     *eventflow.Codec
	streams   map[string][]*eventflow.Record
	global    []*eventflow.Record
	snapshots map[string]eventflow.Snapshot
	publisher eventflow.EventPublisher
	closed    bool

	// pubLocks serializes append-and-publish per stream so subscribers see
	// each stream's events in version order.
	pubMu    sync.Mutex
	pubLocks map[string]*sync.Mutex
}

var _ eventflow.EventStore = (*Store)(nil)
var _ eventflow.SnapshotStore = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		codec:     eventflow.NewCodec(nil),
		streams:   make(map[string][]*eventflow.Record),
		snapshots: make(map[string]eventflow.Snapshot),
		pubLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save implements eventflow.EventStore.
func (s *Store) Save(ctx context.Context, events []eventflow.Envelope, revision eventflow.StreamState) (eventflow.AppendResult, error) {
	if len(events) == 0 {
		return eventflow.AppendResult{Successful: true}, nil
	}

	streamID := events[0].StreamID
	for i, env := range events {
		if env.StreamID != streamID {
			return eventflow.AppendResult{}, fmt.Errorf(
				"save events to stream %q: %w: event %d has stream ID %q",
				streamID, eventflow.ErrInvalidEventBatch, i, env.StreamID,
			)
		}
	}

	// A writer that commits must also publish before the next writer to the
	// same stream does, or subscribers could see versions out of order. The
	// stream's publish lock covers the append and the publication together;
	// independent streams proceed in parallel.
	if s.publisher != nil {
		lock := s.publishLock(streamID)
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventflow.AppendResult{}, eventflow.WrapEventStoreError(fmt.Errorf("store is closed"))
	}

	currentVersion := uint64(len(s.streams[streamID]))

	if err := checkRevision(streamID, currentVersion, revision); err != nil {
		s.mu.Unlock()
		return eventflow.AppendResult{Successful: false, StreamID: streamID, NextExpectedVersion: currentVersion}, err
	}

	// Encode the whole batch before touching the stream so a codec failure
	// never partially appends.
	records := make([]*eventflow.Record, len(events))
	published := make([]*eventflow.Envelope, len(events))
	for i := range events {
		env := events[i]
		env.Version = currentVersion + uint64(i) + 1
		rec, err := s.codec.Encode(&env)
		if err != nil {
			s.mu.Unlock()
			return eventflow.AppendResult{Successful: false, StreamID: streamID, NextExpectedVersion: currentVersion},
				eventflow.WrapEventStoreError(err)
		}
		env.SchemaVersion = rec.SchemaVersion
		records[i] = rec
		published[i] = &env
	}

	s.streams[streamID] = append(s.streams[streamID], records...)
	s.global = append(s.global, records...)
	newVersion := currentVersion + uint64(len(records))
	s.mu.Unlock()

	result := eventflow.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: newVersion,
	}

	// The append is durable at this point. Delivery failure is surfaced but
	// never undoes it.
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, published...); err != nil {
			return result, &eventflow.DeliveryError{Err: err}
		}
	}

	return result, nil
}

func (s *Store) publishLock(streamID string) *sync.Mutex {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	lock, ok := s.pubLocks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		s.pubLocks[streamID] = lock
	}
	return lock
}

func checkRevision(streamID string, currentVersion uint64, revision eventflow.StreamState) error {
	switch rev := revision.(type) {
	case eventflow.Any:
		return nil
	case eventflow.NoStream:
		if currentVersion != 0 {
			return &eventflow.ConcurrencyError{Stream: streamID, Expected: 0, Actual: currentVersion}
		}
		return nil
	case eventflow.StreamExists:
		if currentVersion == 0 {
			return fmt.Errorf("stream %q: %w", streamID, eventflow.ErrStreamNotFound)
		}
		return nil
	case eventflow.Revision:
		if currentVersion != uint64(rev) {
			return &eventflow.ConcurrencyError{Stream: streamID, Expected: uint64(rev), Actual: currentVersion}
		}
		return nil
	default:
		return fmt.Errorf("stream %q: %w", streamID, eventflow.ErrInvalidRevision)
	}
}

// LoadStream implements eventflow.EventStore. Unknown streams yield an empty
// iterator.
func (s *Store) LoadStream(ctx context.Context, id string) (*eventflow.Iterator[*eventflow.Envelope], error) {
	return s.LoadStreamFrom(ctx, id, 0)
}

// LoadStreamFrom implements eventflow.EventStore.
func (s *Store) LoadStreamFrom(ctx context.Context, id string, fromVersion uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	s.mu.RLock()
	stream := s.streams[id]
	var records []*eventflow.Record
	if fromVersion < uint64(len(stream)) {
		records = append(records, stream[fromVersion:]...)
	}
	s.mu.RUnlock()

	return s.decodeIterator(records), nil
}

// LoadFromAll implements eventflow.EventStore. The position is a zero-based
// offset into the store's global append order.
func (s *Store) LoadFromAll(ctx context.Context, position uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	s.mu.RLock()
	var records []*eventflow.Record
	if position < uint64(len(s.global)) {
		records = append(records, s.global[position:]...)
	}
	s.mu.RUnlock()

	return s.decodeIterator(records), nil
}

// decodeIterator decodes records lazily so every read passes through the
// upcaster chain.
func (s *Store) decodeIterator(records []*eventflow.Record) *eventflow.Iterator[*eventflow.Envelope] {
	index := 0
	return eventflow.NewIteratorFunc(func(ctx context.Context) (*eventflow.Envelope, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if index >= len(records) {
			return nil, io.EOF
		}
		rec := records[index]
		index++
		return s.codec.Decode(rec)
	})
}

// SaveSnapshot implements eventflow.SnapshotStore. The prior snapshot for
// the stream is superseded atomically.
func (s *Store) SaveSnapshot(ctx context.Context, snap eventflow.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	s.snapshots[snap.StreamID] = snap
	return nil
}

// LoadSnapshot implements eventflow.SnapshotStore.
func (s *Store) LoadSnapshot(ctx context.Context, streamID string) (*eventflow.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// Close implements eventflow.EventStore.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string][]*eventflow.Record)
	s.global = nil
	s.snapshots = make(map[string]eventflow.Snapshot)
	s.closed = true
	return nil
}

// Package sqlite provides a file-backed EventStore and SnapshotStore on the
// pure-Go modernc.org/sqlite driver. Append is a transactional
// compare-and-append per stream; a global autoincrement position gives
// LoadFromAll its order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidemill/eventflow"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        TEXT    NOT NULL UNIQUE,
	stream_id       TEXT    NOT NULL,
	version         INTEGER NOT NULL,
	type_name       TEXT    NOT NULL,
	schema_version  INTEGER NOT NULL,
	correlation_id  TEXT    NOT NULL DEFAULT '',
	causation_id    TEXT    NOT NULL DEFAULT '',
	metadata        TEXT    NOT NULL DEFAULT '{}',
	payload         BLOB    NOT NULL,
	occurred_at     INTEGER NOT NULL,
	UNIQUE (stream_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_stream ON events (stream_id, version);

CREATE TABLE IF NOT EXISTS snapshots (
	stream_id TEXT PRIMARY KEY,
	version   INTEGER NOT NULL,
	state     BLOB    NOT NULL,
	taken_at  INTEGER NOT NULL
);
`

// Option configures a Store.
type Option func(*Store)

// WithPublisher makes the store publish appended envelopes after each commit.
func WithPublisher(p eventflow.EventPublisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithCodec replaces the default codec, typically to attach an upcaster
// chain.
func WithCodec(c *eventflow.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// Store is a sqlite-backed EventStore and SnapshotStore.
type Store struct {
	db        *sql.DB
	codec     *eventflow.Codec
	publisher eventflow.EventPublisher

	// pubLocks serializes commit-and-publish per stream so subscribers see
	// each stream's events in version order.
	pubMu    sync.Mutex
	pubLocks map[string]*sync.Mutex
}

var _ eventflow.EventStore = (*Store)(nil)
var _ eventflow.SnapshotStore = (*Store)(nil)

// Open opens (and if needed creates) a store at the given DSN. ":memory:"
// gives an ephemeral database.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(err)
	}
	// The driver serializes access per connection; a single connection keeps
	// in-memory databases from fragmenting into one-per-conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, eventflow.WrapEventStoreError(fmt.Errorf("create schema: %w", err))
	}

	s := &Store{db: db, codec: eventflow.NewCodec(nil), pubLocks: make(map[string]*sync.Mutex)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
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
	// stream's publish lock covers the transaction and the publication
	// together; independent streams proceed in parallel.
	if s.publisher != nil {
		lock := s.publishLock(streamID)
		lock.Lock()
		defer lock.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventflow.AppendResult{}, eventflow.WrapEventStoreError(err)
	}
	defer tx.Rollback()

	var currentVersion uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID)
	if err := row.Scan(&currentVersion); err != nil {
		return eventflow.AppendResult{}, eventflow.WrapEventStoreError(err)
	}

	if err := checkRevision(streamID, currentVersion, revision); err != nil {
		return eventflow.AppendResult{Successful: false, StreamID: streamID, NextExpectedVersion: currentVersion}, err
	}

	published := make([]*eventflow.Envelope, len(events))
	for i := range events {
		env := events[i]
		env.Version = currentVersion + uint64(i) + 1

		rec, err := s.codec.Encode(&env)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID, NextExpectedVersion: currentVersion},
				eventflow.WrapEventStoreError(err)
		}
		env.SchemaVersion = rec.SchemaVersion

		metadata, err := json.Marshal(rec.Metadata)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID, NextExpectedVersion: currentVersion},
				eventflow.WrapEventStoreError(err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_id, version, type_name, schema_version, correlation_id, causation_id, metadata, payload, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.EventID.String(), rec.StreamID, rec.Version, rec.TypeName, rec.SchemaVersion,
			rec.CorrelationID, rec.CausationID, string(metadata), []byte(rec.Payload), rec.OccurredAt.UnixNano(),
		)
		if err != nil {
			return eventflow.AppendResult{Successful: false, StreamID: streamID, NextExpectedVersion: currentVersion},
				eventflow.WrapEventStoreError(err)
		}
		published[i] = &env
	}

	if err := tx.Commit(); err != nil {
		return eventflow.AppendResult{}, eventflow.WrapEventStoreError(err)
	}

	result := eventflow.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: currentVersion + uint64(len(events)),
	}

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

// LoadStream implements eventflow.EventStore.
func (s *Store) LoadStream(ctx context.Context, id string) (*eventflow.Iterator[*eventflow.Envelope], error) {
	return s.LoadStreamFrom(ctx, id, 0)
}

// LoadStreamFrom implements eventflow.EventStore.
func (s *Store) LoadStreamFrom(ctx context.Context, id string, fromVersion uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, version, type_name, schema_version, correlation_id, causation_id, metadata, payload, occurred_at
		FROM events WHERE stream_id = ? AND version > ? ORDER BY version`,
		id, fromVersion,
	)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(err)
	}
	return s.scanIterator(rows)
}

// LoadFromAll implements eventflow.EventStore. The position is the global
// autoincrement position of the last event already seen.
func (s *Store) LoadFromAll(ctx context.Context, position uint64) (*eventflow.Iterator[*eventflow.Envelope], error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, stream_id, version, type_name, schema_version, correlation_id, causation_id, metadata, payload, occurred_at
		FROM events WHERE global_position > ? ORDER BY global_position`,
		position,
	)
	if err != nil {
		return nil, eventflow.WrapEventStoreError(err)
	}
	return s.scanIterator(rows)
}

// scanIterator drains the rows eagerly (releasing the connection) and decodes
// lazily through the codec, so every read passes the upcaster chain.
func (s *Store) scanIterator(rows *sql.Rows) (*eventflow.Iterator[*eventflow.Envelope], error) {
	defer rows.Close()

	var records []*eventflow.Record
	for rows.Next() {
		var (
			rec        eventflow.Record
			eventID    string
			metadata   string
			payload    []byte
			occurredAt int64
		)
		if err := rows.Scan(&eventID, &rec.StreamID, &rec.Version, &rec.TypeName, &rec.SchemaVersion,
			&rec.CorrelationID, &rec.CausationID, &metadata, &payload, &occurredAt); err != nil {
			return nil, eventflow.WrapEventStoreError(err)
		}

		id, err := uuid.Parse(eventID)
		if err != nil {
			return nil, eventflow.WrapEventStoreError(fmt.Errorf("parse event id %q: %w", eventID, err))
		}
		rec.EventID = id
		rec.Payload = json.RawMessage(payload)
		rec.OccurredAt = time.Unix(0, occurredAt)
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
				return nil, eventflow.WrapEventStoreError(err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eventflow.WrapEventStoreError(err)
	}

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
	}), nil
}

// SaveSnapshot implements eventflow.SnapshotStore. The upsert supersedes any
// prior snapshot atomically.
func (s *Store) SaveSnapshot(ctx context.Context, snap eventflow.Snapshot) error {
	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_id, version, state, taken_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET version = excluded.version, state = excluded.state, taken_at = excluded.taken_at`,
		snap.StreamID, snap.Version, []byte(snap.State), takenAt.UnixNano(),
	)
	return eventflow.WrapEventStoreError(err)
}

// LoadSnapshot implements eventflow.SnapshotStore.
func (s *Store) LoadSnapshot(ctx context.Context, streamID string) (*eventflow.Snapshot, error) {
	var (
		snap    eventflow.Snapshot
		state   []byte
		takenAt int64
	)
	row := s.db.QueryRowContext(ctx, `SELECT stream_id, version, state, taken_at FROM snapshots WHERE stream_id = ?`, streamID)
	if err := row.Scan(&snap.StreamID, &snap.Version, &state, &takenAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eventflow.WrapEventStoreError(err)
	}
	snap.State = json.RawMessage(state)
	snap.TakenAt = time.Unix(0, takenAt)
	return &snap, nil
}

// Close implements eventflow.EventStore.
func (s *Store) Close() error {
	return s.db.Close()
}

package eventflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is the stored form of an event: an append-only row owned by the
// event store. The payload is an opaque serialized form; SchemaVersion keys
// the upcaster chain applied at read time.
type Record struct {
	EventID       uuid.UUID       `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	Version       uint64          `json:"version"`
	TypeName      string          `json:"type_name"`
	SchemaVersion int             `json:"schema_version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Codec converts between live Envelopes and stored Records. Encoding
// serializes the event payload as JSON and stamps the current schema version;
// decoding runs the upcaster chain and instantiates the event through the
// type registry.
type Codec struct {
	upcasters *UpcasterChain
}

// NewCodec creates a codec. A nil chain means every type is at schema
// version 1.
func NewCodec(upcasters *UpcasterChain) *Codec {
	if upcasters == nil {
		upcasters = NewUpcasterChain()
	}
	return &Codec{upcasters: upcasters}
}

// Upcasters returns the chain used at decode time, for registration.
func (c *Codec) Upcasters() *UpcasterChain {
	return c.upcasters
}

// Encode serializes an envelope into its stored record.
func (c *Codec) Encode(env *Envelope) (*Record, error) {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Event.EventType(), err)
	}

	schema := env.SchemaVersion
	if schema == 0 {
		schema = c.upcasters.CurrentVersion(env.Event.EventType())
	}

	return &Record{
		EventID:       env.EventID,
		StreamID:      env.StreamID,
		Version:       env.Version,
		TypeName:      env.Event.EventType(),
		SchemaVersion: schema,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Metadata:      env.Metadata,
		Payload:       payload,
		OccurredAt:    env.OccurredAt,
	}, nil
}

// Decode upcasts a stored record to the current schema version and
// reconstructs the envelope. The stored record itself is never modified.
func (c *Codec) Decode(rec *Record) (*Envelope, error) {
	payload, schema, err := c.upcasters.Upcast(rec.TypeName, rec.SchemaVersion, rec.Payload)
	if err != nil {
		return nil, err
	}

	ev, err := NewEventByName(rec.TypeName)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rec.TypeName, err)
	}

	return &Envelope{
		EventID:       rec.EventID,
		StreamID:      rec.StreamID,
		CorrelationID: rec.CorrelationID,
		CausationID:   rec.CausationID,
		Metadata:      rec.Metadata,
		Event:         ev,
		Version:       rec.Version,
		SchemaVersion: schema,
		OccurredAt:    rec.OccurredAt,
	}, nil
}

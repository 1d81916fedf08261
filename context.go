package eventflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	streamIDKey    ctxKey = "streamID"
	eventIDKey     ctxKey = "eventID"
	versionKey     ctxKey = "version"
	occurredAtKey  ctxKey = "occurredAt"
	metadataKey    ctxKey = "metadata"
	correlationKey ctxKey = "correlationID"
	causationKey   ctxKey = "causationID"
	envelopeKey    ctxKey = "envelope"
)

// WithEnvelope records the envelope being handled in the context. Handlers
// dispatched under this context inherit the envelope's correlation id, and
// its event id becomes the causation id for any message they produce.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, envelopeKey, env)
	ctx = context.WithValue(ctx, streamIDKey, env.StreamID)
	ctx = context.WithValue(ctx, eventIDKey, env.EventID)
	ctx = context.WithValue(ctx, versionKey, env.Version)
	ctx = context.WithValue(ctx, occurredAtKey, env.OccurredAt)
	ctx = context.WithValue(ctx, metadataKey, env.Metadata)
	ctx = context.WithValue(ctx, correlationKey, env.CorrelationID)
	ctx = context.WithValue(ctx, causationKey, env.EventID.String())
	return ctx
}

// WithCorrelation sets the correlation and causation ids explicitly, for
// messages originating outside an event handler.
func WithCorrelation(ctx context.Context, correlationID, causationID string) context.Context {
	ctx = context.WithValue(ctx, correlationKey, correlationID)
	ctx = context.WithValue(ctx, causationKey, causationID)
	return ctx
}

// EnvelopeFromContext returns the envelope being handled, or nil.
func EnvelopeFromContext(ctx context.Context) *Envelope {
	if v := ctx.Value(envelopeKey); v != nil {
		if env, ok := v.(*Envelope); ok {
			return env
		}
	}
	return nil
}

// StreamIDFromContext returns the StreamID or "" if not present.
func StreamIDFromContext(ctx context.Context) string {
	if v := ctx.Value(streamIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present.
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if v := ctx.Value(eventIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// VersionFromContext returns the Version or 0 if not present.
func VersionFromContext(ctx context.Context) uint64 {
	if v := ctx.Value(versionKey); v != nil {
		if ver, ok := v.(uint64); ok {
			return ver
		}
	}
	return 0
}

// OccurredAtFromContext returns OccurredAt or the zero time if not present.
func OccurredAtFromContext(ctx context.Context) time.Time {
	if v := ctx.Value(occurredAtKey); v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present.
func MetadataFromContext(ctx context.Context) map[string]any {
	if v := ctx.Value(metadataKey); v != nil {
		if md, ok := v.(map[string]any); ok {
			return md
		}
	}
	return nil
}

// CorrelationFromContext returns the correlation id or "" if not present.
func CorrelationFromContext(ctx context.Context) string {
	if v := ctx.Value(correlationKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CausationFromContext returns the causation id or "" if not present.
func CausationFromContext(ctx context.Context) string {
	if v := ctx.Value(causationKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

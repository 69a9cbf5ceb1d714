package eventcore

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	streamIDKey      ctxKey = "streamID"
	eventIDKey       ctxKey = "eventID"
	eventTypeKey     ctxKey = "eventType"
	versionKey       ctxKey = "version"
	globalVersionKey ctxKey = "global_version"
	occurredAtKey    ctxKey = "occurredAt"
	metadataKey      ctxKey = "metadata"
	causationKey     ctxKey = "causation"
)

// WithEnvelope adds the position and metadata of env to the context.
func WithEnvelope(ctx context.Context, env *Envelope) context.Context {
	ctx = context.WithValue(ctx, streamIDKey, env.StreamID)
	ctx = context.WithValue(ctx, eventIDKey, env.EventID)
	if env.Event != nil {
		ctx = context.WithValue(ctx, eventTypeKey, env.Event.EventType())
	}
	ctx = context.WithValue(ctx, versionKey, env.Version)
	ctx = context.WithValue(ctx, globalVersionKey, env.GlobalVersion)
	ctx = context.WithValue(ctx, occurredAtKey, env.OccurredAt)
	ctx = context.WithValue(ctx, metadataKey, env.Metadata)
	return ctx
}

// StreamIDFromContext returns the StreamID or "" if not present
func StreamIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(streamIDKey).(string); ok {
		return s
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func EventTypeFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(eventTypeKey).(string); ok {
		return s
	}
	return ""
}

// VersionFromContext returns the Version or 0 if not present
func VersionFromContext(ctx context.Context) Version {
	if v, ok := ctx.Value(versionKey).(Version); ok {
		return v
	}
	return 0
}

// GlobalVersionFromContext returns the global position or 0 if not present
func GlobalVersionFromContext(ctx context.Context) uint64 {
	if v, ok := ctx.Value(globalVersionKey).(uint64); ok {
		return v
	}
	return 0
}

// OccurredAtFromContext returns OccurredAt or zero time if not present
func OccurredAtFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(occurredAtKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present
func MetadataFromContext(ctx context.Context) map[string]any {
	if md, ok := ctx.Value(metadataKey).(map[string]any); ok {
		return md
	}
	return nil
}

// WithCausation marks events saved through a Repository with ctx as caused by
// id, usually the id of the command or event being handled.
func WithCausation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationKey, id)
}

// CausationFromContext returns the causation id or "" if not present
func CausationFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(causationKey).(string); ok {
		return s
	}
	return ""
}

package eventcore

import (
	"time"

	"github.com/google/uuid"
)

// Event is a domain event describing a change that has happened to an aggregate.
type Event interface {
	EventType() string
}

// Envelope is a committed event together with its position in the store.
//
// Envelopes are created by the store on append and are never mutated
// afterwards; the same pointer is handed to every subscriber, so consumers
// must treat it (including Metadata) as read-only.
type Envelope struct {
	EventID  uuid.UUID
	StreamID string
	// Version is the position of the event inside its stream, starting at 1.
	Version Version
	// GlobalVersion is the position of the event across all streams of the
	// store, starting at 1, in commit order.
	GlobalVersion uint64
	Event         Event
	Metadata      map[string]any
	OccurredAt    time.Time
}

const (
	MetadataCorrelationID = "correlation_id"
	MetadataCausationID   = "causation_id"
)

// AppendOption customizes the envelopes created by a single append.
type AppendOption func(*AppendConfig)

// AppendConfig is the resolved set of AppendOptions. Stores build it through
// NewAppendConfig and stamp every envelope of the batch with it.
type AppendConfig struct {
	Metadata map[string]any
	Now      func() time.Time
	NewID    func() uuid.UUID
}

// NewAppendConfig applies opts on top of the defaults.
func NewAppendConfig(opts ...AppendOption) AppendConfig {
	cfg := AppendConfig{
		Metadata: make(map[string]any),
		Now:      time.Now,
		NewID:    uuid.New,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMetadata merges md into the metadata of every appended envelope.
func WithMetadata(md map[string]any) AppendOption {
	return func(cfg *AppendConfig) {
		for k, v := range md {
			cfg.Metadata[k] = v
		}
	}
}

// WithCorrelationID sets the correlation id of every appended envelope.
func WithCorrelationID(id string) AppendOption {
	return func(cfg *AppendConfig) {
		cfg.Metadata[MetadataCorrelationID] = id
	}
}

// WithCausationID sets the causation id of every appended envelope.
func WithCausationID(id string) AppendOption {
	return func(cfg *AppendConfig) {
		cfg.Metadata[MetadataCausationID] = id
	}
}

// WithClock overrides the commit timestamp source. Used by tests.
func WithClock(now func() time.Time) AppendOption {
	return func(cfg *AppendConfig) {
		cfg.Now = now
	}
}

// Envelopes wraps events into envelopes for streamID, numbering them from
// current+1. GlobalVersion is left for the store to assign.
func (cfg AppendConfig) Envelopes(streamID string, current Version, events []Event) []*Envelope {
	out := make([]*Envelope, len(events))
	occurredAt := cfg.Now()
	for i, ev := range events {
		md := make(map[string]any, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			md[k] = v
		}
		out[i] = &Envelope{
			EventID:    cfg.NewID(),
			StreamID:   streamID,
			Version:    current + Version(i) + 1,
			Event:      ev,
			Metadata:   md,
			OccurredAt: occurredAt,
		}
	}
	return out
}

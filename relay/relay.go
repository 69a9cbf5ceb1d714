// Package relay forwards committed events to a message broker.
//
// NewHandler turns a Producer into an eventcore.EventHandler. Running it
// through a projection.Projector gives at-least-once forwarding: the
// checkpoint only advances after the broker accepted the message, so
// consumers must deduplicate on the event id.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
)

// Header names set on every message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderStreamID      = "stream_id"
	HeaderVersion       = "version"
	HeaderGlobalVersion = "global_version"
)

// Message is a broker-neutral record. Key is the stream id so brokers that
// partition by key keep the events of a stream in order.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes messages to a broker. Produce returns once the broker
// acknowledged the message.
type Producer interface {
	Produce(ctx context.Context, msg Message) error
	Close() error
}

// Payload is the JSON body of a relayed message.
type Payload struct {
	EventID       uuid.UUID       `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	Version       uint64          `json:"version"`
	GlobalVersion uint64          `json:"global_version"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// NewHandler returns a handler publishing each event to topic. The envelope
// is taken from the context, see eventcore.WithEnvelope.
func NewHandler(producer Producer, c codec.Codec, topic string) eventcore.EventHandler {
	return eventcore.NewEventHandlerFunc(func(ctx context.Context, event eventcore.Event) error {
		msg, err := NewMessage(ctx, c, topic, event)
		if err != nil {
			return err
		}
		if err := producer.Produce(ctx, msg); err != nil {
			return fmt.Errorf("relay event %s to %q: %w", msg.Headers[HeaderEventID], topic, err)
		}
		return nil
	})
}

// NewMessage encodes event and the envelope found in ctx.
func NewMessage(ctx context.Context, c codec.Codec, topic string, event eventcore.Event) (Message, error) {
	eventType, data, err := c.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("relay: encode %s: %w", event.EventType(), err)
	}

	p := Payload{
		EventID:       eventcore.EventIDFromContext(ctx),
		StreamID:      eventcore.StreamIDFromContext(ctx),
		Version:       uint64(eventcore.VersionFromContext(ctx)),
		GlobalVersion: eventcore.GlobalVersionFromContext(ctx),
		EventType:     eventType,
		OccurredAt:    eventcore.OccurredAtFromContext(ctx).UTC(),
		Data:          data,
		Metadata:      eventcore.MetadataFromContext(ctx),
	}
	value, err := json.Marshal(p)
	if err != nil {
		return Message{}, fmt.Errorf("relay: encode envelope: %w", err)
	}

	headers := map[string]string{
		HeaderEventID:       p.EventID.String(),
		HeaderEventType:     eventType,
		HeaderStreamID:      p.StreamID,
		HeaderVersion:       strconv.FormatUint(p.Version, 10),
		HeaderGlobalVersion: strconv.FormatUint(p.GlobalVersion, 10),
	}
	for k, v := range p.Metadata {
		if _, reserved := headers[k]; reserved {
			continue
		}
		if s, ok := v.(string); ok {
			headers[k] = s
		} else {
			headers[k] = fmt.Sprint(v)
		}
	}

	return Message{
		Topic:     topic,
		Key:       p.StreamID,
		Value:     value,
		Headers:   headers,
		Timestamp: p.OccurredAt,
	}, nil
}

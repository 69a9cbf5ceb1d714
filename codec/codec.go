// Package codec turns events into bytes for durable stores and brokers.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	es "github.com/terraskye/eventcore"
)

// Codec encodes an event into its type name and payload, and back.
type Codec interface {
	Marshal(ev es.Event) (eventType string, data []byte, err error)
	Unmarshal(eventType string, data []byte) (es.Event, error)
}

// RawEvent is an event whose type is not registered. It keeps the payload
// untouched so it can still be displayed or forwarded.
type RawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e RawEvent) EventType() string { return e.Type }

// MarshalJSON writes the original payload so a RawEvent re-encodes to the
// bytes it was decoded from.
func (e RawEvent) MarshalJSON() ([]byte, error) {
	if len(e.Data) == 0 {
		return []byte("null"), nil
	}
	return e.Data, nil
}

// JSON is a Codec that stores events as JSON and resolves types through an
// event registry.
//
// Registry factories usually return pointers so the payload can be decoded
// into them. When the pointed-to type is itself an event, Unmarshal returns
// the value, so stored events come back as the type they were appended as.
type JSON struct {
	registry *es.Registry
	raw      bool
}

type Option func(*JSON)

// WithRawFallback decodes unregistered types into RawEvent instead of failing.
func WithRawFallback() Option {
	return func(c *JSON) { c.raw = true }
}

// NewJSON returns a JSON codec over registry, or es.DefaultRegistry when nil.
func NewJSON(registry *es.Registry, opts ...Option) *JSON {
	if registry == nil {
		registry = es.DefaultRegistry
	}
	c := &JSON{registry: registry}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *JSON) Marshal(ev es.Event) (string, []byte, error) {
	if ev == nil {
		return "", nil, errors.New("marshal nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event %s: %w", ev.EventType(), err)
	}
	return ev.EventType(), data, nil
}

func (c *JSON) Unmarshal(eventType string, data []byte) (es.Event, error) {
	ev, err := c.registry.New(eventType)
	if err != nil {
		if c.raw && errors.Is(err, es.ErrEventNotRegistered) {
			return RawEvent{Type: eventType, Data: append(json.RawMessage(nil), data...)}, nil
		}
		return nil, err
	}

	rv := reflect.ValueOf(ev)
	if rv.Kind() != reflect.Pointer {
		// Decode through a pointer to a copy of the value.
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("unmarshal event %s: %w", eventType, err)
		}
		return ptr.Elem().Interface().(es.Event), nil
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", eventType, err)
	}
	if value, ok := rv.Elem().Interface().(es.Event); ok {
		return value, nil
	}
	return ev, nil
}

// MarshalMetadata encodes envelope metadata, nil for empty metadata.
func MarshalMetadata(md map[string]any) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	return json.Marshal(md)
}

// UnmarshalMetadata decodes metadata written by MarshalMetadata. Empty input
// gives an empty map.
func UnmarshalMetadata(data []byte) (map[string]any, error) {
	md := map[string]any{}
	if len(data) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return md, nil
}

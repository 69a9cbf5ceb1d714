package cli

import (
	"encoding/json"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terraskye/eventcore"
)

// EnvelopeView is the printed form of a stored event.
type EnvelopeView struct {
	GlobalVersion uint64         `json:"global_version" yaml:"global_version"`
	StreamID      string         `json:"stream_id" yaml:"stream_id"`
	Version       uint64         `json:"version" yaml:"version"`
	EventID       string         `json:"event_id" yaml:"event_id"`
	EventType     string         `json:"event_type" yaml:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at" yaml:"occurred_at"`
	Data          any            `json:"data" yaml:"data"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func newEnvelopeView(env *eventcore.Envelope) (EnvelopeView, error) {
	raw, err := json.Marshal(env.Event)
	if err != nil {
		return EnvelopeView{}, err
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return EnvelopeView{}, err
	}
	return EnvelopeView{
		GlobalVersion: env.GlobalVersion,
		StreamID:      env.StreamID,
		Version:       uint64(env.Version),
		EventID:       env.EventID.String(),
		EventType:     env.Event.EventType(),
		OccurredAt:    env.OccurredAt.UTC(),
		Data:          data,
		Metadata:      env.Metadata,
	}, nil
}

// printer writes values as a stream of JSON objects or YAML documents.
type printer struct {
	json *json.Encoder
	yaml *yaml.Encoder
}

func newPrinter(format string, w io.Writer) *printer {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		return &printer{yaml: enc}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &printer{json: enc}
}

func (p *printer) Print(v any) error {
	if p.yaml != nil {
		return p.yaml.Encode(v)
	}
	return p.json.Encode(v)
}

func (p *printer) Close() error {
	if p.yaml != nil {
		return p.yaml.Close()
	}
	return nil
}

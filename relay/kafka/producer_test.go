package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/terraskye/eventcore/relay"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "events"}},
		{name: "no brokers", cfg: Config{Topic: "events"}, wantErr: true},
		{name: "no topic", cfg: Config{Brokers: []string{"127.0.0.1:9092"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProduceBuildsRecord(t *testing.T) {
	var got *kgo.Record
	p := &Producer{produce: func(_ context.Context, rec *kgo.Record) error {
		got = rec
		return nil
	}}

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	err := p.Produce(context.Background(), relay.Message{
		Topic:     "carts",
		Key:       "cart-1",
		Value:     []byte(`{"ok":true}`),
		Headers:   map[string]string{relay.HeaderEventType: "CartCreated"},
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if got.Topic != "carts" || string(got.Key) != "cart-1" || !got.Timestamp.Equal(ts) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(got.Headers) != 1 || got.Headers[0].Key != relay.HeaderEventType || string(got.Headers[0].Value) != "CartCreated" {
		t.Fatalf("unexpected headers: %+v", got.Headers)
	}
}

func TestProduceWrapsError(t *testing.T) {
	boom := errors.New("broker down")
	p := &Producer{produce: func(context.Context, *kgo.Record) error { return boom }}
	if err := p.Produce(context.Background(), relay.Message{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

// Package kafka relays events to Kafka with franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/terraskye/eventcore/relay"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Producer publishes relay messages synchronously, waiting for all in-sync
// replicas. Records are partitioned by key, so a stream keeps its order.
type Producer struct {
	client  *kgo.Client
	produce func(context.Context, *kgo.Record) error
}

var _ relay.Producer = (*Producer)(nil)

// NewProducer creates a client for cfg. opts are appended to the defaults.
func NewProducer(cfg Config, opts ...kgo.Opt) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Producer{
		client: cl,
		produce: func(ctx context.Context, rec *kgo.Record) error {
			return cl.ProduceSync(ctx, rec).FirstErr()
		},
	}, nil
}

func (p *Producer) Produce(ctx context.Context, msg relay.Message) error {
	if err := p.produce(ctx, toRecord(msg)); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func toRecord(msg relay.Message) *kgo.Record {
	rec := &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
		Headers:   make([]kgo.RecordHeader, 0, len(msg.Headers)),
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

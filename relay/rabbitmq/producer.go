// Package rabbitmq relays events to a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/terraskye/eventcore/relay"
)

type Config struct {
	URL      string
	Exchange string
	// Mandatory makes unroutable messages fail instead of being dropped.
	Mandatory bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	return nil
}

// Producer publishes to a durable topic exchange with publisher confirms.
// The routing key is the message topic.
type Producer struct {
	cfg  Config
	conn *amqp091.Connection

	mu sync.Mutex
	ch *amqp091.Channel
}

var _ relay.Producer = (*Producer)(nil)

// Dial connects, declares the exchange and puts the channel in confirm mode.
func Dial(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := amqp091.Dial(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange %q: %w", cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	return &Producer{cfg: cfg, conn: conn, ch: ch}, nil
}

func (p *Producer) Produce(ctx context.Context, msg relay.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, msg.Topic, p.cfg.Mandatory, false, toPublishing(msg))
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq publish of %s nacked by broker", msg.Headers[relay.HeaderEventID])
	}
	return nil
}

func (p *Producer) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func toPublishing(msg relay.Message) amqp091.Publishing {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["key"] = msg.Key
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.Headers[relay.HeaderEventID],
		Type:         msg.Headers[relay.HeaderEventType],
		Timestamp:    msg.Timestamp,
		Headers:      headers,
		Body:         msg.Value,
	}
}

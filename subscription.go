package eventcore

import (
	"context"
	"fmt"
)

// SubscriptionState is the lifecycle of a subscription:
// Attaching → CatchingUp → Live → Closed.
type SubscriptionState int32

const (
	SubscriptionAttaching SubscriptionState = iota
	SubscriptionCatchingUp
	SubscriptionLive
	SubscriptionClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionAttaching:
		return "attaching"
	case SubscriptionCatchingUp:
		return "catching-up"
	case SubscriptionLive:
		return "live"
	case SubscriptionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int32(s))
	}
}

// Subscription delivers committed envelopes in global order, each at most
// once, without gaps relative to its starting checkpoint.
type Subscription interface {
	// Recv blocks until the next envelope is available. It must not be called
	// concurrently. A cancelled ctx returns ctx.Err() and leaves the
	// subscription usable; after Close it returns an error matching
	// ErrSubscriptionClosed.
	Recv(ctx context.Context) (*Envelope, error)
	Name() string
	// Checkpoint is the global position of the last delivered envelope.
	Checkpoint() uint64
	State() SubscriptionState
	// Err is the reason the subscription closed: nil while it is open or
	// after a plain Close.
	Err() error
	// Close releases the subscription. It is safe to call at any time, from
	// any goroutine, more than once.
	Close() error
}

// Backpressure bounds the live buffer of a subscription.
//
// A bounded subscription never blocks publishers: when its buffer overflows
// the buffered events are dropped and the subscription re-reads them from the
// store history, so delivery stays ordered and complete. An unbounded
// subscription buffers everything a slow consumer has not received yet.
type Backpressure struct {
	limit int
}

// Unbounded buffers every live event until it is received.
func Unbounded() Backpressure { return Backpressure{} }

// Bounded keeps at most n live events in memory per subscription.
func Bounded(n int) Backpressure {
	if n <= 0 {
		panic(fmt.Sprintf("eventcore: Bounded backpressure needs a positive limit, got %d", n))
	}
	return Backpressure{limit: n}
}

func (b Backpressure) Limit() int       { return b.limit }
func (b Backpressure) IsUnbounded() bool { return b.limit <= 0 }

func (b Backpressure) String() string {
	if b.IsUnbounded() {
		return "unbounded"
	}
	return fmt.Sprintf("bounded(%d)", b.limit)
}

// SubscribeConfig is the resolved set of SubscribeOptions.
type SubscribeConfig struct {
	Name string
	// Checkpoint is the last position already seen; delivery starts after it.
	Checkpoint uint64
	// FromNow starts at the head of the feed at attach time, ignoring Checkpoint.
	FromNow      bool
	Backpressure *Backpressure
	Filter       func(*Envelope) bool
}

type SubscribeOption func(*SubscribeConfig)

// NewSubscribeConfig applies opts on top of the defaults (from the beginning).
func NewSubscribeConfig(opts ...SubscribeOption) SubscribeConfig {
	var cfg SubscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// FromBeginning delivers every committed event.
func FromBeginning() SubscribeOption {
	return func(cfg *SubscribeConfig) {
		cfg.Checkpoint = 0
		cfg.FromNow = false
	}
}

// FromNow delivers only events committed after the subscription attached.
func FromNow() SubscribeOption {
	return func(cfg *SubscribeConfig) {
		cfg.FromNow = true
	}
}

// FromCheckpoint delivers every event with a global position greater than c.
func FromCheckpoint(c uint64) SubscribeOption {
	return func(cfg *SubscribeConfig) {
		cfg.Checkpoint = c
		cfg.FromNow = false
	}
}

// WithSubscriptionName names the subscription in logs and errors.
func WithSubscriptionName(name string) SubscribeOption {
	return func(cfg *SubscribeConfig) {
		cfg.Name = name
	}
}

// WithBackpressure overrides the publisher default for this subscription.
func WithBackpressure(b Backpressure) SubscribeOption {
	return func(cfg *SubscribeConfig) {
		cfg.Backpressure = &b
	}
}

// WithFilter delivers only envelopes for which keep returns true. Skipped
// envelopes still advance the checkpoint.
func WithFilter(keep func(*Envelope) bool) SubscribeOption {
	return func(cfg *SubscribeConfig) {
		cfg.Filter = keep
	}
}

// WithStreams is a filter on stream ids.
func WithStreams(streamIDs ...string) SubscribeOption {
	set := make(map[string]struct{}, len(streamIDs))
	for _, id := range streamIDs {
		set[id] = struct{}{}
	}
	return WithFilter(func(env *Envelope) bool {
		_, ok := set[env.StreamID]
		return ok
	})
}

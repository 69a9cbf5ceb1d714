// Package eventbus is the in-process publisher behind EventStore.Subscribe.
//
// A Bus receives committed envelopes from its store and fans them out to
// subscriptions. Subscriptions that start behind the head catch up from the
// store history first; the bus itself keeps no history. Events committed by
// other writers of the same log reach the bus through Sync or Follow.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cqrs "github.com/terraskye/eventcore"
)

// ErrBusClosed is the cause reported by subscriptions of a closed bus.
var ErrBusClosed = errors.New("eventbus is closed")

type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithHead starts the bus at global position head, the last position already
// committed when the bus is created. FromNow subscriptions start there.
func WithHead(head uint64) Option {
	return func(b *Bus) {
		b.head.Store(head)
	}
}

// Bus publishes committed envelopes to subscriptions.
type Bus struct {
	history      cqrs.HistoryReader
	backpressure cqrs.Backpressure
	logger       *slog.Logger

	// pubMu serializes Publish so every subscription sees one order.
	pubMu sync.Mutex

	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
	head   atomic.Uint64
	seq    atomic.Uint64
}

// New returns a bus reading catch-up history from history. backpressure is
// the default for subscriptions that do not set their own.
func New(history cqrs.HistoryReader, backpressure cqrs.Backpressure, opts ...Option) *Bus {
	b := &Bus{
		history:      history,
		backpressure: backpressure,
		logger:       slog.Default(),
		subs:         make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "eventbus"))
	return b
}

// Publish hands committed envelopes, in global order, to every subscription.
// It never blocks on a subscriber. The envelopes must already be readable
// from the history reader.
//
// Envelopes at or before the head were published already and are dropped.
// When envs do not start right after the head, the positions in between were
// committed elsewhere and every subscription resyncs from history.
func (b *Bus) Publish(envs ...*cqrs.Envelope) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.publish(envs)
}

func (b *Bus) publish(envs []*cqrs.Envelope) {
	head := b.head.Load()
	for len(envs) > 0 && envs[0].GlobalVersion <= head {
		envs = envs[1:]
	}
	if len(envs) == 0 {
		return
	}
	gap := envs[0].GlobalVersion > head+1

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.head.Store(envs[len(envs)-1].GlobalVersion)
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if gap {
		b.logger.Debug("positions missing before publish, resyncing from history",
			slog.Uint64("head", head),
			slog.Uint64("first", envs[0].GlobalVersion))
		for _, s := range subs {
			s.resync()
		}
		return
	}
	for _, s := range subs {
		if s.push(envs) {
			b.logger.Warn("subscription buffer overflowed, falling back to catch-up",
				slog.String("subscription", s.name),
				slog.Uint64("checkpoint", s.Checkpoint()),
				slog.Int("limit", s.limit))
		}
	}
}

// Sync publishes the envelopes history holds after the head and returns how
// many there were. The history reader must not wait on a Publish in progress.
func (b *Bus) Sync(ctx context.Context) (int, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, ErrBusClosed
	}

	iter, err := b.history.ReadAll(ctx, b.head.Load()+1)
	if err != nil {
		return 0, err
	}
	envs, err := iter.All(ctx)
	if err != nil {
		return 0, err
	}
	b.publish(envs)
	return len(envs), nil
}

// Follow calls Sync every interval, and whenever wake receives, until ctx
// ends or the bus closes. wake may be nil.
func (b *Bus) Follow(ctx context.Context, interval time.Duration, wake <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		n, err := b.Sync(ctx)
		switch {
		case errors.Is(err, ErrBusClosed):
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			b.logger.WarnContext(ctx, "sync from history failed", slog.Any("error", err))
		case n > 0:
			b.logger.DebugContext(ctx, "synced from history",
				slog.Int("events", n),
				slog.Uint64("head", b.head.Load()))
		}
	}
}

// Subscribe attaches a subscription. Cancelling ctx closes it.
func (b *Bus) Subscribe(ctx context.Context, opts ...cqrs.SubscribeOption) (cqrs.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := cqrs.NewSubscribeConfig(opts...)

	backpressure := b.backpressure
	if cfg.Backpressure != nil {
		backpressure = *cfg.Backpressure
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("subscription-%d", b.seq.Add(1))
	}

	s := &subscription{
		bus:         b,
		name:        name,
		filter:      cfg.Filter,
		limit:       backpressure.Limit(),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		needHistory: !cfg.FromNow,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if cfg.FromNow {
		s.checkpoint.Store(b.head.Load())
		s.state.Store(int32(cqrs.SubscriptionLive))
	} else {
		s.checkpoint.Store(cfg.Checkpoint)
		s.state.Store(int32(cqrs.SubscriptionCatchingUp))
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.closeWith(context.Cause(ctx))
	})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
	} else {
		s.stop = stop
		s.mu.Unlock()
	}

	b.logger.Debug("subscription attached",
		slog.String("subscription", name),
		slog.Uint64("checkpoint", s.Checkpoint()),
		slog.String("backpressure", backpressure.String()))
	return s, nil
}

// Head is the global position of the last published envelope.
func (b *Bus) Head() uint64 {
	return b.head.Load()
}

// Subscribers is the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription with ErrBusClosed. Later publishes are
// ignored.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.closeWith(ErrBusClosed)
	}
	return nil
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

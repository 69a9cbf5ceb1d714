// Package projection runs event handlers over the global log with durable
// checkpoints.
//
// A Projector subscribes from its last saved checkpoint, hands every event to
// its handler and records the position after the handler succeeded. Events
// are delivered at least once: after a crash or a handler failure the events
// since the last saved checkpoint are delivered again.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/terraskye/eventcore"
)

// Option configures a Projector.
type Option func(*Projector)

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		p.logger = logger
	}
}

// WithCheckpointEvery saves the checkpoint after every n handled events
// instead of after each one. The checkpoint is always saved when Run returns.
func WithCheckpointEvery(n int) Option {
	return func(p *Projector) {
		if n > 0 {
			p.every = n
		}
	}
}

// WithSubscribeOptions adds options to the subscription, such as a filter or
// a backpressure policy. Start position and name are set by the Projector.
func WithSubscribeOptions(opts ...eventcore.SubscribeOption) Option {
	return func(p *Projector) {
		p.subscribeOpts = append(p.subscribeOpts, opts...)
	}
}

// Projector feeds the events of a store to a handler.
type Projector struct {
	name          string
	store         eventcore.Subscriber
	handler       eventcore.EventHandler
	checkpoints   CheckpointStore
	logger        *slog.Logger
	every         int
	subscribeOpts []eventcore.SubscribeOption

	checkpoint atomic.Uint64
}

// New creates a Projector. name identifies both the subscription and the
// checkpoint.
func New(name string, store eventcore.Subscriber, handler eventcore.EventHandler, checkpoints CheckpointStore, opts ...Option) *Projector {
	p := &Projector{
		name:        name,
		store:       store,
		handler:     handler,
		checkpoints: checkpoints,
		logger:      slog.Default(),
		every:       1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "projection", "projection", name)
	return p
}

func (p *Projector) Name() string { return p.name }

// Checkpoint returns the position of the last handled event.
func (p *Projector) Checkpoint() uint64 { return p.checkpoint.Load() }

// Run processes events until ctx is cancelled, the subscription closes or
// the handler fails. It returns the reason it stopped, wrapped.
func (p *Projector) Run(ctx context.Context) error {
	from, err := p.checkpoints.Load(ctx, p.name)
	if err != nil {
		return fmt.Errorf("projection %q: load checkpoint: %w", p.name, err)
	}
	p.checkpoint.Store(from)

	opts := append([]eventcore.SubscribeOption{}, p.subscribeOpts...)
	opts = append(opts, eventcore.FromCheckpoint(from), eventcore.WithSubscriptionName(p.name))
	sub, err := p.store.Subscribe(ctx, opts...)
	if err != nil {
		return fmt.Errorf("projection %q: subscribe: %w", p.name, err)
	}
	defer sub.Close()

	p.logger.InfoContext(ctx, "projection started", "checkpoint", from)

	saved := from
	unsaved := 0
	flush := func(ctx context.Context) error {
		cp := p.checkpoint.Load()
		if cp == saved {
			return nil
		}
		if err := p.checkpoints.Save(ctx, p.name, cp); err != nil {
			return fmt.Errorf("projection %q: save checkpoint %d: %w", p.name, cp, err)
		}
		saved = cp
		unsaved = 0
		return nil
	}

	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			// the run is over; the checkpoint must survive the cancellation
			if ferr := flush(context.WithoutCancel(ctx)); ferr != nil {
				p.logger.ErrorContext(ctx, "checkpoint lost", "error", ferr)
			}
			p.logger.InfoContext(ctx, "projection stopped", "checkpoint", saved, "reason", err)
			return fmt.Errorf("projection %q: %w", p.name, err)
		}

		if err := p.handle(ctx, env); err != nil {
			if ferr := flush(context.WithoutCancel(ctx)); ferr != nil {
				p.logger.ErrorContext(ctx, "checkpoint lost", "error", ferr)
			}
			p.logger.ErrorContext(ctx, "handler failed",
				slog.String("stream_id", env.StreamID),
				slog.Uint64("global_version", env.GlobalVersion),
				slog.Any("error", err),
			)
			return fmt.Errorf("projection %q: handle event %d of stream %q: %w", p.name, env.GlobalVersion, env.StreamID, err)
		}
		p.checkpoint.Store(env.GlobalVersion)

		unsaved++
		if unsaved >= p.every {
			if err := flush(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Projector) handle(ctx context.Context, env *eventcore.Envelope) error {
	ctx = eventcore.WithEnvelope(ctx, env)
	ctx = eventcore.WithCausation(ctx, env.EventID.String())

	err := p.handler.Handle(ctx, env.Event)
	var skipped eventcore.ErrSkippedEvent
	if errors.As(err, &skipped) {
		return nil
	}
	return err
}

package eventcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// StreamNamer produces the stream name for a given command, with access to context
type StreamNamer func(ctx context.Context, cmd Command) string

// DefaultStreamNamer returns the AggregateID of the command as the stream name.
//
// It can be overridden globally, for example to support multi-tenancy or
// prefixes:
//
//	DefaultStreamNamer = func(ctx context.Context, cmd Command) string {
//	    return "cart-" + cmd.AggregateID()
//	}
var DefaultStreamNamer StreamNamer = func(ctx context.Context, cmd Command) string {
	return cmd.AggregateID()
}

// CommandHandler handles commands of type C.
//
// Implementations should treat the command as immutable and express every
// state change as events.
type CommandHandler[C Command] func(ctx context.Context, command C) (AppendResult, error)

// Decider determines which events should occur based on the current state and a command.
//
// Notes:
//   - The Decider must not mutate state; the returned events are folded into
//     it by the aggregate.
//   - Returning no events means the command had no effect (e.g. it was
//     idempotent); nothing is saved.
//   - An error rejects the command and is never retried.
type Decider[S any, E Event, C Command] func(state S, cmd C) ([]E, error)

// CommandHandlerOption defines a function type that modifies handlerOptions.
type CommandHandlerOption func(configuration *handlerOptions)

type handlerOptions struct {
	// RetryStrategy builds, for each command, the backoff deciding whether a
	// save that lost a concurrency conflict is attempted again on freshly
	// loaded state. Defaults to no retries.
	RetryStrategy func() backoff.BackOff

	// MetadataFuncs enrich the saved events with metadata taken from the context.
	MetadataFuncs []func(ctx context.Context) map[string]any

	// StreamNamer produces the name of the event stream for a command.
	StreamNamer StreamNamer
}

// NewCommandHandler returns a command handler that loads the aggregate
// through repo, decides new events, records them on the root and saves it.
//
// A concurrency conflict on save is retried according to the retry strategy,
// reloading the aggregate and deciding again each time. Every other error is
// returned immediately.
//
// Example Usage:
//
//	handler := NewCommandHandler(repo, decideCart, WithRetryStrategy(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 3)
//	}))
//	result, err := handler(ctx, AddItem{CartID: "cart-1", SKU: "sku-1"})
func NewCommandHandler[S any, E Event, C Command](
	repo *Repository[S, E],
	decide Decider[S, E, C],
	opts ...CommandHandlerOption,
) CommandHandler[C] {
	cfg := &handlerOptions{
		RetryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
		StreamNamer:   DefaultStreamNamer,
	}
	for _, o := range opts {
		o(cfg)
	}

	return func(ctx context.Context, command C) (AppendResult, error) {
		stream := cfg.StreamNamer(ctx, command)

		strategy := backoff.WithContext(cfg.RetryStrategy(), ctx)

		return backoff.RetryWithData(func() (AppendResult, error) {
			root, err := repo.Get(ctx, stream)
			if err != nil {
				return AppendResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): load failed: %w", command, command.AggregateID(), stream, err))
			}

			events, err := decide(root.State(), command)
			if err != nil {
				return AppendResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): %w: %w", command, command.AggregateID(), stream, ErrBusinessRuleViolation, err))
			}

			if len(events) == 0 {
				return AppendResult{Successful: true, StreamID: stream, NextExpectedVersion: root.Version()}, nil
			}

			if err := root.Record(events...); err != nil {
				return AppendResult{}, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): %w", command, command.AggregateID(), stream, err))
			}

			metadata := make(map[string]any)
			for _, fn := range cfg.MetadataFuncs {
				for k, v := range fn(ctx) {
					metadata[k] = v
				}
			}

			result, err := repo.Save(ctx, root, WithMetadata(metadata))
			if err != nil {
				if errors.Is(err, ErrConcurrencyConflict) {
					return result, err
				}
				return result, backoff.Permanent(fmt.Errorf("handle command %T for aggregate %q (stream %q): failed to save events: %w", command, command.AggregateID(), stream, err))
			}
			return result, nil
		}, strategy)
	}
}

// WithRetryStrategy sets the retry strategy used when saving loses a
// concurrency conflict. newStrategy is called once per command, so every
// command gets its own backoff state and retry budget.
//
// Usage:
//
//	handler := NewCommandHandler(repo, decide, WithRetryStrategy(func() backoff.BackOff {
//	    return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
//	}))
func WithRetryStrategy(newStrategy func() backoff.BackOff) CommandHandlerOption {
	return func(cfg *handlerOptions) { cfg.RetryStrategy = newStrategy }
}

// WithMetadataExtractor adds a metadata function. Extractors are applied in
// order of registration, later keys overwrite earlier ones.
func WithMetadataExtractor(fn func(ctx context.Context) map[string]any) CommandHandlerOption {
	return func(h *handlerOptions) {
		h.MetadataFuncs = append(h.MetadataFuncs, fn)
	}
}

// WithStreamNamer overrides DefaultStreamNamer for one handler.
func WithStreamNamer(namer StreamNamer) CommandHandlerOption {
	return func(h *handlerOptions) {
		h.StreamNamer = namer
	}
}

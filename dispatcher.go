package eventcore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

var (
	ErrNoHandler        = errors.New("no handler for command")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// queuedCommand is a command waiting on a shard, with the channel its result
// is returned on.
type queuedCommand struct {
	ctx     context.Context
	command Command
	result  chan<- commandResult
}

type commandResult struct {
	result AppendResult
	err    error
}

// Dispatcher routes commands to typed handlers.
//
// Commands are spread over shards by aggregate id. A shard runs one command at
// a time, so commands for the same aggregate are handled in dispatch order and
// never race each other on the stream.
type Dispatcher struct {
	handlersMu sync.RWMutex
	handlers   map[string]func(ctx context.Context, command Command) (AppendResult, error)

	mu     sync.RWMutex
	closed bool
	queues []chan queuedCommand
	wg     sync.WaitGroup
	logger *slog.Logger
}

type dispatcherConfig struct {
	shards    int
	queueSize int
	logger    *slog.Logger
}

type DispatcherOption func(*dispatcherConfig)

// WithShards sets the number of shards, which bounds how many commands run
// concurrently. Defaults to 1.
func WithShards(n int) DispatcherOption {
	return func(cfg *dispatcherConfig) { cfg.shards = n }
}

// WithQueueSize sets how many commands can wait on one shard before Dispatch
// blocks.
func WithQueueSize(n int) DispatcherOption {
	return func(cfg *dispatcherConfig) { cfg.queueSize = n }
}

func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(cfg *dispatcherConfig) { cfg.logger = logger }
}

// NewDispatcher starts a dispatcher with one worker per shard. Close stops
// the workers.
//
// Example:
//
//	d := NewDispatcher(WithShards(8))
//	Handle(d, NewCommandHandler(repo, decideAddItem))
//	result, err := d.Dispatch(ctx, AddItem{CartID: "cart-1", SKU: "sku-1"})
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{shards: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.shards <= 0 {
		cfg.shards = 1
	}
	if cfg.queueSize < 0 {
		cfg.queueSize = 0
	}

	d := &Dispatcher{
		handlers: make(map[string]func(ctx context.Context, command Command) (AppendResult, error)),
		queues:   make([]chan queuedCommand, cfg.shards),
		logger:   cfg.logger.With(slog.String("component", "dispatcher")),
	}
	for i := range d.queues {
		d.queues[i] = make(chan queuedCommand, cfg.queueSize)
		d.wg.Add(1)
		go d.worker(d.queues[i])
	}
	return d
}

// Handle registers handler for commands of type C.
//
// Panics if a handler is already registered for C.
func Handle[C Command](d *Dispatcher, handler CommandHandler[C]) {
	name := TypeName((*C)(nil))

	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	if _, exists := d.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for command type %s", name))
	}
	d.handlers[name] = func(ctx context.Context, cmd Command) (AppendResult, error) {
		c, ok := cmd.(C)
		if !ok {
			return AppendResult{}, fmt.Errorf("expected command type %s but got %T", name, cmd)
		}
		return handler(ctx, c)
	}
}

// Dispatch queues cmd on the shard of its aggregate and waits for the result.
// It is safe to call concurrently.
//
// When ctx ends while the command is queued the command is not handled; when
// it ends while the command runs, Dispatch returns ctx.Err() without waiting.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (AppendResult, error) {
	result := make(chan commandResult, 1)

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return AppendResult{}, ErrDispatcherClosed
	}
	select {
	case d.queues[d.shard(cmd.AggregateID())] <- queuedCommand{ctx: ctx, command: cmd, result: result}:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return AppendResult{}, ctx.Err()
	}

	select {
	case res := <-result:
		return res.result, res.err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

func (d *Dispatcher) worker(queue <-chan queuedCommand) {
	defer d.wg.Done()
	for item := range queue {
		if err := item.ctx.Err(); err != nil {
			item.result <- commandResult{err: err}
			continue
		}
		res, err := d.handle(item.ctx, item.command)
		item.result <- commandResult{result: res, err: err}
	}
}

func (d *Dispatcher) handle(ctx context.Context, cmd Command) (res AppendResult, err error) {
	name := TypeName(cmd)

	d.handlersMu.RLock()
	h, exists := d.handlers[name]
	d.handlersMu.RUnlock()
	if !exists {
		return AppendResult{}, fmt.Errorf("%w %s", ErrNoHandler, name)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "command handler panicked",
				slog.String("command", name),
				slog.String("aggregate_id", cmd.AggregateID()),
				slog.Any("panic", r))
			res, err = AppendResult{}, fmt.Errorf("panic in handler for %s: %v", name, r)
		}
	}()
	return h(ctx, cmd)
}

func (d *Dispatcher) shard(aggregateID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(aggregateID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Close stops accepting commands and waits until every queued command has
// been handled.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

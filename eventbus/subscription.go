package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	cqrs "github.com/terraskye/eventcore"
)

type subscription struct {
	bus    *Bus
	name   string
	filter func(*cqrs.Envelope) bool
	limit  int

	checkpoint atomic.Uint64
	state      atomic.Int32

	// mu guards the live buffer, the close cause and stop.
	mu         sync.Mutex
	buf        []*cqrs.Envelope
	overflowed bool
	closed     bool
	cause      error

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stop      func() bool

	// Owned by the goroutine calling Recv.
	needHistory bool
	history     *cqrs.Iterator[*cqrs.Envelope]
}

// push buffers envs and wakes the receiver. It reports whether the buffer
// overflowed with this call.
func (s *subscription) push(envs []*cqrs.Envelope) bool {
	s.mu.Lock()
	if s.closed || s.overflowed {
		s.mu.Unlock()
		return false
	}
	overflow := s.limit > 0 && len(s.buf)+len(envs) > s.limit
	if overflow {
		s.buf = nil
		s.overflowed = true
	} else {
		s.buf = append(s.buf, envs...)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return overflow
}

// resync drops the live buffer so the receiver reads history after its
// checkpoint before going live again.
func (s *subscription) resync() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = nil
	s.overflowed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) Recv(ctx context.Context) (*cqrs.Envelope, error) {
	for {
		if err := s.closedErr(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if s.history != nil {
			env, ok, err := s.nextFromHistory(ctx)
			if err != nil || ok {
				return env, err
			}
			continue
		}

		if s.needHistory {
			if err := s.startCatchUp(ctx); err != nil {
				return nil, err
			}
			continue
		}

		env, wait := s.nextLive()
		if env != nil {
			if s.deliver(env) {
				return env, nil
			}
			continue
		}
		if !wait {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// startCatchUp opens the history after the checkpoint. Live events keep
// buffering while history is read, from a fresh buffer.
func (s *subscription) startCatchUp(ctx context.Context) error {
	s.mu.Lock()
	s.buf = nil
	s.overflowed = false
	s.mu.Unlock()
	s.setState(cqrs.SubscriptionCatchingUp)

	iter, err := s.bus.history.ReadAll(ctx, s.Checkpoint()+1)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(err)
	}
	s.history = iter
	s.needHistory = false
	return nil
}

// nextFromHistory returns the next deliverable historical envelope. ok is
// false with a nil error when history is exhausted or only had envelopes
// that were already delivered or filtered.
func (s *subscription) nextFromHistory(ctx context.Context) (env *cqrs.Envelope, ok bool, err error) {
	for s.history.Next(ctx) {
		env := s.history.Value()
		if s.deliver(env) {
			return env, true, nil
		}
	}
	err = s.history.Err()
	s.history = nil
	if err != nil {
		s.needHistory = true
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, s.fail(err)
	}
	s.setState(cqrs.SubscriptionLive)
	return nil, false, nil
}

// nextLive pops the next buffered envelope. wait is true when the buffer is
// empty and the receiver has to block.
func (s *subscription) nextLive() (env *cqrs.Envelope, wait bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflowed {
		s.needHistory = true
		return nil, false
	}
	if len(s.buf) == 0 {
		return nil, true
	}
	env = s.buf[0]
	s.buf[0] = nil
	s.buf = s.buf[1:]
	return env, false
}

// deliver advances the checkpoint past env and reports whether env is to be
// returned to the consumer.
func (s *subscription) deliver(env *cqrs.Envelope) bool {
	if env.GlobalVersion <= s.Checkpoint() {
		return false
	}
	s.checkpoint.Store(env.GlobalVersion)
	return s.filter == nil || s.filter(env)
}

func (s *subscription) fail(err error) error {
	s.bus.logger.Error("subscription catch-up failed",
		slog.String("subscription", s.name),
		slog.Uint64("checkpoint", s.Checkpoint()),
		slog.Any("error", err))
	s.closeWith(err)
	return s.closedErr()
}

func (s *subscription) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return nil
	}
	return &cqrs.SubscriptionClosedError{Name: s.name, Cause: s.cause}
}

func (s *subscription) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cause = cause
		s.buf = nil
		stop := s.stop
		s.mu.Unlock()

		s.setState(cqrs.SubscriptionClosed)
		close(s.done)
		if stop != nil {
			stop()
		}
		s.bus.remove(s)
	})
}

func (s *subscription) setState(state cqrs.SubscriptionState) {
	for {
		cur := s.state.Load()
		if cqrs.SubscriptionState(cur) == cqrs.SubscriptionClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

func (s *subscription) Name() string { return s.name }

func (s *subscription) Checkpoint() uint64 { return s.checkpoint.Load() }

func (s *subscription) State() cqrs.SubscriptionState {
	return cqrs.SubscriptionState(s.state.Load())
}

// Err returns the cause of a close that was not requested through Close,
// nil otherwise.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.cause, errClosedByConsumer) {
		return nil
	}
	return s.cause
}

var errClosedByConsumer = errors.New("closed by consumer")

func (s *subscription) Close() error {
	s.closeWith(errClosedByConsumer)
	return nil
}

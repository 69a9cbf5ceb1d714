package eventcore

import (
	"context"
	"fmt"
)

// Evolver folds a single event into the state and returns the new state.
// It must be pure: the same state and event always give the same result.
// Returning an error rejects the event.
type Evolver[S any, E Event] func(state S, event E) (S, error)

// Aggregate describes how the state of one kind of entity is rebuilt from its
// events.
//
// E is usually a sealed interface: an interface with an unexported marker
// method implemented by exactly the event types of the aggregate, so Apply can
// be a type switch over a closed set.
type Aggregate[S any, E Event] interface {
	// InitialState is the state of an entity without events.
	InitialState() S
	// Apply folds event into state.
	Apply(state S, event E) (S, error)
}

type aggregate[S any, E Event] struct {
	initial func() S
	evolve  Evolver[S, E]
}

// NewAggregate builds an Aggregate from an initial state factory and a fold
// function.
func NewAggregate[S any, E Event](initial func() S, evolve Evolver[S, E]) Aggregate[S, E] {
	return aggregate[S, E]{initial: initial, evolve: evolve}
}

func (a aggregate[S, E]) InitialState() S { return a.initial() }

func (a aggregate[S, E]) Apply(state S, event E) (S, error) { return a.evolve(state, event) }

// Root is a single aggregate instance: its current state, the stream version
// that state was loaded at, and the events recorded since.
//
// A Root is owned by one goroutine at a time and is not safe for concurrent
// use.
type Root[S any, E Event] struct {
	aggregate Aggregate[S, E]
	streamID  string
	state     S
	version   Version
	pending   []E
}

// NewRoot returns a root for a stream that has no events yet.
func NewRoot[S any, E Event](aggregate Aggregate[S, E], streamID string) *Root[S, E] {
	return &Root[S, E]{
		aggregate: aggregate,
		streamID:  streamID,
		state:     aggregate.InitialState(),
	}
}

// Load rebuilds a root by replaying every event of streamID. A stream without
// events yields the initial state at version 0.
func Load[S any, E Event](ctx context.Context, aggregate Aggregate[S, E], store StreamReader, streamID string) (*Root[S, E], error) {
	root := NewRoot(aggregate, streamID)
	if err := root.replay(ctx, store, 0); err != nil {
		return nil, err
	}
	return root, nil
}

// replay folds the events of the stream after the current version into the
// root.
func (r *Root[S, E]) replay(ctx context.Context, store StreamReader, after Version) error {
	iter, err := store.ReadStream(ctx, r.streamID, after+1)
	if err != nil {
		return fmt.Errorf("load stream %q: %w", r.streamID, err)
	}

	state, version := r.state, after
	for iter.Next(ctx) {
		env := iter.Value()
		if env.Version != version+1 {
			return fmt.Errorf("load stream %q: expected version %d, got %d: %w", r.streamID, version+1, env.Version, ErrVersionGap)
		}
		ev, ok := env.Event.(E)
		if !ok {
			return fmt.Errorf("load stream %q at version %d: %s (%T): %w", r.streamID, env.Version, env.Event.EventType(), env.Event, ErrUnexpectedEvent)
		}
		state, err = r.aggregate.Apply(state, ev)
		if err != nil {
			return fmt.Errorf("load stream %q: apply version %d: %w", r.streamID, env.Version, err)
		}
		version = env.Version
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("load stream %q: %w", r.streamID, err)
	}

	r.state, r.version = state, version
	return nil
}

// Record folds events into the state and keeps them as pending. When any
// event is rejected nothing changes.
func (r *Root[S, E]) Record(events ...E) error {
	state := r.state
	for _, ev := range events {
		var err error
		state, err = r.aggregate.Apply(state, ev)
		if err != nil {
			return fmt.Errorf("record %s on stream %q: %w", ev.EventType(), r.streamID, err)
		}
	}
	r.state = state
	r.pending = append(r.pending, events...)
	return nil
}

// Commit hands out the pending events together with the version the root
// observed before them, leaving the pending list empty.
func (r *Root[S, E]) Commit() (Version, []E) {
	pending := r.pending
	r.pending = nil
	return r.version, pending
}

// restore puts events handed out by Commit back in front of any events
// recorded since.
func (r *Root[S, E]) restore(events []E) {
	r.pending = append(events[:len(events):len(events)], r.pending...)
}

// advance marks n committed events as part of the observed version.
func (r *Root[S, E]) advance(n int) {
	r.version += Version(n)
}

func (r *Root[S, E]) State() S { return r.state }

// Version is the stream version the state was loaded at, excluding pending
// events.
func (r *Root[S, E]) Version() Version { return r.version }

func (r *Root[S, E]) StreamID() string { return r.streamID }

// Pending returns a copy of the events recorded since the last load or save.
func (r *Root[S, E]) Pending() []E {
	out := make([]E, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *Root[S, E]) HasPending() bool { return len(r.pending) > 0 }

package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/memory"
)

// StoreSpy wraps an EventStore, tracks calls and allows injecting custom
// behavior or failures. Without overrides every call goes to the wrapped
// store.
type StoreSpy struct {
	es.EventStore

	mu sync.Mutex

	// Function overrides for custom behavior
	AppendFn     func(ctx context.Context, streamID string, expected es.StreamState, events []es.Event, opts ...es.AppendOption) (es.AppendResult, error)
	ReadStreamFn func(ctx context.Context, streamID string, from es.Version) (*es.Iterator[*es.Envelope], error)
	ReadAllFn    func(ctx context.Context, from uint64) (*es.Iterator[*es.Envelope], error)

	// Call tracking
	AppendCalls     int
	ReadStreamCalls int
	ReadAllCalls    int

	// Captured arguments from last call
	LastAppendStream   string
	LastAppendExpected es.StreamState
	LastAppendEvents   []es.Event
	LastReadFrom       es.Version

	// Error injection
	appendErr error
	readErr   error
}

// NewStoreSpy wraps a fresh in-memory store.
func NewStoreSpy() *StoreSpy {
	return WrapStore(memory.NewMemoryStore())
}

// WrapStore wraps store.
func WrapStore(store es.EventStore) *StoreSpy {
	return &StoreSpy{EventStore: store}
}

// FailOnAppend configures the store to return err from Append.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
	return s
}

// FailOnRead configures the store to return err from ReadStream and ReadAll.
func (s *StoreSpy) FailOnRead(err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	return s
}

// Seed appends events to streamID without tracking the call.
func (s *StoreSpy) Seed(ctx context.Context, streamID string, events ...es.Event) *StoreSpy {
	if _, err := s.EventStore.Append(ctx, streamID, es.Any{}, events); err != nil {
		panic(err)
	}
	return s
}

func (s *StoreSpy) Append(ctx context.Context, streamID string, expected es.StreamState, events []es.Event, opts ...es.AppendOption) (es.AppendResult, error) {
	s.mu.Lock()
	s.AppendCalls++
	s.LastAppendStream = streamID
	s.LastAppendExpected = expected
	s.LastAppendEvents = events
	appendErr := s.appendErr
	s.mu.Unlock()

	if s.AppendFn != nil {
		return s.AppendFn(ctx, streamID, expected, events, opts...)
	}
	if appendErr != nil {
		return es.AppendResult{}, appendErr
	}
	return s.EventStore.Append(ctx, streamID, expected, events, opts...)
}

func (s *StoreSpy) ReadStream(ctx context.Context, streamID string, from es.Version) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.ReadStreamCalls++
	s.LastReadFrom = from
	readErr := s.readErr
	s.mu.Unlock()

	if s.ReadStreamFn != nil {
		return s.ReadStreamFn(ctx, streamID, from)
	}
	if readErr != nil {
		return nil, readErr
	}
	return s.EventStore.ReadStream(ctx, streamID, from)
}

func (s *StoreSpy) ReadAll(ctx context.Context, from uint64) (*es.Iterator[*es.Envelope], error) {
	s.mu.Lock()
	s.ReadAllCalls++
	readErr := s.readErr
	s.mu.Unlock()

	if s.ReadAllFn != nil {
		return s.ReadAllFn(ctx, from)
	}
	if readErr != nil {
		return nil, readErr
	}
	return s.EventStore.ReadAll(ctx, from)
}

// Calls returns the append and read call counts.
func (s *StoreSpy) Calls() (appends, reads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AppendCalls, s.ReadStreamCalls
}

// ConflictOnce makes the next Append fail with a concurrency conflict after
// another writer slipped in one interleaving event. Later appends behave
// normally.
func (s *StoreSpy) ConflictOnce(interleaved es.Event) *StoreSpy {
	var once sync.Once
	s.AppendFn = func(ctx context.Context, streamID string, expected es.StreamState, events []es.Event, opts ...es.AppendOption) (es.AppendResult, error) {
		once.Do(func() {
			if _, err := s.EventStore.Append(ctx, streamID, es.Any{}, []es.Event{interleaved}); err != nil {
				panic(err)
			}
		})
		return s.EventStore.Append(ctx, streamID, expected, events, opts...)
	}
	return s
}

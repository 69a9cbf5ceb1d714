// Package memory is the in-process reference EventStore.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	cqrs "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventbus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/terraskye/eventcore/eventstore/memory"

type stream struct {
	mu     sync.RWMutex
	events []*cqrs.Envelope
}

// MemoryStore keeps every stream in memory.
//
// Appends to one stream are serialized by a per-stream lock. Only the final
// step of an append, which assigns global positions, makes the events visible
// in the global log and publishes them, runs under the store-wide lock.
type MemoryStore struct {
	tracer trace.Tracer
	logger *slog.Logger

	streamsMu sync.Mutex
	streams   map[string]*stream

	globalMu sync.RWMutex
	global   []*cqrs.Envelope

	bus    *eventbus.Bus
	closed atomic.Bool
}

type Option func(*options)

type options struct {
	backpressure cqrs.Backpressure
	logger       *slog.Logger
	tracer       trace.TracerProvider
}

// WithBackpressure sets the default backpressure of subscriptions.
func WithBackpressure(b cqrs.Backpressure) Option {
	return func(o *options) { o.backpressure = b }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	o := options{
		backpressure: cqrs.Unbounded(),
		logger:       slog.Default(),
		tracer:       otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &MemoryStore{
		tracer:  o.tracer.Tracer(tracerName),
		logger:  o.logger.With(slog.String("component", "eventstore.memory")),
		streams: make(map[string]*stream),
	}
	m.bus = eventbus.New(m, o.backpressure, eventbus.WithLogger(o.logger))
	return m
}

func (m *MemoryStore) stream(id string, create bool) *stream {
	m.streamsMu.Lock()
	defer m.streamsMu.Unlock()
	st, ok := m.streams[id]
	if !ok && create {
		st = &stream{}
		m.streams[id] = st
	}
	return st
}

func (m *MemoryStore) Append(ctx context.Context, streamID string, expected cqrs.StreamState, events []cqrs.Event, opts ...cqrs.AppendOption) (cqrs.AppendResult, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Append",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("stream.id", streamID),
			attribute.Int("event.count", len(events)),
		))
	defer span.End()

	result, err := m.append(ctx, streamID, expected, events, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.Int64("stream.version", int64(result.NextExpectedVersion)))
	return result, nil
}

func (m *MemoryStore) append(ctx context.Context, streamID string, expected cqrs.StreamState, events []cqrs.Event, opts []cqrs.AppendOption) (cqrs.AppendResult, error) {
	if len(events) == 0 {
		return cqrs.AppendResult{}, fmt.Errorf("append to stream %q: %w", streamID, cqrs.ErrEmptyEventBatch)
	}
	if expected == nil {
		return cqrs.AppendResult{}, fmt.Errorf("append to stream %q: nil expected state: %w", streamID, cqrs.ErrInvalidRevision)
	}
	if m.closed.Load() {
		return cqrs.AppendResult{}, cqrs.ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return cqrs.AppendResult{}, err
	}

	st := m.stream(streamID, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	current := cqrs.Version(len(st.events))
	if !expected.Check(current) {
		m.logger.DebugContext(ctx, "append rejected",
			slog.String("stream_id", streamID),
			slog.String("expected", expected.String()),
			current.SlogAttrWithKey("actual"))
		return cqrs.AppendResult{StreamID: streamID, NextExpectedVersion: current}, &cqrs.ConcurrencyConflictError{
			StreamID: streamID,
			Expected: expected,
			Actual:   current,
		}
	}

	envs := cqrs.NewAppendConfig(opts...).Envelopes(streamID, current, events)

	// Commit point.
	if err := ctx.Err(); err != nil {
		return cqrs.AppendResult{}, err
	}

	m.globalMu.Lock()
	for _, env := range envs {
		env.GlobalVersion = uint64(len(m.global)) + 1
		m.global = append(m.global, env)
	}
	st.events = append(st.events, envs...)
	m.bus.Publish(envs...)
	m.globalMu.Unlock()

	last := envs[len(envs)-1]
	return cqrs.AppendResult{
		Successful:          true,
		StreamID:            streamID,
		NextExpectedVersion: last.Version,
		GlobalVersion:       last.GlobalVersion,
		Envelopes:           envs,
	}, nil
}

func (m *MemoryStore) ReadStream(ctx context.Context, streamID string, from cqrs.Version) (*cqrs.Iterator[*cqrs.Envelope], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := m.stream(streamID, false)
	if st == nil {
		return cqrs.EmptyIterator[*cqrs.Envelope](), nil
	}

	st.mu.RLock()
	events := st.events
	st.mu.RUnlock()

	if from > 0 {
		from--
	}
	if int(from) >= len(events) {
		return cqrs.EmptyIterator[*cqrs.Envelope](), nil
	}
	return cqrs.NewSliceIterator(events[from:]), nil
}

func (m *MemoryStore) CurrentVersion(ctx context.Context, streamID string) (cqrs.Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st := m.stream(streamID, false)
	if st == nil {
		return 0, nil
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return cqrs.Version(len(st.events)), nil
}

func (m *MemoryStore) ReadAll(ctx context.Context, from uint64) (*cqrs.Iterator[*cqrs.Envelope], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.globalMu.RLock()
	global := m.global
	m.globalMu.RUnlock()

	if from > 0 {
		from--
	}
	if from >= uint64(len(global)) {
		return cqrs.EmptyIterator[*cqrs.Envelope](), nil
	}
	return cqrs.NewSliceIterator(global[from:]), nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, opts ...cqrs.SubscribeOption) (cqrs.Subscription, error) {
	if m.closed.Load() {
		return nil, cqrs.ErrStoreClosed
	}
	return m.bus.Subscribe(ctx, opts...)
}

// Bus returns the publisher of the store.
func (m *MemoryStore) Bus() *eventbus.Bus {
	return m.bus
}

// Close closes every subscription. Committed events stay readable.
func (m *MemoryStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.bus.Close()
}

var _ cqrs.EventStore = (*MemoryStore)(nil)

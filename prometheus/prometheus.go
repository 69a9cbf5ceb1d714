// Package prometheus exports event store metrics through the Prometheus
// client.
package prometheus

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terraskye/eventcore"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// StoreMetrics holds the collectors updated by WithStoreMetrics.
type StoreMetrics struct {
	operationDuration    *prometheus.HistogramVec
	operationErrors      *prometheus.CounterVec
	eventsAppended       *prometheus.CounterVec
	eventsRead           *prometheus.CounterVec
	concurrencyConflicts prometheus.Counter
	eventsDelivered      *prometheus.CounterVec
	subscriptionPosition *prometheus.GaugeVec
}

// NewStoreMetrics creates the collectors and registers them with reg.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_store_operation_duration_seconds",
			Help:    "Event store operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"operation"}),

		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_store_errors_total",
			Help: "Total number of failed event store operations, conflicts excluded",
		}, []string{"operation"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"event_type"}),

		eventsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_events_read_total",
			Help: "Total number of events read from the store",
		}, []string{"operation"}),

		concurrencyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventcore_concurrency_conflicts_total",
			Help: "Total number of appends rejected by optimistic concurrency",
		}),

		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_subscription_events_total",
			Help: "Total number of events delivered to subscriptions",
		}, []string{"subscription"}),

		subscriptionPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eventcore_subscription_checkpoint",
			Help: "Global position of the last event delivered to a subscription",
		}, []string{"subscription"}),
	}

	reg.MustRegister(
		m.operationDuration,
		m.operationErrors,
		m.eventsAppended,
		m.eventsRead,
		m.concurrencyConflicts,
		m.eventsDelivered,
		m.subscriptionPosition,
	)

	return m
}

func (m *StoreMetrics) observe(op string, start time.Time, err error) {
	m.operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
	case errors.Is(err, eventcore.ErrConcurrencyConflict):
		m.concurrencyConflicts.Inc()
	default:
		m.operationErrors.WithLabelValues(op).Inc()
	}
}

var _ eventcore.EventStore = (*metricsStore)(nil)

type metricsStore struct {
	eventcore.EventStore
	m *StoreMetrics
}

// WithStoreMetrics decorates store so that every operation updates m.
func WithStoreMetrics(store eventcore.EventStore, m *StoreMetrics) eventcore.EventStore {
	return &metricsStore{EventStore: store, m: m}
}

func (s *metricsStore) Append(ctx context.Context, streamID string, expected eventcore.StreamState, events []eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	start := time.Now()
	result, err := s.EventStore.Append(ctx, streamID, expected, events, opts...)
	s.m.observe("append", start, err)
	if err == nil {
		for _, ev := range events {
			s.m.eventsAppended.WithLabelValues(ev.EventType()).Inc()
		}
	}
	return result, err
}

func (s *metricsStore) ReadStream(ctx context.Context, streamID string, from eventcore.Version) (*eventcore.Iterator[*eventcore.Envelope], error) {
	start := time.Now()
	iter, err := s.EventStore.ReadStream(ctx, streamID, from)
	if err != nil {
		s.m.observe("read_stream", start, err)
		return nil, err
	}
	return s.counted("read_stream", start, iter), nil
}

func (s *metricsStore) ReadAll(ctx context.Context, from uint64) (*eventcore.Iterator[*eventcore.Envelope], error) {
	start := time.Now()
	iter, err := s.EventStore.ReadAll(ctx, from)
	if err != nil {
		s.m.observe("read_all", start, err)
		return nil, err
	}
	return s.counted("read_all", start, iter), nil
}

// counted observes the duration once iter is exhausted.
func (s *metricsStore) counted(op string, start time.Time, iter *eventcore.Iterator[*eventcore.Envelope]) *eventcore.Iterator[*eventcore.Envelope] {
	read := s.m.eventsRead.WithLabelValues(op)
	done := false
	return eventcore.NewIteratorFunc(func(ctx context.Context) (*eventcore.Envelope, error) {
		if done {
			return nil, io.EOF
		}
		if iter.Next(ctx) {
			read.Inc()
			return iter.Value(), nil
		}
		done = true
		err := iter.Err()
		s.m.observe(op, start, err)
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	})
}

func (s *metricsStore) CurrentVersion(ctx context.Context, streamID string) (eventcore.Version, error) {
	start := time.Now()
	v, err := s.EventStore.CurrentVersion(ctx, streamID)
	s.m.observe("current_version", start, err)
	return v, err
}

func (s *metricsStore) Subscribe(ctx context.Context, opts ...eventcore.SubscribeOption) (eventcore.Subscription, error) {
	sub, err := s.EventStore.Subscribe(ctx, opts...)
	if err != nil {
		s.m.operationErrors.WithLabelValues("subscribe").Inc()
		return nil, err
	}
	return &metricsSubscription{
		Subscription: sub,
		delivered:    s.m.eventsDelivered.WithLabelValues(sub.Name()),
		position:     s.m.subscriptionPosition.WithLabelValues(sub.Name()),
	}, nil
}

type metricsSubscription struct {
	eventcore.Subscription
	delivered prometheus.Counter
	position  prometheus.Gauge
}

func (s *metricsSubscription) Recv(ctx context.Context) (*eventcore.Envelope, error) {
	env, err := s.Subscription.Recv(ctx)
	if err == nil {
		s.delivered.Inc()
		s.position.Set(float64(env.GlobalVersion))
	}
	return env, err
}

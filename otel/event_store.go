package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var _ eventcore.EventStore = (*TelemetryStore)(nil)

// TelemetryStore decorates an EventStore with spans and metrics. Appends
// carry the active trace context into the metadata of every event, so
// handlers downstream can link their spans to the command that caused them.
type TelemetryStore struct {
	next eventcore.EventStore
	cfg  config
}

// WithEventStoreTelemetry wraps next.
func WithEventStoreTelemetry(next eventcore.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig("EventStore", options)}
}

// Append with metrics + span
func (t *TelemetryStore) Append(ctx context.Context, streamID string, expected eventcore.StreamState, events []eventcore.Event, opts ...eventcore.AppendOption) (eventcore.AppendResult, error) {
	ctx, span := t.cfg.Tracer.Start(ctx, t.cfg.Operation+".Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append"),
			AttrStreamID.String(streamID),
			AttrExpectedVersion.String(fmt.Sprint(expected)),
			AttrEventCount.Int(len(events)),
		)...),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	t.cfg.Propagator.Inject(ctx, carrier)
	if len(carrier) > 0 {
		md := make(map[string]any, len(carrier))
		for key, value := range carrier {
			md[key] = value
		}
		// caller supplied options win over the injected trace context
		opts = append([]eventcore.AppendOption{eventcore.WithMetadata(md)}, opts...)
	}

	start := time.Now()
	result, err := t.next.Append(ctx, streamID, expected, events, opts...)
	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("append")),
	)

	if err != nil {
		if errors.Is(err, eventcore.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1)
			span.AddEvent("concurrency_conflict", trace.WithAttributes(AttrStreamID.String(streamID)))
		} else {
			EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append")))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	EventsAppended.Add(ctx, int64(len(events)))
	StreamVersionGauge.Record(ctx, int64(result.NextExpectedVersion), metric.WithAttributes(AttrStreamID.String(streamID)))
	span.SetAttributes(
		AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
		AttrEventGlobalPos.Int64(int64(result.GlobalVersion)),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// ReadStream with inline tracing middleware
func (t *TelemetryStore) ReadStream(ctx context.Context, streamID string, from eventcore.Version) (*eventcore.Iterator[*eventcore.Envelope], error) {
	spanCtx, span := t.cfg.Tracer.Start(ctx, t.cfg.Operation+".ReadStream",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("read_stream"),
			AttrStreamID.String(streamID),
			AttrEventStreamPos.Int64(int64(from)),
		)...),
	)
	iter, err := t.next.ReadStream(spanCtx, streamID, from)
	return t.traced(spanCtx, span, "read_stream", iter, err)
}

// ReadAll with inline tracing middleware
func (t *TelemetryStore) ReadAll(ctx context.Context, from uint64) (*eventcore.Iterator[*eventcore.Envelope], error) {
	spanCtx, span := t.cfg.Tracer.Start(ctx, t.cfg.Operation+".ReadAll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("read_all"),
			AttrEventGlobalPos.Int64(int64(from)),
		)...),
	)
	iter, err := t.next.ReadAll(spanCtx, from)
	return t.traced(spanCtx, span, "read_all", iter, err)
}

// traced ends span once iter is exhausted or fails.
func (t *TelemetryStore) traced(ctx context.Context, span trace.Span, op string, iter *eventcore.Iterator[*eventcore.Envelope], err error) (*eventcore.Iterator[*eventcore.Envelope], error) {
	opAttr := metric.WithAttributes(AttrOperation.String(op))
	if err != nil {
		EventStoreErrors.Add(ctx, 1, opAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	startedAt := time.Now()
	var count int64
	done := false

	return eventcore.NewIteratorFunc(func(ctx context.Context) (*eventcore.Envelope, error) {
		if done {
			return nil, io.EOF
		}
		if !iter.Next(ctx) {
			done = true
			span.SetAttributes(AttrEventCount.Int64(count))
			EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), opAttr)
			defer span.End()

			if err := iter.Err(); err != nil {
				EventStoreErrors.Add(ctx, 1, opAttr)
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetStatus(codes.Ok, "")
			return nil, io.EOF
		}
		count++
		EventsLoaded.Add(ctx, 1, opAttr)
		return iter.Value(), nil
	}), nil
}

func (t *TelemetryStore) CurrentVersion(ctx context.Context, streamID string) (eventcore.Version, error) {
	ctx, span := t.cfg.Tracer.Start(ctx, t.cfg.Operation+".CurrentVersion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("current_version"),
			AttrStreamID.String(streamID),
		)...),
	)
	defer span.End()

	v, err := t.next.CurrentVersion(ctx, streamID)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("current_version")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return v, err
	}
	span.SetAttributes(AttrStreamVersion.Int64(int64(v)))
	return v, nil
}

// Subscribe counts the events every subscription delivers.
func (t *TelemetryStore) Subscribe(ctx context.Context, opts ...eventcore.SubscribeOption) (eventcore.Subscription, error) {
	sub, err := t.next.Subscribe(ctx, opts...)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("subscribe")))
		return nil, err
	}
	return &countingSubscription{
		Subscription: sub,
		attrs:        metric.WithAttributes(AttrSubscriptionName.String(sub.Name())),
	}, nil
}

// Close just forwards
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

type countingSubscription struct {
	eventcore.Subscription
	attrs metric.MeasurementOption
}

func (s *countingSubscription) Recv(ctx context.Context) (*eventcore.Envelope, error) {
	env, err := s.Subscription.Recv(ctx)
	if err == nil {
		EventsDelivered.Add(ctx, 1, s.attrs)
	}
	return env, err
}

// LinkFromMetadata returns a span link to the trace that appended the event,
// or false when md carries no trace context.
func LinkFromMetadata(md map[string]any, p propagation.TextMapPropagator) (trace.Link, bool) {
	carrier := propagation.MapCarrier{}
	for key, value := range md {
		if s, ok := value.(string); ok {
			carrier[key] = s
		}
	}
	sc := trace.SpanContextFromContext(p.Extract(context.Background(), carrier))
	if !sc.IsValid() {
		return trace.Link{}, false
	}
	return trace.Link{SpanContext: sc, Attributes: []attribute.KeyValue{AttrOperation.String("append")}}, true
}

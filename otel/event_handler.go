package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraskye/eventcore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithEventHandlerTelemetry wraps an EventHandler with a span per event. The span
// is linked to the trace stored in the event metadata by TelemetryStore.
// Skipped events are not errors.
func WithEventHandlerTelemetry(name string, next eventcore.EventHandler, options ...Option) eventcore.EventHandler {
	cfg := newConfig(name, options)

	return eventcore.NewEventHandlerFunc(func(ctx context.Context, event eventcore.Event) error {
		attr := cfg.attributes(ctx,
			AttrHandlerName.String(cfg.Operation),
			AttrEventType.String(event.EventType()),
			AttrEventID.String(eventcore.EventIDFromContext(ctx).String()),
			AttrEventGlobalPos.Int64(int64(eventcore.GlobalVersionFromContext(ctx))),
			AttrEventStreamPos.Int64(int64(eventcore.VersionFromContext(ctx))),
			AttrStreamID.String(eventcore.StreamIDFromContext(ctx)),
		)

		startOpts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attr...),
		}
		if link, ok := LinkFromMetadata(eventcore.MetadataFromContext(ctx), cfg.Propagator); ok {
			startOpts = append(startOpts, trace.WithLinks(link))
		}

		ctx, span := cfg.Tracer.Start(ctx, fmt.Sprintf("events.handle %s", event.EventType()), startOpts...)
		defer span.End()

		metricAttrs := metric.WithAttributes(
			AttrHandlerName.String(cfg.Operation),
			AttrEventType.String(event.EventType()),
		)

		startTime := time.Now()
		err := next.Handle(ctx, event)
		HandlerDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metricAttrs)

		var skipped eventcore.ErrSkippedEvent
		switch {
		case err == nil:
			EventsHandled.Add(ctx, 1, metricAttrs)
			span.SetStatus(codes.Ok, "")
		case errors.As(err, &skipped):
			span.SetAttributes(attribute.Bool("eventcore.event.skipped", true))
			span.SetStatus(codes.Ok, "event skipped")
		default:
			HandlerErrors.Add(ctx, 1, metricAttrs)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		return err
	})
}

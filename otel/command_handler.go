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

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// Every command gets an internal span named after the command type. The
// span carries the aggregate id and, once the handler returns, the stream and
// the version it reached.
//
// Metrics recorded:
//   - CommandsInFlight: incremented for the duration of the call.
//   - CommandsDuration: handling time in milliseconds.
//   - CommandsHandled / CommandsFailed: outcome counters.
//   - ConcurrencyConflicts: conflicts that survived the handler's retries.
//
// A rejected command (ErrBusinessRuleViolation) leaves the span Ok: the
// system behaved correctly. Any other error marks the span as failed.
//
// Example Usage:
//
//	handler := WithCommandTelemetry(eventcore.NewCommandHandler(repo, fixtures.DecideAddItem))
//	result, err := handler(ctx, fixtures.AddItem{CartID: "cart-1", SKU: "sku-1", Quantity: 1})
func WithCommandTelemetry[C eventcore.Command](next eventcore.CommandHandler[C], options ...Option) eventcore.CommandHandler[C] {
	commandType := eventcore.TypeName((*C)(nil))
	cfg := newConfig(commandType, options)
	typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

	return func(ctx context.Context, cmd C) (eventcore.AppendResult, error) {
		attr := cfg.attributes(ctx,
			AttrCommandType.String(commandType),
			AttrAggregateID.String(cmd.AggregateID()),
		)

		ctx, span := cfg.Tracer.Start(ctx, fmt.Sprintf("command.handle %s", commandType),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attr...),
		)
		defer span.End()

		CommandsInFlight.Add(ctx, 1, typeAttr)
		defer CommandsInFlight.Add(ctx, -1, typeAttr)

		startTime := time.Now()
		result, err := next(ctx, cmd)
		CommandsDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), typeAttr)

		span.SetAttributes(
			AttrStreamID.String(result.StreamID),
			AttrStreamVersion.Int64(int64(result.NextExpectedVersion)),
		)

		if err == nil {
			span.SetStatus(codes.Ok, "")
			CommandsHandled.Add(ctx, 1, typeAttr)
			return result, nil
		}

		CommandsFailed.Add(ctx, 1, typeAttr)

		if errors.Is(err, eventcore.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1, typeAttr)
			span.AddEvent("concurrency_conflict", trace.WithAttributes(
				AttrAggregateID.String(cmd.AggregateID()),
			))
		}

		if errors.Is(err, eventcore.ErrBusinessRuleViolation) {
			span.SetStatus(codes.Ok, fmt.Sprintf("business rule violation: %v", err))
			span.AddEvent("business_rule_violation", trace.WithAttributes(
				attribute.String("reason", err.Error()),
			))
			return result, err
		}

		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return result, err
	}
}

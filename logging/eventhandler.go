package logging

import (
	"context"
	"errors"
	"log/slog"

	cqrs "github.com/terraskye/eventcore"
)

// WithLoggingMiddleware logs every event passed to next together with its
// envelope. Skipped events are logged at debug level.
func WithLoggingMiddleware(logger *slog.Logger, next cqrs.EventHandler) cqrs.EventHandler {
	return cqrs.NewEventHandlerFunc(func(ctx context.Context, event cqrs.Event) error {
		l := logger.With(
			slog.String("event_type", event.EventType()),
			slog.String("stream_id", cqrs.StreamIDFromContext(ctx)),
			slog.String("causation", cqrs.CausationFromContext(ctx)),
			cqrs.VersionFromContext(ctx).SlogAttr(),
			slog.Uint64("global_version", cqrs.GlobalVersionFromContext(ctx)),
		)

		l.DebugContext(ctx, "event processing started")

		err := next.Handle(ctx, event)

		var skipped cqrs.ErrSkippedEvent
		switch {
		case err == nil:
			l.DebugContext(ctx, "event processed successfully")
		case errors.As(err, &skipped):
			l.DebugContext(ctx, "event skipped")
		default:
			l.ErrorContext(ctx, "error processing event", "error", err)
		}

		return err
	})
}

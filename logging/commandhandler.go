package logging

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/eventcore"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and aggregate ID before execution, the resulting
// stream version on success, and the error if the command fails. Rejected
// commands are logged as warnings.
func WithCommandLogging[C eventcore.Command](logger *logrus.Entry, next eventcore.CommandHandler[C]) eventcore.CommandHandler[C] {
	return func(ctx context.Context, command C) (eventcore.AppendResult, error) {
		l := logger.WithFields(logrus.Fields{
			"command":      eventcore.TypeName(command),
			"aggregate_id": command.AggregateID(),
		})
		l.Info("Dispatch")

		result, err := next(ctx, command)
		switch {
		case err == nil:
			l.WithFields(logrus.Fields{
				"stream_id": result.StreamID,
				"version":   uint64(result.NextExpectedVersion),
			}).Debug("Dispatch succeeded")
		case errors.Is(err, eventcore.ErrBusinessRuleViolation):
			l.WithError(err).Warn("Dispatch rejected")
		default:
			l.WithError(err).Error("Dispatch failed")
		}

		return result, err
	}
}

package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cqrs "github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/eventstore/memory"
	"github.com/terraskye/eventcore/fixtures"
	"github.com/terraskye/eventcore/logging"
)

func TestWithLoggingMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		handler cqrs.EventHandler
		level   string
		msg     string
	}{
		{
			name:    "processed",
			handler: fixtures.NewEventHandlerSpy(),
			level:   "DEBUG",
			msg:     "event processed successfully",
		},
		{
			name:    "skipped",
			handler: cqrs.OnEvent(func(ctx context.Context, ev fixtures.ItemAdded) error { return nil }),
			level:   "DEBUG",
			msg:     "event skipped",
		},
		{
			name:    "failed",
			handler: fixtures.NewEventHandlerSpy().FailOnHandle(assert.AnError),
			level:   "ERROR",
			msg:     "error processing event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			env := fixtures.Envelopes("cart-1", fixtures.CartCreated{CartID: "cart-1"})[0]
			ctx := cqrs.WithEnvelope(t.Context(), env)
			_ = logging.WithLoggingMiddleware(logger, tt.handler).Handle(ctx, env.Event)

			lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
			require.Len(t, lines, 2)

			var last map[string]any
			require.NoError(t, json.Unmarshal(lines[1], &last))
			assert.Equal(t, tt.level, last["level"])
			assert.Equal(t, tt.msg, last["msg"])
			assert.Equal(t, "cart-1", last["stream_id"])
			assert.Equal(t, "CartCreated", last["event_type"])
			assert.Equal(t, float64(1), last["global_version"])
			assert.Equal(t, float64(1), last["version"])
		})
	}
}

func TestWithCommandLogging(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()
	repo := cqrs.NewRepository(store, fixtures.CartAggregate)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	handler := logging.WithCommandLogging(logrus.NewEntry(logger), cqrs.NewCommandHandler(repo, fixtures.DecideCreateCart))

	ctx := t.Context()
	_, err := handler(ctx, fixtures.CreateCart{CartID: "cart-1", CustomerID: "c-1"})
	require.NoError(t, err)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "Dispatch succeeded", hook.LastEntry().Message)
	assert.Equal(t, "cart-1", hook.LastEntry().Data["aggregate_id"])
	assert.Equal(t, "cart-1", hook.LastEntry().Data["stream_id"])

	hook.Reset()
	_, err = handler(ctx, fixtures.CreateCart{CartID: "cart-1", CustomerID: "c-1"})
	require.ErrorIs(t, err, fixtures.ErrCartExists)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "Dispatch rejected", hook.LastEntry().Message)
}

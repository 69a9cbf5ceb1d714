package cli

import (
	"context"
	"fmt"

	"github.com/terraskye/eventcore"
	"github.com/terraskye/eventcore/codec"
	"github.com/terraskye/eventcore/eventstore/memory"
	"github.com/terraskye/eventcore/eventstore/postgres"
	"github.com/terraskye/eventcore/eventstore/sqlite"
	"github.com/terraskye/eventcore/otel"
	"github.com/terraskye/eventcore/projection"
)

// openedStore is the configured store plus the checkpoint store that lives
// next to it.
type openedStore struct {
	eventcore.EventStore
	checkpoints projection.CheckpointStore
}

// openStore opens the backend selected by store.driver. Event types are not
// known to eventctl, so payloads are kept as codec.RawEvent. With follow set,
// subscriptions also receive what other processes append.
func openStore(ctx context.Context, opts *RootOptions, follow bool) (*openedStore, error) {
	cfg := opts.Config
	events := codec.NewJSON(eventcore.NewRegistry(), codec.WithRawFallback())
	bp := cfg.Bus.Backpressure()

	sqliteOpts := []sqlite.Option{sqlite.WithCodec(events), sqlite.WithBackpressure(bp), sqlite.WithLogger(opts.Logger)}
	postgresOpts := []postgres.Option{postgres.WithCodec(events), postgres.WithBackpressure(bp), postgres.WithLogger(opts.Logger)}
	if follow {
		sqliteOpts = append(sqliteOpts, sqlite.WithFollow(cfg.Bus.Follow))
		postgresOpts = append(postgresOpts, postgres.WithFollow(cfg.Bus.Follow))
	}

	var out openedStore
	switch cfg.Store.Driver {
	case "memory":
		out.EventStore = memory.NewMemoryStore(memory.WithBackpressure(bp), memory.WithLogger(opts.Logger))
		out.checkpoints = projection.NewMemoryCheckpointStore()
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Store.DSN, sqliteOpts...)
		if err != nil {
			return nil, err
		}
		out.EventStore = s
		out.checkpoints = s.Checkpoints()
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Store.DSN, postgresOpts...)
		if err != nil {
			return nil, err
		}
		out.EventStore = s
		out.checkpoints = s.Checkpoints()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Telemetry.Enabled {
		out.EventStore = otel.WithEventStoreTelemetry(out.EventStore)
	}
	return &out, nil
}

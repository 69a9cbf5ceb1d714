package eventcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Repository loads and saves aggregate roots of one kind through an
// EventStore.
type Repository[S any, E Event] struct {
	store      EventStore
	aggregate  Aggregate[S, E]
	logger     *slog.Logger
	snapshots  SnapshotStore
	every      Version
	appendOpts []AppendOption
}

type repositoryConfig struct {
	logger     *slog.Logger
	snapshots  SnapshotStore
	every      Version
	appendOpts []AppendOption
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(cfg *repositoryConfig) {
		cfg.logger = logger
	}
}

// WithSnapshots stores a snapshot of the state every `every` versions and
// starts loads from the latest one. State must round-trip through
// encoding/json.
func WithSnapshots(store SnapshotStore, every Version) RepositoryOption {
	return func(cfg *repositoryConfig) {
		cfg.snapshots = store
		cfg.every = every
	}
}

// WithAppendOptions adds options to every append made by Save.
func WithAppendOptions(opts ...AppendOption) RepositoryOption {
	return func(cfg *repositoryConfig) {
		cfg.appendOpts = append(cfg.appendOpts, opts...)
	}
}

func NewRepository[S any, E Event](store EventStore, aggregate Aggregate[S, E], opts ...RepositoryOption) *Repository[S, E] {
	cfg := repositoryConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.every == 0 {
		cfg.snapshots = nil
	}
	return &Repository[S, E]{
		store:      store,
		aggregate:  aggregate,
		logger:     cfg.logger.With(slog.String("component", "repository")),
		snapshots:  cfg.snapshots,
		every:      cfg.every,
		appendOpts: cfg.appendOpts,
	}
}

// Get loads the root of streamID. A stream without events is a new entity at
// version 0, not an error.
func (r *Repository[S, E]) Get(ctx context.Context, streamID string) (*Root[S, E], error) {
	if r.snapshots == nil {
		return Load(ctx, r.aggregate, r.store, streamID)
	}

	root := NewRoot(r.aggregate, streamID)
	snap, ok, err := r.snapshots.Load(ctx, streamID)
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot load failed, replaying stream",
			slog.String("stream_id", streamID), slog.Any("error", err))
		ok = false
	}
	if ok {
		state := r.aggregate.InitialState()
		if err := json.Unmarshal(snap.State, &state); err != nil {
			r.logger.WarnContext(ctx, "snapshot decode failed, replaying stream",
				slog.String("stream_id", streamID), slog.Any("error", err))
		} else {
			root.state, root.version = state, snap.Version
		}
	}

	if err := root.replay(ctx, r.store, root.version); err != nil {
		return nil, err
	}
	return root, nil
}

// GetExisting is Get for callers that treat a never-written stream as
// missing. It returns ErrStreamNotFound for version 0.
func (r *Repository[S, E]) GetExisting(ctx context.Context, streamID string) (*Root[S, E], error) {
	root, err := r.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if root.Version() == 0 {
		return nil, fmt.Errorf("get %q: %w", streamID, ErrStreamNotFound)
	}
	return root, nil
}

// Save appends the pending events of root, expecting the stream to still be
// at the version root observed. Without pending events it does nothing.
//
// On success the root's version advances and it can record again. On failure
// the pending events are kept so the caller can inspect them; a conflict is
// never retried here.
func (r *Repository[S, E]) Save(ctx context.Context, root *Root[S, E], opts ...AppendOption) (AppendResult, error) {
	if !root.HasPending() {
		return AppendResult{Successful: true, StreamID: root.StreamID(), NextExpectedVersion: root.Version()}, nil
	}

	observed, pending := root.Commit()
	events := make([]Event, len(pending))
	for i, ev := range pending {
		events[i] = ev
	}

	appendOpts := append(append([]AppendOption{}, r.appendOpts...), opts...)
	if id := CausationFromContext(ctx); id != "" {
		appendOpts = append(appendOpts, WithCausationID(id))
	}

	result, err := r.store.Append(ctx, root.StreamID(), Revision(observed), events, appendOpts...)
	if err != nil {
		root.restore(pending)
		r.logger.DebugContext(ctx, "save failed",
			slog.String("stream_id", root.StreamID()),
			observed.SlogAttrWithKey("expected_version"),
			slog.Int("events", len(pending)),
			slog.Any("error", err))
		return result, fmt.Errorf("save stream %q at version %d: %w", root.StreamID(), observed, err)
	}

	root.advance(len(pending))
	r.maybeSnapshot(ctx, root, observed)
	return result, nil
}

func (r *Repository[S, E]) maybeSnapshot(ctx context.Context, root *Root[S, E], before Version) {
	if r.snapshots == nil || before/r.every == root.Version()/r.every {
		return
	}
	state, err := json.Marshal(root.State())
	if err == nil {
		err = r.snapshots.Save(ctx, Snapshot{StreamID: root.StreamID(), Version: root.Version(), State: state})
	}
	if err != nil {
		r.logger.WarnContext(ctx, "snapshot save failed",
			slog.String("stream_id", root.StreamID()),
			root.Version().SlogAttr(),
			slog.Any("error", err))
	}
}

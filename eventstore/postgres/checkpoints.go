package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	cqrs "github.com/terraskye/eventcore"
)

// CheckpointStore keeps subscription checkpoints in the checkpoints table.
type CheckpointStore struct {
	s *Store
}

func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

// Load returns the checkpoint of name, 0 when none was saved.
func (c *CheckpointStore) Load(ctx context.Context, name string) (uint64, error) {
	var pos int64
	err := c.s.pool.QueryRow(ctx, `SELECT position FROM checkpoints WHERE name = $1`, name).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("load checkpoint", name, 0, err)
	}
	return uint64(pos), nil
}

func (c *CheckpointStore) Save(ctx context.Context, name string, position uint64) error {
	_, err := c.s.pool.Exec(ctx, `
INSERT INTO checkpoints(name, position, updated_at) VALUES($1, $2, now())
ON CONFLICT(name) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		name, int64(position))
	if err != nil {
		return wrap("save checkpoint", name, 0, err)
	}
	return nil
}

// SnapshotStore keeps aggregate snapshots in the snapshots table.
type SnapshotStore struct {
	s *Store
}

func (s *Store) Snapshots() *SnapshotStore {
	return &SnapshotStore{s: s}
}

func (ss *SnapshotStore) Load(ctx context.Context, streamID string) (cqrs.Snapshot, bool, error) {
	var (
		version int64
		state   []byte
	)
	err := ss.s.pool.QueryRow(ctx, `SELECT version, state FROM snapshots WHERE stream_id = $1`, streamID).Scan(&version, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return cqrs.Snapshot{}, false, nil
	}
	if err != nil {
		return cqrs.Snapshot{}, false, wrap("load snapshot", streamID, 0, err)
	}
	return cqrs.Snapshot{StreamID: streamID, Version: cqrs.Version(version), State: state}, true, nil
}

// Save keeps snap unless a newer snapshot of the stream is already stored.
func (ss *SnapshotStore) Save(ctx context.Context, snap cqrs.Snapshot) error {
	_, err := ss.s.pool.Exec(ctx, `
INSERT INTO snapshots(stream_id, version, state) VALUES($1, $2, $3)
ON CONFLICT(stream_id) DO UPDATE SET version = excluded.version, state = excluded.state
WHERE excluded.version > snapshots.version`,
		snap.StreamID, int64(snap.Version), snap.State)
	if err != nil {
		return wrap("save snapshot", snap.StreamID, snap.Version, err)
	}
	return nil
}

var _ cqrs.SnapshotStore = (*SnapshotStore)(nil)

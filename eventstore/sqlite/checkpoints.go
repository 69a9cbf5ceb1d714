package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	cqrs "github.com/terraskye/eventcore"
)

// CheckpointStore keeps subscription checkpoints next to the events, so a
// projection writing to the same database can commit both together.
type CheckpointStore struct {
	s *Store
}

// Checkpoints returns the checkpoint store of s.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

// Load returns the checkpoint of name, 0 when none was saved.
func (c *CheckpointStore) Load(ctx context.Context, name string) (uint64, error) {
	var pos uint64
	err := c.s.db.QueryRowContext(ctx, `SELECT position FROM checkpoints WHERE name = ?`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, c.s.wrap("load checkpoint", name, 0, err)
	}
	return pos, nil
}

func (c *CheckpointStore) Save(ctx context.Context, name string, position uint64) error {
	_, err := c.s.db.ExecContext(ctx, `
INSERT INTO checkpoints(name, position, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET position=excluded.position, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		name, int64(position), time.Now().UTC().UnixNano())
	if err != nil {
		return c.s.wrap("save checkpoint", name, 0, err)
	}
	return nil
}

// SnapshotStore keeps aggregate snapshots in the snapshots table.
type SnapshotStore struct {
	s *Store
}

// Snapshots returns the snapshot store of s.
func (s *Store) Snapshots() *SnapshotStore {
	return &SnapshotStore{s: s}
}

func (ss *SnapshotStore) Load(ctx context.Context, streamID string) (cqrs.Snapshot, bool, error) {
	snap := cqrs.Snapshot{StreamID: streamID}
	err := ss.s.db.QueryRowContext(ctx, `SELECT version, state FROM snapshots WHERE stream_id = ?`, streamID).
		Scan(&snap.Version, &snap.State)
	if errors.Is(err, sql.ErrNoRows) {
		return cqrs.Snapshot{}, false, nil
	}
	if err != nil {
		return cqrs.Snapshot{}, false, ss.s.wrap("load snapshot", streamID, 0, err)
	}
	return snap, true, nil
}

// Save keeps snap unless a newer snapshot of the stream is already stored.
func (ss *SnapshotStore) Save(ctx context.Context, snap cqrs.Snapshot) error {
	_, err := ss.s.db.ExecContext(ctx, `
INSERT INTO snapshots(stream_id, version, state) VALUES(?, ?, ?)
ON CONFLICT(stream_id) DO UPDATE SET version=excluded.version, state=excluded.state
WHERE excluded.version > snapshots.version`,
		snap.StreamID, int64(snap.Version), snap.State)
	if err != nil {
		return ss.s.wrap("save snapshot", snap.StreamID, snap.Version, err)
	}
	return nil
}

var _ cqrs.SnapshotStore = (*SnapshotStore)(nil)

package eventcore

import (
	"context"
	"sync"
)

// Snapshot is the encoded state of a stream at a version.
type Snapshot struct {
	StreamID string
	Version  Version
	State    []byte
}

// SnapshotStore keeps the latest snapshot per stream. Snapshots are an
// optimization only: a missing snapshot means a full replay.
type SnapshotStore interface {
	// Load returns the latest snapshot of streamID; ok is false when there
	// is none.
	Load(ctx context.Context, streamID string) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, snap Snapshot) error
}

// MemorySnapshotStore is an in-process SnapshotStore.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]Snapshot)}
}

func (s *MemorySnapshotStore) Load(ctx context.Context, streamID string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamID]
	return snap, ok, nil
}

// Save keeps snap unless a newer snapshot of the stream is already stored.
func (s *MemorySnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snap.StreamID]; ok && cur.Version >= snap.Version {
		return nil
	}
	state := make([]byte, len(snap.State))
	copy(state, snap.State)
	snap.State = state
	s.snapshots[snap.StreamID] = snap
	return nil
}

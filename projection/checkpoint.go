package projection

import (
	"context"
	"sync"
)

// CheckpointStore persists the global position a named projection has
// processed up to. Load returns 0 for an unknown name.
type CheckpointStore interface {
	Load(ctx context.Context, name string) (uint64, error)
	Save(ctx context.Context, name string, position uint64) error
}

// MemoryCheckpointStore keeps checkpoints in a map.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]uint64
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]uint64)}
}

func (m *MemoryCheckpointStore) Load(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[name], nil
}

func (m *MemoryCheckpointStore) Save(ctx context.Context, name string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[name] = position
	return nil
}

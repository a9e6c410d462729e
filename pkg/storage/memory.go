package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/herd/pkg/types"
)

// MemoryStateStore keeps unit state in memory, used by tests and dry runs
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[types.PeerID]*types.ClusterState
	status map[types.PeerID]types.UnitStatus
}

// NewMemoryStateStore creates an empty in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[types.PeerID]*types.ClusterState),
		status: make(map[types.PeerID]types.UnitStatus),
	}
}

func (m *MemoryStateStore) LoadState(_ context.Context, unit types.PeerID) (*types.ClusterState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[unit]
	if !ok {
		return nil, fmt.Errorf("state for %s: %w", unit, ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStateStore) SaveState(_ context.Context, unit types.PeerID, state *types.ClusterState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[unit] = state.Clone()
	return nil
}

func (m *MemoryStateStore) LoadStatus(_ context.Context, unit types.PeerID) (types.UnitStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.status[unit]
	if !ok {
		return types.UnitStatus{}, fmt.Errorf("status for %s: %w", unit, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStateStore) SaveStatus(_ context.Context, unit types.PeerID, status types.UnitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status[unit] = status
	return nil
}

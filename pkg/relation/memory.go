package relation

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/herd/pkg/types"
)

// MemoryStore is an in-process Store. Every unit sharing the same MemoryStore
// sees writes immediately.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]map[Scope]map[string]string
	units map[string]map[types.PeerID]bool
}

// NewMemoryStore creates an empty in-memory relation store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]map[Scope]map[string]string),
		units: make(map[string]map[types.PeerID]bool),
	}
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, relation string, scope Scope, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[relation][scope][key]
	return v, ok, nil
}

// Set implements Store
func (m *MemoryStore) Set(_ context.Context, relation string, scope Scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data[relation] == nil {
		m.data[relation] = make(map[Scope]map[string]string)
	}
	if m.data[relation][scope] == nil {
		m.data[relation][scope] = make(map[string]string)
	}
	m.data[relation][scope][key] = value
	return nil
}

// ListUnits implements Store
func (m *MemoryStore) ListUnits(_ context.Context, relation string) ([]types.PeerID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	units := make([]types.PeerID, 0, len(m.units[relation]))
	for u := range m.units[relation] {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units, nil
}

// ListRelations returns every relation that has members or data
func (m *MemoryStore) ListRelations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for r := range m.data {
		seen[r] = true
	}
	for r, units := range m.units {
		if len(units) > 0 {
			seen[r] = true
		}
	}

	relations := make([]string, 0, len(seen))
	for r := range seen {
		relations = append(relations, r)
	}
	sort.Strings(relations)
	return relations, nil
}

// AddUnit records unit as a participant of relation
func (m *MemoryStore) AddUnit(relation string, unit types.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.units[relation] == nil {
		m.units[relation] = make(map[types.PeerID]bool)
	}
	m.units[relation][unit] = true
}

// RemoveUnit drops unit from relation membership and discards its unit data
func (m *MemoryStore) RemoveUnit(relation string, unit types.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.units[relation], unit)
	delete(m.data[relation], UnitScope(unit))
}

// DropRelation forgets relation, its members and all of its data
func (m *MemoryStore) DropRelation(relation string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.units, relation)
	delete(m.data, relation)
}

package storage

import (
	"context"
	"errors"

	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/types"
)

// ErrNotFound is returned when no record exists for a key
var ErrNotFound = errors.New("not found")

// StateStore persists per-unit state across event invocations
type StateStore interface {
	// Unit state
	LoadState(ctx context.Context, unit types.PeerID) (*types.ClusterState, error)
	SaveState(ctx context.Context, unit types.PeerID, state *types.ClusterState) error

	// Last reported unit status
	LoadStatus(ctx context.Context, unit types.PeerID) (types.UnitStatus, error)
	SaveStatus(ctx context.Context, unit types.PeerID, status types.UnitStatus) error
}

// Store defines the interface for local herd storage.
// It holds the unit state and, in standalone mode, the relation data.
type Store interface {
	StateStore
	relation.Catalog

	// Relation membership
	AddUnit(ctx context.Context, relation string, unit types.PeerID) error
	RemoveUnit(ctx context.Context, relation string, unit types.PeerID) error
	DropRelation(ctx context.Context, relation string) error

	// Utility
	Close() error
}

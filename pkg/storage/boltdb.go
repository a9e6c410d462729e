package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUnitState     = []byte("unit_state")
	bucketUnitStatus    = []byte("unit_status")
	bucketRelationData  = []byte("relation_data")
	bucketRelationUnits = []byte("relation_units")
)

const sep = "\x00"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "herd.db")

	// Hooks of the same unit never overlap, a short timeout surfaces a stuck holder
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUnitState,
			bucketUnitStatus,
			bucketRelationData,
			bucketRelationUnits,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Unit state operations
func (s *BoltStore) LoadState(_ context.Context, unit types.PeerID) (*types.ClusterState, error) {
	var state types.ClusterState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnitState)
		data := b.Get([]byte(unit))
		if data == nil {
			return fmt.Errorf("state for %s: %w", unit, ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	if state.Hostnames == nil {
		state.Hostnames = make(map[types.PeerID]string)
	}
	return &state, nil
}

func (s *BoltStore) SaveState(_ context.Context, unit types.PeerID, state *types.ClusterState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnitState)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(unit), data)
	})
}

// Unit status operations
func (s *BoltStore) LoadStatus(_ context.Context, unit types.PeerID) (types.UnitStatus, error) {
	var status types.UnitStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnitStatus)
		data := b.Get([]byte(unit))
		if data == nil {
			return fmt.Errorf("status for %s: %w", unit, ErrNotFound)
		}
		return json.Unmarshal(data, &status)
	})
	return status, err
}

func (s *BoltStore) SaveStatus(_ context.Context, unit types.PeerID, status types.UnitStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnitStatus)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put([]byte(unit), data)
	})
}

// Relation data operations
func dataKey(rel string, scope relation.Scope, key string) []byte {
	return []byte(rel + sep + scope.String() + sep + key)
}

func (s *BoltStore) Get(_ context.Context, rel string, scope relation.Scope, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRelationData)
		data := b.Get(dataKey(rel, scope, key))
		if data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *BoltStore) Set(_ context.Context, rel string, scope relation.Scope, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRelationData)
		return b.Put(dataKey(rel, scope, key), []byte(value))
	})
}

// Relation membership operations
func (s *BoltStore) AddUnit(_ context.Context, rel string, unit types.PeerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRelationUnits)
		return b.Put([]byte(rel+sep+string(unit)), []byte{1})
	})
}

// RemoveUnit drops the unit from the relation and discards its unit data
func (s *BoltStore) RemoveUnit(_ context.Context, rel string, unit types.PeerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRelationUnits).Delete([]byte(rel + sep + string(unit))); err != nil {
			return err
		}

		prefix := []byte(rel + sep + relation.UnitScope(unit).String() + sep)
		data := tx.Bucket(bucketRelationData)
		var keys [][]byte
		c := data.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := data.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropRelation deletes the members and all data of a broken relation
func (s *BoltStore) DropRelation(_ context.Context, rel string) error {
	prefix := []byte(rel + sep)
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRelationUnits, bucketRelationData} {
			b := tx.Bucket(name)
			var keys [][]byte
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) ListUnits(_ context.Context, rel string) ([]types.PeerID, error) {
	var units []types.PeerID
	prefix := []byte(rel + sep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRelationUnits).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			units = append(units, types.PeerID(k[len(prefix):]))
		}
		return nil
	})
	return units, err
}

// ListRelations returns every relation that has members or data
func (s *BoltStore) ListRelations(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRelationUnits, bucketRelationData} {
			err := tx.Bucket(name).ForEach(func(k, _ []byte) error {
				if i := bytes.Index(k, []byte(sep)); i > 0 {
					seen[string(k[:i])] = true
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	relations := make([]string, 0, len(seen))
	for r := range seen {
		relations = append(relations, r)
	}
	sort.Strings(relations)
	return relations, err
}

package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/herd/pkg/types"
)

// EnvelopeKey is the single key under which herd stores its data in a scope
const EnvelopeKey = "herd"

// Scope addresses either an application's shared data or one unit's data
type Scope struct {
	App  string       `json:"app,omitempty"`
	Unit types.PeerID `json:"unit,omitempty"`
}

// AppScope returns the application-wide scope of app
func AppScope(app string) Scope {
	return Scope{App: app}
}

// UnitScope returns the scope owned by unit
func UnitScope(unit types.PeerID) Scope {
	return Scope{Unit: unit}
}

// IsApp reports whether the scope is application-wide
func (s Scope) IsApp() bool {
	return s.Unit == ""
}

func (s Scope) String() string {
	if s.IsApp() {
		return "app:" + s.App
	}
	return "unit:" + string(s.Unit)
}

// Store is the key-value relation transport shared between units.
// A unit observes its own writes immediately; peers observe them eventually.
type Store interface {
	// Get returns the value for key in scope, and false if unset
	Get(ctx context.Context, relation string, scope Scope, key string) (string, bool, error)
	// Set writes the value for key in scope
	Set(ctx context.Context, relation string, scope Scope, key, value string) error
	// ListUnits returns the units currently participating in the relation
	ListUnits(ctx context.Context, relation string) ([]types.PeerID, error)
}

// Catalog is a Store that can also enumerate the relations it holds
type Catalog interface {
	Store
	ListRelations(ctx context.Context) ([]string, error)
}

// Endpoint returns the endpoint name of a relation id of the form
// "<endpoint>:<number>"
func Endpoint(id string) string {
	endpoint, _, _ := strings.Cut(id, ":")
	return endpoint
}

// AppData is the application-scope envelope of a relation
type AppData struct {
	// Offers are keyed by the identity of the peer allowed to consume them
	Offers map[types.PeerID]types.JoinOffer `json:"offers,omitempty"`
	// RemoveNodes holds hostnames pending removal, treated as a set
	RemoveNodes []string `json:"remove_nodes,omitempty"`
}

// HasOffers reports whether any join offer was ever published
func (d *AppData) HasOffers() bool {
	return len(d.Offers) > 0
}

// Offer returns the offer addressed to unit. An entry whose embedded identity
// does not match its key is ignored.
func (d *AppData) Offer(unit types.PeerID) (types.JoinOffer, bool) {
	o, ok := d.Offers[unit]
	if !ok || o.URL == "" {
		return types.JoinOffer{}, false
	}
	if o.Unit != "" && o.Unit != unit {
		return types.JoinOffer{}, false
	}
	return o, true
}

// UnitData is the unit-scope envelope of a relation
type UnitData struct {
	Hostname     string `json:"hostname,omitempty"`
	JoinComplete bool   `json:"join_complete,omitempty"`
}

// ReadAppData reads and decodes the application envelope. A missing envelope
// yields an empty AppData.
func ReadAppData(ctx context.Context, s Store, relation, app string) (*AppData, error) {
	data := &AppData{}
	if err := read(ctx, s, relation, AppScope(app), data); err != nil {
		return nil, err
	}
	if data.Offers == nil {
		data.Offers = make(map[types.PeerID]types.JoinOffer)
	}
	return data, nil
}

// WriteAppData replaces the whole application envelope
func WriteAppData(ctx context.Context, s Store, relation, app string, data *AppData) error {
	sort.Strings(data.RemoveNodes)
	return write(ctx, s, relation, AppScope(app), data)
}

// ReadUnitData reads and decodes a unit envelope
func ReadUnitData(ctx context.Context, s Store, relation string, unit types.PeerID) (*UnitData, error) {
	data := &UnitData{}
	if err := read(ctx, s, relation, UnitScope(unit), data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteUnitData replaces the whole unit envelope
func WriteUnitData(ctx context.Context, s Store, relation string, unit types.PeerID, data *UnitData) error {
	return write(ctx, s, relation, UnitScope(unit), data)
}

func read(ctx context.Context, s Store, relation string, scope Scope, v any) error {
	raw, ok, err := s.Get(ctx, relation, scope, EnvelopeKey)
	if err != nil {
		return fmt.Errorf("failed to read %s data on %s: %w", scope, relation, err)
	}
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode %s data on %s: %w", scope, relation, err)
	}
	return nil
}

func write(ctx context.Context, s Store, relation string, scope Scope, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s data: %w", scope, err)
	}
	if err := s.Set(ctx, relation, scope, EnvelopeKey, string(raw)); err != nil {
		return fmt.Errorf("failed to write %s data on %s: %w", scope, relation, err)
	}
	return nil
}

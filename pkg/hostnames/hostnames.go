package hostnames

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// Directory maps peer identities to the hostnames they announced.
// Entries accumulate in ClusterState.Hostnames and are removed only by an
// explicit forget, so a departed peer's hostname outlives its relation data.
type Directory struct {
	store    relation.Store
	self     types.PeerID
	hostname string
	logger   zerolog.Logger
}

// NewDirectory creates a directory for the local unit
func NewDirectory(store relation.Store, self types.PeerID, hostname string) *Directory {
	return &Directory{
		store:    store,
		self:     self,
		hostname: hostname,
		logger:   log.WithComponent("hostnames"),
	}
}

// Announce publishes the local hostname in the unit's own scope on rel.
// Returns true when the relation data was written.
func (d *Directory) Announce(ctx context.Context, rel string) (bool, error) {
	if d.hostname == "" {
		return false, nil
	}

	data, err := relation.ReadUnitData(ctx, d.store, rel, d.self)
	if err != nil {
		return false, err
	}
	if data.Hostname == d.hostname {
		return false, nil
	}

	data.Hostname = d.hostname
	if err := relation.WriteUnitData(ctx, d.store, rel, d.self, data); err != nil {
		return false, fmt.Errorf("failed to announce hostname: %w", err)
	}

	d.logger.Info().
		Str("relation", rel).
		Str("hostname", d.hostname).
		Msg("Announced hostname")
	return true, nil
}

// Refresh records the hostnames announced by the other units on rel.
// Returns true when state changed.
func (d *Directory) Refresh(ctx context.Context, rel string, state *types.ClusterState) (bool, error) {
	units, err := d.store.ListUnits(ctx, rel)
	if err != nil {
		return false, fmt.Errorf("failed to list units on %s: %w", rel, err)
	}

	changed := false
	for _, unit := range units {
		if unit == d.self {
			continue
		}
		data, err := relation.ReadUnitData(ctx, d.store, rel, unit)
		if err != nil {
			// A peer with unreadable data is skipped, the others are still recorded
			d.logger.Warn().Err(err).Str("peer", string(unit)).Msg("Skipping peer hostname")
			continue
		}
		if data.Hostname == "" || state.Hostnames[unit] == data.Hostname {
			continue
		}
		if state.Hostnames == nil {
			state.Hostnames = make(map[types.PeerID]string)
		}
		state.Hostnames[unit] = data.Hostname
		changed = true

		d.logger.Debug().
			Str("peer", string(unit)).
			Str("hostname", data.Hostname).
			Msg("Recorded peer hostname")
	}
	return changed, nil
}

// Lookup returns the hostname known for peer
func Lookup(state *types.ClusterState, peer types.PeerID) (string, bool) {
	h, ok := state.Hostnames[peer]
	return h, ok && h != ""
}

// Forget drops the entry of peer. Returns true when an entry existed.
func Forget(state *types.ClusterState, peer types.PeerID) bool {
	if _, ok := state.Hostnames[peer]; !ok {
		return false
	}
	delete(state.Hostnames, peer)
	return true
}

// ForgetHostname drops every entry pointing at hostname
func ForgetHostname(state *types.ClusterState, hostname string) bool {
	changed := false
	for peer, h := range state.Hostnames {
		if h == hostname {
			delete(state.Hostnames, peer)
			changed = true
		}
	}
	return changed
}

package main

import (
	"context"
	"fmt"

	"github.com/cuemby/herd/pkg/agent"
	"github.com/cuemby/herd/pkg/config"
	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/hostconfig"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/membership"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/retry"
	"github.com/cuemby/herd/pkg/storage"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

// runtime is everything a command needs to act for the local unit
type runtime struct {
	cfg   *config.Config
	store storage.Store
}

// openRuntime loads the configuration named by --config, initializes
// logging and opens the local store
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store in %s: %w", cfg.DataDir, err)
	}
	return &runtime{cfg: cfg, store: store}, nil
}

func (rt *runtime) Close() error {
	return rt.store.Close()
}

// coordinator wires the membership coordinator to MicroK8s, with every
// agent call and host command routed through the configured retry policy
func (rt *runtime) coordinator(leader membership.Leadership) (*membership.Coordinator, error) {
	registries, err := rt.cfg.Registries()
	if err != nil {
		return nil, err
	}

	runner := agent.NewExecRunner()
	microk8s := agent.NewMicroK8s(agent.Options{
		Channel:     rt.cfg.Channel,
		SnapDataDir: rt.cfg.SnapDataDir,
		Runner:      runner,
	})
	executor := retry.NewExecutor(retry.Config{
		Attempts: rt.cfg.Retry.Attempts,
		Backoff:  rt.cfg.Retry.Backoff,
		Linear:   rt.cfg.Retry.Linear,
	})
	host := hostconfig.Options{
		SnapDataDir: rt.cfg.SnapDataDir,
		Runner:      runner,
		Retry:       executor,
	}

	return membership.NewCoordinator(membership.Options{
		Unit:     rt.cfg.UnitID(),
		Hostname: rt.cfg.Hostname,
		Ingress:  rt.cfg.Ingress(),
		Role:     rt.cfg.Role,
		Addons:   rt.cfg.Addons,
		Endpoints: membership.Endpoints{
			Peer:         rt.cfg.Relations.Peer,
			Provides:     rt.cfg.Relations.Provides,
			Cluster:      rt.cfg.Relations.Cluster,
			PeerRelation: rt.cfg.Relations.PeerID,
		},
		Proxy: hostconfig.ProxyConfig{
			HTTPProxy:  rt.cfg.Containerd.HTTPProxy,
			HTTPSProxy: rt.cfg.Containerd.HTTPSProxy,
			NoProxy:    rt.cfg.Containerd.NoProxy,
		},
		Registries:         registries,
		ExtraSANs:          rt.cfg.Certs.ExtraSANs,
		DisableCertReissue: rt.cfg.Certs.DisableReissue,
		DNS: hostconfig.DNSConfig{
			ClusterIP: rt.cfg.DNS.ClusterIP,
			Domain:    rt.cfg.DNS.Domain,
		},
		Corefile: rt.cfg.DNS.Corefile,
	}, membership.Deps{
		State:      rt.store,
		Relations:  rt.store,
		Agent:      agent.NewRetrying(microk8s, executor),
		Leadership: leader,
		Containerd: hostconfig.NewContainerd(rt.cfg.Containerd.EnvPath, host),
		Certs:      hostconfig.NewCerts(host),
		DNS:        hostconfig.NewDNS(host),
	}), nil
}

// hostTracker keeps local relation membership in step with the events the
// host runtime delivers, then hands the event to the coordinator. A joining
// unit and the local unit are listed before the event runs; a departing unit
// is gone, as is a broken relation. The local unit is a member of the peer
// relation from install.
type hostTracker struct {
	*membership.Coordinator
	store storage.Store
	unit  types.PeerID
	peer  string
}

func (rt *runtime) hostTracker(leader membership.Leadership) (*hostTracker, error) {
	coord, err := rt.coordinator(leader)
	if err != nil {
		return nil, err
	}
	return &hostTracker{Coordinator: coord, store: rt.store, unit: rt.cfg.UnitID(), peer: rt.cfg.Relations.PeerID}, nil
}

// Dispatch records the membership change carried by ev and dispatches it
func (h *hostTracker) Dispatch(ctx context.Context, ev *events.Event) error {
	if err := trackMembership(ctx, h.store, h.unit, h.peer, ev); err != nil {
		return err
	}
	return h.Coordinator.Dispatch(ctx, ev)
}

func trackMembership(ctx context.Context, store storage.Store, self types.PeerID, peer string, ev *events.Event) error {
	switch ev.Kind {
	case events.Install:
		if peer != "" {
			return store.AddUnit(ctx, peer, self)
		}
	case events.RelationJoined, events.RelationChanged:
		if err := store.AddUnit(ctx, ev.Relation, self); err != nil {
			return err
		}
		if ev.RemoteUnit != "" {
			return store.AddUnit(ctx, ev.Relation, ev.RemoteUnit)
		}
	case events.RelationDeparted:
		return store.RemoveUnit(ctx, ev.Relation, ev.DepartingUnit)
	case events.RelationBroken:
		return store.DropRelation(ctx, ev.Relation)
	}
	return nil
}

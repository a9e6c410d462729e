package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/addons"
	"github.com/cuemby/herd/pkg/agent"
	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/hostconfig"
	"github.com/cuemby/herd/pkg/hostnames"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/removal"
	"github.com/cuemby/herd/pkg/storage"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// ErrRoleChanged is reported when the configured role differs from the
// role recorded at deployment
var ErrRoleChanged = errors.New("role cannot change after deployment")

const retrySuffix = "failed, will retry"

// Endpoints names the relation endpoints the coordinator works with
type Endpoints struct {
	// Peer is shared by all units of the application
	Peer string
	// Provides is where control plane units offer joins to workers
	Provides string
	// Cluster is where worker units consume joins
	Cluster string
	// PeerRelation is the id of the peer relation, which exists from
	// install. It is used until a peer relation is listed.
	PeerRelation string
}

// Options is the static configuration of a coordinator
type Options struct {
	Unit     types.PeerID
	Hostname string
	// Ingress is the address composed into join URLs
	Ingress string
	// Role is the configured role, validated on every dispatch
	Role      string
	Addons    []string
	Endpoints Endpoints
	Proxy     hostconfig.ProxyConfig
	// Registries are the custom container registries of containerd
	Registries []hostconfig.Registry
	// ExtraSANs are added to the kube-apiserver certificate
	ExtraSANs []string
	// DisableCertReissue turns off certificate reissue once joined
	DisableCertReissue bool
	DNS                hostconfig.DNSConfig
	// Corefile replaces the CoreDNS configuration when set
	Corefile string
}

// Deps are the collaborators of a coordinator
type Deps struct {
	State      storage.StateStore
	Relations  relation.Catalog
	Agent      agent.ClusterAgent
	Leadership Leadership
	// The host configurators are optional; their steps are skipped when nil
	Containerd *hostconfig.Containerd
	Certs      *hostconfig.Certs
	DNS        *hostconfig.DNS
}

// Coordinator drives one unit toward membership in the cluster. Each call
// to Dispatch runs the ordered steps of the unit's role to completion.
type Coordinator struct {
	opts       Options
	state      storage.StateStore
	relations  relation.Catalog
	agent      agent.ClusterAgent
	leader     Leadership
	containerd *hostconfig.Containerd
	certs      *hostconfig.Certs
	dns        *hostconfig.DNS
	hostnames  *hostnames.Directory
	addons     *addons.Reconciler
	logger     zerolog.Logger
}

// NewCoordinator creates a coordinator for the local unit
func NewCoordinator(opts Options, deps Deps) *Coordinator {
	return &Coordinator{
		opts:       opts,
		state:      deps.State,
		relations:  deps.Relations,
		agent:      deps.Agent,
		leader:     deps.Leadership,
		containerd: deps.Containerd,
		certs:      deps.Certs,
		dns:        deps.DNS,
		hostnames:  hostnames.NewDirectory(deps.Relations, opts.Unit, opts.Hostname),
		addons:     addons.NewReconciler(deps.Agent),
		logger:     log.WithUnit(string(opts.Unit)),
	}
}

// run carries the facts of one dispatch through the steps
type run struct {
	ev    *events.Event
	state *types.ClusterState
	role  types.UnitRole
	// installed is set when this dispatch installed the cluster software
	installed bool
}

// Dispatch handles one event. Configuration errors block the unit and are
// not returned. A failing step stops the pipeline: its error is returned
// after the successful part of the state has been saved.
func (c *Coordinator) Dispatch(ctx context.Context, ev *events.Event) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.EventDuration, string(ev.Kind))
		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.EventsTotal.WithLabelValues(string(ev.Kind), result).Inc()
	}()

	logger := log.WithEvent(c.logger, ev.ID, string(ev.Kind))
	if ev.Relation != "" {
		logger = logger.With().Str("relation", ev.Relation).Logger()
	}
	logger.Debug().Msg("Dispatching event")

	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	role, err := types.ParseRole(c.opts.Role)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid role configured")
		return c.setStatus(ctx, types.Blocked(types.ErrInvalidRole.Error()))
	}

	previous, err := c.state.LoadState(ctx, c.opts.Unit)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		previous = nil
	case err != nil:
		return fmt.Errorf("failed to load state: %w", err)
	}

	var state *types.ClusterState
	if previous == nil {
		state = types.NewClusterState(role, c.opts.Hostname)
	} else {
		state = previous.Clone()
	}

	if state.Role != role {
		logger.Error().
			Str("recorded", string(state.Role)).
			Str("configured", string(role)).
			Msg("Role changed after deployment")
		return c.setStatus(ctx, types.Blocked(fmt.Sprintf("role cannot change from '%s' after deployment", state.Role)))
	}
	if state.Hostname != c.opts.Hostname && c.opts.Hostname != "" {
		state.Hostname = c.opts.Hostname
	}

	r := &run{ev: ev, state: state, role: role}

	var stepErr error
	for _, s := range behaviors(role) {
		if !s.handles(ev.Kind) {
			continue
		}
		if err := s.run(ctx, c, r); err != nil {
			logger.Error().Err(err).Str("step", s.name).Msg("Step failed")
			stepErr = fmt.Errorf("%s: %w", s.name, err)
			if err := c.setStatus(ctx, types.Maintenance(s.activity+" "+retrySuffix)); err != nil {
				logger.Warn().Err(err).Msg("Failed to save status")
			}
			break
		}
	}

	changed := previous == nil || !previous.Equal(state)
	if changed {
		if err := c.save(ctx, state); err != nil {
			return errors.Join(stepErr, err)
		}
		logger.Info().
			Bool("installed", state.Installed).
			Bool("joined", state.Joined).
			Bool("leaving", state.Leaving).
			Msg("State updated")
	}
	c.observe(state)

	if stepErr != nil {
		return stepErr
	}

	if c.needsStatus(ctx, ev.Kind, changed) {
		return c.setStatus(ctx, c.deriveStatus(ctx, r))
	}
	return nil
}

func (c *Coordinator) save(ctx context.Context, state *types.ClusterState) error {
	state.UpdatedAt = time.Now()
	if err := c.state.SaveState(ctx, c.opts.Unit, state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (c *Coordinator) observe(state *types.ClusterState) {
	metrics.UnitInstalled.Set(metrics.BoolGauge(state.Installed))
	metrics.UnitJoined.Set(metrics.BoolGauge(state.Joined))
	metrics.UnitLeader.Set(metrics.BoolGauge(c.leader.IsLeader()))
	metrics.AddonsEnabled.Set(float64(len(state.EnabledAddons)))
}

// needsStatus reports whether the status must be recomputed. Without a
// state change only update-status, or a status left stale by an earlier
// failure or block, triggers a node status query.
func (c *Coordinator) needsStatus(ctx context.Context, kind events.Kind, changed bool) bool {
	if changed || kind == events.UpdateStatus {
		return true
	}
	prev, err := c.state.LoadStatus(ctx, c.opts.Unit)
	if err != nil {
		return true
	}
	return prev.Kind == types.StatusBlocked ||
		prev.Kind == types.StatusUnknown ||
		strings.HasSuffix(prev.Message, retrySuffix)
}

// deriveStatus computes the externally visible status of a settled unit
func (c *Coordinator) deriveStatus(ctx context.Context, r *run) types.UnitStatus {
	s := r.state
	switch {
	case s.Leaving:
		return types.Maintenance("leaving cluster")
	case !s.Joined && s.JoinURL == "":
		return types.Waiting("waiting for control plane relation")
	case !s.Joined && !s.Installed:
		return types.Waiting("waiting for install")
	case !s.Joined:
		return types.Waiting("joining cluster")
	}

	node, err := c.agent.NodeStatus(ctx, s.Hostname)
	if err != nil {
		c.logger.Warn().Err(err).Str("hostname", s.Hostname).Msg("Could not retrieve node status")
		return types.Maintenance("waiting for node")
	}
	switch node.Condition {
	case types.NodeReady:
		return types.Active("node is ready")
	case types.NodeNotReady:
		c.logger.Warn().Str("hostname", s.Hostname).Str("reason", node.Reason).Msg("Node is not ready")
		return types.Waiting("node is not ready: " + node.Reason)
	default:
		return types.Maintenance("waiting for node")
	}
}

// setStatus records the unit status
func (c *Coordinator) setStatus(ctx context.Context, status types.UnitStatus) error {
	prev, err := c.state.LoadStatus(ctx, c.opts.Unit)
	if err == nil && prev == status {
		return nil
	}
	if err := c.state.SaveStatus(ctx, c.opts.Unit, status); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	c.logger.Info().Str("status", status.String()).Msg("Unit status changed")
	return nil
}

// progress reports an operation in flight
func (c *Coordinator) progress(ctx context.Context, activity string) {
	if err := c.setStatus(ctx, types.Maintenance(activity)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to save status")
	}
}

// relationsOf returns the relations a step works on. For a relation event
// that is the event relation when its endpoint is one of endpoints; for
// any other event every known relation of those endpoints.
func (c *Coordinator) relationsOf(ctx context.Context, r *run, endpoints ...string) ([]string, error) {
	match := func(endpoint string) bool {
		for _, e := range endpoints {
			if e != "" && e == endpoint {
				return true
			}
		}
		return false
	}

	if r.ev.Kind.IsRelation() {
		endpoint := r.ev.Endpoint
		if endpoint == "" {
			endpoint = relation.Endpoint(r.ev.Relation)
		}
		if match(endpoint) {
			return []string{r.ev.Relation}, nil
		}
		return nil, nil
	}

	return c.relationsByEndpoint(ctx, endpoints...)
}

// relationsByEndpoint returns every known relation of endpoints
func (c *Coordinator) relationsByEndpoint(ctx context.Context, endpoints ...string) ([]string, error) {
	all, err := c.relations.ListRelations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	var out []string
	for _, rel := range all {
		endpoint := relation.Endpoint(rel)
		for _, e := range endpoints {
			if e != "" && e == endpoint {
				out = append(out, rel)
				break
			}
		}
	}
	return out, nil
}

// peerRelation returns the peer relation instance. Before any peer
// relation is listed the configured peer relation id is used.
func (c *Coordinator) peerRelation(ctx context.Context) (string, bool, error) {
	rels, err := c.relationsByEndpoint(ctx, c.opts.Endpoints.Peer)
	if err != nil {
		return "", false, err
	}
	if len(rels) > 0 {
		return rels[0], true, nil
	}
	if c.opts.Endpoints.PeerRelation != "" {
		return c.opts.Endpoints.PeerRelation, true, nil
	}
	return "", false, nil
}

// removalQueue returns the queue stored on the peer relation
func (c *Coordinator) removalQueue(ctx context.Context) (*removal.Queue, bool, error) {
	rel, ok, err := c.peerRelation(ctx)
	if err != nil || !ok {
		return nil, ok, err
	}
	return removal.NewQueue(c.relations, rel, c.opts.Unit.App()), true, nil
}

// remoteApp returns the application on the other side of rel
func (c *Coordinator) remoteApp(ctx context.Context, r *run, rel string) (string, error) {
	if relation.Endpoint(rel) == c.opts.Endpoints.Peer {
		return c.opts.Unit.App(), nil
	}
	if r.ev.Relation == rel && r.ev.RemoteApp != "" {
		return r.ev.RemoteApp, nil
	}
	units, err := c.relations.ListUnits(ctx, rel)
	if err != nil {
		return "", fmt.Errorf("failed to list units on %s: %w", rel, err)
	}
	for _, u := range units {
		if u.App() != c.opts.Unit.App() {
			return u.App(), nil
		}
	}
	return "", nil
}

// State returns the persisted state of the unit
func (c *Coordinator) State(ctx context.Context) (*types.ClusterState, error) {
	return c.state.LoadState(ctx, c.opts.Unit)
}

// Status returns the last recorded unit status
func (c *Coordinator) Status(ctx context.Context) (types.UnitStatus, error) {
	return c.state.LoadStatus(ctx, c.opts.Unit)
}

// PendingRemovals returns the hostnames queued for removal
func (c *Coordinator) PendingRemovals(ctx context.Context) ([]string, error) {
	q, ok, err := c.removalQueue(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return q.List(ctx)
}

// Snapshot implements metrics.Source
func (c *Coordinator) Snapshot(ctx context.Context) (metrics.Snapshot, error) {
	snap := metrics.Snapshot{Leader: c.leader.IsLeader()}

	state, err := c.State(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return snap, err
	default:
		snap.Installed = state.Installed
		snap.Joined = state.Joined
		snap.AddonsEnabled = len(state.EnabledAddons)
	}

	pending, err := c.PendingRemovals(ctx)
	if err != nil {
		return snap, err
	}
	snap.QueueLength = len(pending)
	return snap, nil
}

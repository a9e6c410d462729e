package membership

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/herd/pkg/agent"
	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/hostnames"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/types"
)

// step is one reducer of the dispatch pipeline. It reads relation data,
// may call the cluster agent and mutates the run state only after the
// external action it depends on succeeded.
type step struct {
	name string
	// activity names the work in the status shown when the step fails
	activity string
	// kinds gates the step; nil runs it for every event
	kinds []events.Kind
	run   func(ctx context.Context, c *Coordinator, r *run) error
}

func (s step) handles(kind events.Kind) bool {
	if s.kinds == nil {
		return true
	}
	for _, k := range s.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var (
	convergeKinds = []events.Kind{
		events.Install, events.ConfigChanged, events.LeaderElected,
		events.RelationJoined, events.RelationChanged,
	}
	joinKinds = append([]events.Kind{events.UpdateStatus}, convergeKinds...)
	drainKinds = []events.Kind{
		events.ConfigChanged, events.LeaderElected, events.RelationDeparted, events.UpdateStatus,
	}
	configKinds = []events.Kind{events.Install, events.ConfigChanged, events.LeaderElected}
	hostKinds   = []events.Kind{events.Install, events.ConfigChanged}
)

// behaviors returns the ordered pipeline of a role. An unconfigured unit
// runs the control plane pipeline.
func behaviors(role types.UnitRole) []step {
	if role.IsWorker() {
		return []step{
			{name: "announce-hostname", activity: "announcing hostname", kinds: joinKinds, run: announceHostname},
			{name: "leave", activity: "leaving cluster", run: leave},
			{name: "install", activity: "installing MicroK8s", kinds: convergeKinds, run: install},
			{name: "retrieve-join-url", activity: "retrieving join url", kinds: joinKinds, run: retrieveJoinURL},
			{name: "join", activity: "joining cluster", kinds: joinKinds, run: join},
			{name: "disable-cert-reissue", activity: "configuring certificates", kinds: joinKinds, run: disableCertReissue},
			{name: "configure-containerd", activity: "configuring containerd", kinds: hostKinds, run: configureContainerd},
			{name: "configure-dns", activity: "configuring DNS", kinds: hostKinds, run: configureKubeletDNS},
			{name: "remove", activity: "removing MicroK8s", kinds: []events.Kind{events.Remove}, run: uninstall},
		}
	}
	return []step{
		{name: "announce-hostname", activity: "announcing hostname", kinds: joinKinds, run: announceHostname},
		{name: "record-hostnames", activity: "recording hostnames", kinds: joinKinds, run: recordHostnames},
		{name: "record-departure", activity: "recording departure", kinds: []events.Kind{events.RelationDeparted}, run: recordDeparture},
		{name: "leave", activity: "leaving cluster", run: leave},
		{name: "install", activity: "installing MicroK8s", kinds: convergeKinds, run: install},
		{name: "bootstrap", activity: "bootstrapping cluster", kinds: convergeKinds, run: bootstrap},
		{name: "issue-offers", activity: "adding nodes", kinds: joinKinds, run: issueOffers},
		{name: "retrieve-join-url", activity: "retrieving join url", kinds: joinKinds, run: retrieveJoinURL},
		{name: "join", activity: "joining cluster", kinds: joinKinds, run: join},
		{name: "disable-cert-reissue", activity: "configuring certificates", kinds: joinKinds, run: disableCertReissue},
		{name: "drain-removals", activity: "removing nodes", kinds: drainKinds, run: drainRemovals},
		{name: "addons", activity: "configuring addons", kinds: configKinds, run: reconcileAddons},
		{name: "configure-containerd", activity: "configuring containerd", kinds: hostKinds, run: configureContainerd},
		{name: "configure-certs", activity: "configuring certificates", kinds: hostKinds, run: configureExtraSANs},
		{name: "configure-dns", activity: "configuring DNS", kinds: hostKinds, run: configureKubeletDNS},
		{name: "configure-coredns", activity: "configuring CoreDNS", kinds: configKinds, run: configureCoreDNS},
		{name: "remove", activity: "removing MicroK8s", kinds: []events.Kind{events.Remove}, run: uninstall},
	}
}

// announceEndpoints are the relations a unit publishes its hostname on
func (c *Coordinator) announceEndpoints(role types.UnitRole) []string {
	if role.IsWorker() {
		return []string{c.opts.Endpoints.Cluster}
	}
	return []string{c.opts.Endpoints.Peer, c.opts.Endpoints.Provides}
}

func announceHostname(ctx context.Context, c *Coordinator, r *run) error {
	rels, err := c.relationsOf(ctx, r, c.announceEndpoints(r.role)...)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if _, err := c.hostnames.Announce(ctx, rel); err != nil {
			return err
		}
	}
	if r.state.Joined {
		return c.markJoinComplete(ctx, r.role)
	}
	return nil
}

func recordHostnames(ctx context.Context, c *Coordinator, r *run) error {
	rels, err := c.relationsOf(ctx, r, c.opts.Endpoints.Peer, c.opts.Endpoints.Provides)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if _, err := c.hostnames.Refresh(ctx, rel, r.state); err != nil {
			return err
		}
	}
	return nil
}

// recordDeparture queues the hostname of a departing peer for the leader.
// A departing leader leaves its own removal to its successor.
func recordDeparture(ctx context.Context, c *Coordinator, r *run) error {
	rels, err := c.relationsOf(ctx, r, c.opts.Endpoints.Peer, c.opts.Endpoints.Provides)
	if err != nil || len(rels) == 0 {
		return err
	}

	departing := r.ev.DepartingUnit
	logger := c.logger.With().Str("departing", string(departing)).Logger()

	var hostname string
	if departing == c.opts.Unit {
		if c.leader.IsLeader() {
			logger.Info().Msg("Departing while leader, removal deferred to the next leader")
			return nil
		}
		hostname = r.state.Hostname
	} else {
		h, ok := hostnames.Lookup(r.state, departing)
		if !ok {
			logger.Warn().Msg("Hostname of departing unit is unknown, cannot queue removal")
			return nil
		}
		hostname = h
	}

	queue, ok, err := c.removalQueue(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warn().Msg("No peer relation, cannot queue removal")
		return nil
	}
	added, err := queue.Add(ctx, hostname)
	if err != nil {
		return err
	}
	if added {
		logger.Info().Str("hostname", hostname).Msg("Queued node for removal")
	}
	hostnames.Forget(r.state, departing)
	return nil
}

// leave takes the unit out of the cluster when its cluster relation
// breaks, and resumes an interrupted leave on any later event.
func leave(ctx context.Context, c *Coordinator, r *run) error {
	if !r.state.Leaving {
		if !r.role.IsWorker() || r.ev.Kind != events.RelationBroken || r.ev.Endpoint != c.opts.Endpoints.Cluster {
			return nil
		}
		if !r.state.Joined && r.state.JoinURL == "" {
			return nil
		}
		r.state.Leaving = true
		if err := c.save(ctx, r.state); err != nil {
			return err
		}
	}

	if r.state.Joined {
		c.progress(ctx, "leaving cluster")
		if err := c.agent.Leave(ctx); err != nil {
			return err
		}
		c.logger.Info().Msg("Left cluster")
	}

	r.state.Installed = false
	r.state.Joined = false
	r.state.JoinURL = ""
	r.state.Leaving = false
	return nil
}

func install(ctx context.Context, c *Coordinator, r *run) error {
	if r.state.Installed || r.state.Leaving {
		return nil
	}

	c.progress(ctx, "installing MicroK8s")
	if err := c.agent.Install(ctx); err != nil {
		return err
	}
	if err := c.agent.WaitReady(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("MicroK8s did not report ready after install")
	}

	c.logger.Info().Msg("Installed MicroK8s")
	r.state.Installed = true
	r.state.Joined = false
	r.installed = true
	return nil
}

// bootstrap makes the control plane leader the seed of a fresh cluster.
// Seeding happens only in the dispatch that installed the unit, and never
// when a peer already completed a join or a relation carries offers.
func bootstrap(ctx context.Context, c *Coordinator, r *run) error {
	s := r.state
	if !r.installed || s.Joined || s.Leaving || s.JoinURL != "" || !c.leader.IsLeader() {
		return nil
	}

	seeded, err := c.clusterExists(ctx)
	if err != nil || seeded {
		return err
	}

	c.logger.Info().Msg("Bootstrapped cluster as seed")
	s.Joined = true
	return c.markJoinComplete(ctx, r.role)
}

// clusterExists reports whether the peer or provides relations show a
// cluster the local unit is not part of
func (c *Coordinator) clusterExists(ctx context.Context) (bool, error) {
	rels, err := c.relationsByEndpoint(ctx, c.opts.Endpoints.Peer, c.opts.Endpoints.Provides)
	if err != nil {
		return false, err
	}

	app := c.opts.Unit.App()
	for _, rel := range rels {
		data, err := relation.ReadAppData(ctx, c.relations, rel, app)
		if err != nil {
			return false, err
		}
		if data.HasOffers() {
			c.logger.Info().Str("relation", rel).Msg("Relation already has offers, not seeding")
			return true, nil
		}

		units, err := c.relations.ListUnits(ctx, rel)
		if err != nil {
			return false, fmt.Errorf("failed to list units on %s: %w", rel, err)
		}
		for _, unit := range units {
			if unit == c.opts.Unit {
				continue
			}
			member, err := relation.ReadUnitData(ctx, c.relations, rel, unit)
			if err != nil {
				return false, err
			}
			if member.JoinComplete {
				c.logger.Info().Str("relation", rel).Str("member", string(unit)).Msg("Cluster already has members, not seeding")
				return true, nil
			}
		}
	}
	return false, nil
}

// issueOffers publishes one join offer for every related unit without one.
// An existing offer is never replaced.
func issueOffers(ctx context.Context, c *Coordinator, r *run) error {
	if !r.state.Joined || r.state.Leaving || !c.leader.IsLeader() {
		return nil
	}

	rels, err := c.relationsOf(ctx, r, c.opts.Endpoints.Peer, c.opts.Endpoints.Provides)
	if err != nil {
		return err
	}

	app := c.opts.Unit.App()
	for _, rel := range rels {
		peer := relation.Endpoint(rel) == c.opts.Endpoints.Peer
		units, err := c.relations.ListUnits(ctx, rel)
		if err != nil {
			return fmt.Errorf("failed to list units on %s: %w", rel, err)
		}

		for _, unit := range units {
			if unit == c.opts.Unit || (!peer && unit.App() == app) {
				continue
			}
			if !c.leader.IsLeader() {
				c.logger.Info().Msg("Lost leadership, not issuing further offers")
				return nil
			}

			data, err := relation.ReadAppData(ctx, c.relations, rel, app)
			if err != nil {
				return err
			}
			if _, exists := data.Offers[unit]; exists {
				continue
			}
			member, err := relation.ReadUnitData(ctx, c.relations, rel, unit)
			if err != nil {
				return err
			}
			if member.JoinComplete {
				continue
			}

			c.progress(ctx, fmt.Sprintf("adding %s to the cluster", unit))
			token, err := c.agent.AddNode(ctx)
			if err != nil {
				return err
			}

			data, err = relation.ReadAppData(ctx, c.relations, rel, app)
			if err != nil {
				return err
			}
			if _, exists := data.Offers[unit]; exists {
				c.logger.Warn().Str("unit", string(unit)).Msg("Offer appeared concurrently, discarding token")
				continue
			}
			data.Offers[unit] = types.JoinOffer{
				Unit:      unit,
				Token:     token,
				URL:       agent.JoinURL(c.opts.Ingress, token),
				IssuedBy:  c.opts.Unit,
				CreatedAt: time.Now(),
			}
			if err := relation.WriteAppData(ctx, c.relations, rel, app, data); err != nil {
				return err
			}

			metrics.JoinOffersIssued.Inc()
			c.logger.Info().Str("unit", string(unit)).Str("relation", rel).Msg("Issued join offer")
		}
	}
	return nil
}

// retrieveJoinURL records the offer addressed to the local unit. The
// control plane leader is always the seed and never consumes an offer.
func retrieveJoinURL(ctx context.Context, c *Coordinator, r *run) error {
	s := r.state
	if s.Joined || s.Leaving {
		return nil
	}
	if !r.role.IsWorker() && c.leader.IsLeader() {
		return nil
	}

	endpoint := c.opts.Endpoints.Peer
	if r.role.IsWorker() {
		endpoint = c.opts.Endpoints.Cluster
	}
	rels, err := c.relationsOf(ctx, r, endpoint)
	if err != nil {
		return err
	}

	for _, rel := range rels {
		app, err := c.remoteApp(ctx, r, rel)
		if err != nil {
			return err
		}
		if app == "" {
			continue
		}
		data, err := relation.ReadAppData(ctx, c.relations, rel, app)
		if err != nil {
			return err
		}
		offer, ok := data.Offer(c.opts.Unit)
		if !ok {
			continue
		}
		if s.JoinURL != offer.URL {
			c.logger.Info().Str("relation", rel).Str("issued_by", string(offer.IssuedBy)).Msg("Received join offer")
			s.JoinURL = offer.URL
		}
		return nil
	}
	return nil
}

func (c *Coordinator) joinEndpoint(role types.UnitRole) string {
	if role.IsWorker() {
		return c.opts.Endpoints.Cluster
	}
	return c.opts.Endpoints.Peer
}

func join(ctx context.Context, c *Coordinator, r *run) error {
	s := r.state
	if !s.Installed || s.Joined || s.Leaving || s.JoinURL == "" {
		return nil
	}
	if !r.role.IsWorker() && c.leader.IsLeader() {
		return nil
	}

	c.progress(ctx, "joining cluster")
	if err := c.agent.Join(ctx, s.JoinURL, r.role.IsWorker()); err != nil {
		return err
	}
	c.logger.Info().Bool("worker", r.role.IsWorker()).Msg("Joined cluster")
	s.Joined = true
	return c.markJoinComplete(ctx, r.role)
}

// markJoinComplete tells the units of the join relations that the local
// unit is a cluster member
func (c *Coordinator) markJoinComplete(ctx context.Context, role types.UnitRole) error {
	rels, err := c.relationsByEndpoint(ctx, c.joinEndpoint(role))
	if err != nil {
		return err
	}
	for _, rel := range rels {
		data, err := relation.ReadUnitData(ctx, c.relations, rel, c.opts.Unit)
		if err != nil {
			return err
		}
		if data.JoinComplete {
			continue
		}
		data.JoinComplete = true
		if err := relation.WriteUnitData(ctx, c.relations, rel, c.opts.Unit, data); err != nil {
			return err
		}
	}
	return nil
}

// drainRemovals removes queued nodes while the unit stays leader. Failed
// removals stay queued for a later event.
func drainRemovals(ctx context.Context, c *Coordinator, r *run) error {
	if !r.state.Joined || r.state.Leaving || !c.leader.IsLeader() {
		return nil
	}

	queue, ok, err := c.removalQueue(ctx)
	if err != nil || !ok {
		return err
	}

	result, err := queue.Drain(ctx, r.state.Hostname, c.leader.IsLeader, func(ctx context.Context, hostname string) error {
		c.progress(ctx, "removing node "+hostname)
		return c.agent.RemoveNode(ctx, hostname)
	})
	for _, h := range result.Removed {
		hostnames.ForgetHostname(r.state, h)
	}
	if err != nil {
		return err
	}
	for h, ferr := range result.Failed {
		c.logger.Warn().Err(ferr).Str("hostname", h).Msg("Node removal deferred")
	}
	return nil
}

func reconcileAddons(ctx context.Context, c *Coordinator, r *run) error {
	if !r.state.Joined || r.state.Leaving || !c.leader.IsLeader() {
		return nil
	}
	enabled, err := c.addons.Apply(ctx, r.state.EnabledAddons, c.opts.Addons)
	r.state.EnabledAddons = enabled
	return err
}

func configureContainerd(ctx context.Context, c *Coordinator, r *run) error {
	if c.containerd == nil || !r.state.Installed {
		return nil
	}
	changed, err := c.containerd.ApplyProxy(ctx, c.opts.Proxy)
	if err != nil {
		return err
	}
	if changed {
		c.logger.Info().Msg("Updated containerd proxy configuration")
	}
	changed, err = c.containerd.ApplyRegistries(ctx, c.opts.Registries)
	if err != nil {
		return err
	}
	if changed {
		c.logger.Info().Int("registries", len(c.opts.Registries)).Msg("Updated containerd registry configuration")
	}
	return nil
}

func configureExtraSANs(ctx context.Context, c *Coordinator, r *run) error {
	if c.certs == nil || !r.state.Installed || r.state.Leaving {
		return nil
	}
	_, err := c.certs.ApplyExtraSANs(ctx, c.opts.ExtraSANs, c.opts.Ingress)
	return err
}

// disableCertReissue must only run on a node that joined a cluster
func disableCertReissue(ctx context.Context, c *Coordinator, r *run) error {
	if c.certs == nil || !c.opts.DisableCertReissue || !r.state.Joined || r.state.Leaving {
		return nil
	}
	_, err := c.certs.DisableReissue()
	return err
}

func configureKubeletDNS(ctx context.Context, c *Coordinator, r *run) error {
	if c.dns == nil || !r.state.Installed || r.state.Leaving {
		return nil
	}
	_, err := c.dns.ApplyKubelet(ctx, c.opts.DNS)
	return err
}

// configureCoreDNS is cluster wide and left to the leader
func configureCoreDNS(ctx context.Context, c *Coordinator, r *run) error {
	if c.dns == nil || c.opts.Corefile == "" || !r.state.Joined || r.state.Leaving || !c.leader.IsLeader() {
		return nil
	}
	_, err := c.dns.ApplyCorefile(ctx, c.opts.Corefile)
	return err
}

// uninstall removes the cluster software when the unit is torn down. The
// state record itself is kept.
func uninstall(ctx context.Context, c *Coordinator, r *run) error {
	if !r.state.Installed {
		return nil
	}
	c.progress(ctx, "removing MicroK8s")
	if err := c.agent.Uninstall(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to remove MicroK8s")
		return nil
	}
	r.state.Installed = false
	r.state.Joined = false
	r.state.JoinURL = ""
	r.state.Leaving = false
	return nil
}

package membership

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/herd/pkg/agent"
	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/hostconfig"
	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/removal"
	"github.com/cuemby/herd/pkg/storage"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ingress = "10.0.0.5"

var (
	errBoom       = errors.New("boom")
	testEndpoints = Endpoints{Peer: "peer", Provides: "workers", Cluster: "cluster"}
)

type testUnit struct {
	id     types.PeerID
	leader *LeaderFlag
	agent  *agent.Fake
	states *storage.MemoryStateStore
	opts   Options
	deps   Deps
	c      *Coordinator
}

func newTestUnit(rels *relation.MemoryStore, id types.PeerID, hostname, role string, leader bool) *testUnit {
	u := &testUnit{
		id:     id,
		leader: NewLeaderFlag(leader),
		agent:  agent.NewFake(),
		states: storage.NewMemoryStateStore(),
	}
	u.opts = Options{
		Unit:      id,
		Hostname:  hostname,
		Ingress:   ingress,
		Role:      role,
		Endpoints: testEndpoints,
	}
	u.deps = Deps{
		State:      u.states,
		Relations:  rels,
		Agent:      u.agent,
		Leadership: u.leader,
	}
	u.c = NewCoordinator(u.opts, u.deps)
	return u
}

// reconfigure rebuilds the coordinator over the same state, as a restarted
// process with new configuration would
func (u *testUnit) reconfigure(mutate func(o *Options, d *Deps)) {
	mutate(&u.opts, &u.deps)
	u.c = NewCoordinator(u.opts, u.deps)
}

func (u *testUnit) dispatch(t *testing.T, ev *events.Event) {
	t.Helper()
	require.NoError(t, u.c.Dispatch(context.Background(), ev))
}

func (u *testUnit) state(t *testing.T) *types.ClusterState {
	t.Helper()
	s, err := u.c.State(context.Background())
	require.NoError(t, err)
	return s
}

func (u *testUnit) status(t *testing.T) types.UnitStatus {
	t.Helper()
	s, err := u.c.Status(context.Background())
	require.NoError(t, err)
	return s
}

func relationEvent(kind events.Kind, rel string, remote types.PeerID) *events.Event {
	ev := events.New(kind)
	ev.Relation = rel
	ev.Endpoint = relation.Endpoint(rel)
	ev.RemoteUnit = remote
	if remote != "" {
		ev.RemoteApp = remote.App()
	}
	return ev
}

func departedEvent(rel string, departing types.PeerID) *events.Event {
	ev := relationEvent(events.RelationDeparted, rel, departing)
	ev.DepartingUnit = departing
	return ev
}

func queued(t *testing.T, rels *relation.MemoryStore) []string {
	t.Helper()
	list, err := removal.NewQueue(rels, "peer:1", "microk8s").List(context.Background())
	require.NoError(t, err)
	return list
}

// settle records u as an installed member of the cluster
func settle(t *testing.T, rels *relation.MemoryStore, u *testUnit, hostname string) {
	t.Helper()
	ctx := context.Background()
	state := types.NewClusterState(types.RoleControlPlane, hostname)
	state.Installed = true
	state.Joined = true
	require.NoError(t, u.states.SaveState(ctx, u.id, state))
	require.NoError(t, u.states.SaveStatus(ctx, u.id, types.Active("node is ready")))

	rels.AddUnit("peer:1", u.id)
	require.NoError(t, relation.WriteUnitData(ctx, rels, "peer:1", u.id, &relation.UnitData{Hostname: hostname, JoinComplete: true}))
}

// newPeerCluster returns a seed leader and a follower that joined through
// the offer of the seed
func newPeerCluster(t *testing.T) (*relation.MemoryStore, *testUnit, *testUnit) {
	t.Helper()
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/0")
	rels.AddUnit("peer:1", "microk8s/1")

	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)

	b.dispatch(t, events.New(events.Install))
	a.dispatch(t, events.New(events.Install))
	b.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/0"))
	return rels, a, b
}

func TestSeedBootstrap(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)

	u.dispatch(t, events.New(events.Install))

	state := u.state(t)
	assert.True(t, state.Installed)
	assert.True(t, state.Joined)
	assert.Empty(t, state.JoinURL)
	assert.Empty(t, u.agent.CallsTo("join"))
	assert.Len(t, u.agent.CallsTo("install"), 1)
	assert.Len(t, u.agent.CallsTo("node-status"), 1)
	assert.Equal(t, types.Active("node is ready"), u.status(t))

	calls := u.agent.Calls()
	u.dispatch(t, events.New(events.ConfigChanged))
	u.dispatch(t, events.New(events.LeaderElected))
	assert.Equal(t, calls, u.agent.Calls(), "a settled seed makes no further calls")
}

func TestWorkerJoin(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("cluster:1", "workers/0")
	rels.AddUnit("cluster:1", "microk8s/0")
	w := newTestUnit(rels, "workers/0", "node-w0", "worker", false)

	w.dispatch(t, events.New(events.Install))
	assert.True(t, w.state(t).Installed)
	assert.False(t, w.state(t).Joined)
	assert.Equal(t, types.Waiting("waiting for control plane relation"), w.status(t))

	offers := &relation.AppData{Offers: map[types.PeerID]types.JoinOffer{
		"workers/0": {Unit: "workers/0", Token: "abc123", URL: "10.0.0.5:25000/abc123", IssuedBy: "microk8s/0"},
	}}
	require.NoError(t, relation.WriteAppData(ctx, rels, "cluster:1", "microk8s", offers))

	w.dispatch(t, relationEvent(events.RelationChanged, "cluster:1", "microk8s/0"))

	assert.Equal(t, []agent.Call{{Op: "join", Arg: "10.0.0.5:25000/abc123 --worker"}}, w.agent.CallsTo("join"))
	state := w.state(t)
	assert.True(t, state.Joined)
	assert.Equal(t, "10.0.0.5:25000/abc123", state.JoinURL)
	assert.Equal(t, types.Active("node is ready"), w.status(t))

	data, err := relation.ReadUnitData(ctx, rels, "cluster:1", "workers/0")
	require.NoError(t, err)
	assert.True(t, data.JoinComplete)
	assert.Equal(t, "node-w0", data.Hostname)

	w.dispatch(t, relationEvent(events.RelationChanged, "cluster:1", "microk8s/0"))
	w.dispatch(t, events.New(events.ConfigChanged))
	assert.Len(t, w.agent.CallsTo("join"), 1)
}

func TestFollowerJoinsThroughPeerOffer(t *testing.T) {
	rels, a, b := newPeerCluster(t)

	assert.Len(t, a.agent.CallsTo("add-node"), 1)
	assert.Empty(t, a.agent.CallsTo("join"))
	assert.Equal(t, []agent.Call{{Op: "join", Arg: agent.JoinURL(ingress, "token1")}}, b.agent.CallsTo("join"))
	assert.True(t, b.state(t).Joined)

	data, err := relation.ReadAppData(context.Background(), rels, "peer:1", "microk8s")
	require.NoError(t, err)
	offer, ok := data.Offer("microk8s/1")
	require.True(t, ok)
	assert.Equal(t, types.PeerID("microk8s/0"), offer.IssuedBy)
	assert.Equal(t, "token1", offer.Token)
	assert.NotContains(t, data.Offers, types.PeerID("microk8s/0"), "the seed never offers to itself")
}

func TestAtMostOneOfferPerPeer(t *testing.T) {
	rels, a, b := newPeerCluster(t)

	for i := 0; i < 5; i++ {
		a.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/1"))
		a.dispatch(t, relationEvent(events.RelationJoined, "peer:1", "microk8s/1"))
		a.dispatch(t, events.New(events.ConfigChanged))
	}
	assert.Len(t, a.agent.CallsTo("add-node"), 1)

	// Leadership moves to the follower; the seed is already a member
	a.leader.Set(false)
	b.leader.Set(true)
	b.dispatch(t, events.New(events.LeaderElected))
	b.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/0"))
	assert.Empty(t, b.agent.CallsTo("add-node"))

	data, err := relation.ReadAppData(context.Background(), rels, "peer:1", "microk8s")
	require.NoError(t, err)
	assert.Len(t, data.Offers, 1)
}

func TestNewLeaderDoesNotReissueExistingOffer(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", false)
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", true)
	settle(t, rels, a, "node-a")
	settle(t, rels, b, "node-b")
	rels.AddUnit("peer:1", "microk8s/2")

	existing := types.JoinOffer{Unit: "microk8s/2", Token: "old", URL: agent.JoinURL(ingress, "old"), IssuedBy: "microk8s/0"}
	require.NoError(t, relation.WriteAppData(ctx, rels, "peer:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{"microk8s/2": existing},
	}))

	b.dispatch(t, events.New(events.LeaderElected))
	b.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/2"))

	assert.Empty(t, b.agent.CallsTo("add-node"))
	data, err := relation.ReadAppData(ctx, rels, "peer:1", "microk8s")
	require.NoError(t, err)
	assert.Equal(t, existing.Token, data.Offers["microk8s/2"].Token)
}

func TestLeaderOffersToWorkers(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/0")
	for _, u := range []types.PeerID{"microk8s/0", "workers/0", "workers/1"} {
		rels.AddUnit("workers:1", u)
	}
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)

	a.dispatch(t, events.New(events.Install))
	a.dispatch(t, relationEvent(events.RelationChanged, "workers:1", "workers/0"))
	a.dispatch(t, relationEvent(events.RelationChanged, "workers:1", "workers/1"))

	assert.Len(t, a.agent.CallsTo("add-node"), 2)

	data, err := relation.ReadAppData(ctx, rels, "workers:1", "microk8s")
	require.NoError(t, err)
	require.Len(t, data.Offers, 2)
	for unit, token := range map[types.PeerID]string{"workers/0": "token1", "workers/1": "token2"} {
		offer, ok := data.Offer(unit)
		require.True(t, ok, unit)
		assert.Equal(t, agent.JoinURL(ingress, token), offer.URL)
		assert.Equal(t, types.PeerID("microk8s/0"), offer.IssuedBy)
	}

	own, err := relation.ReadUnitData(ctx, rels, "workers:1", "microk8s/0")
	require.NoError(t, err)
	assert.Equal(t, "node-a", own.Hostname)
}

func TestFollowerWaitsWithoutOffer(t *testing.T) {
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/0")
	rels.AddUnit("peer:1", "microk8s/1")
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)

	b.dispatch(t, events.New(events.Install))
	b.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/0"))

	state := b.state(t)
	assert.True(t, state.Installed)
	assert.False(t, state.Joined)
	assert.Empty(t, b.agent.CallsTo("join"))
	assert.Empty(t, b.agent.CallsTo("add-node"))
	assert.Equal(t, types.Waiting("waiting for control plane relation"), b.status(t))
}

func TestIgnoresOfferAddressedToAnotherUnit(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/0")
	rels.AddUnit("peer:1", "microk8s/1")
	require.NoError(t, relation.WriteAppData(ctx, rels, "peer:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{
			"microk8s/1": {Unit: "microk8s/7", URL: agent.JoinURL(ingress, "stolen")},
		},
	}))
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)

	b.dispatch(t, events.New(events.Install))

	assert.Empty(t, b.agent.CallsTo("join"))
	assert.Empty(t, b.state(t).JoinURL)
}

func TestLeaderNeverConsumesJoinURL(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/0")
	rels.AddUnit("peer:1", "microk8s/1")
	require.NoError(t, relation.WriteAppData(ctx, rels, "peer:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{
			"microk8s/0": {Unit: "microk8s/0", URL: agent.JoinURL(ingress, "late")},
		},
	}))
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)

	a.dispatch(t, events.New(events.Install))
	a.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/1"))

	state := a.state(t)
	assert.False(t, state.Joined, "a relation with offers already has a seed")
	assert.Empty(t, state.JoinURL)
	assert.Empty(t, a.agent.CallsTo("join"))
}

func TestNewLeaderDoesNotSeedExistingCluster(t *testing.T) {
	rels := relation.NewMemoryStore()
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	settle(t, rels, a, "node-a")
	rels.AddUnit("peer:1", "microk8s/1")
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)

	b.dispatch(t, events.New(events.Install))
	require.False(t, b.state(t).Joined)

	a.leader.Set(false)
	b.leader.Set(true)
	for _, kind := range []events.Kind{events.LeaderElected, events.UpdateStatus, events.ConfigChanged} {
		b.dispatch(t, events.New(kind))
	}
	b.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/0"))

	state := b.state(t)
	assert.False(t, state.Joined, "only the installing leader seeds")
	assert.Empty(t, b.agent.CallsTo("join"))

	data, err := relation.ReadUnitData(context.Background(), rels, "peer:1", "microk8s/1")
	require.NoError(t, err)
	assert.False(t, data.JoinComplete)
}

func TestInstallingLeaderDoesNotSeedOverMembers(t *testing.T) {
	rels := relation.NewMemoryStore()
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", false)
	settle(t, rels, a, "node-a")
	rels.AddUnit("peer:1", "microk8s/1")
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", true)

	b.dispatch(t, events.New(events.Install))

	assert.True(t, b.state(t).Installed)
	assert.False(t, b.state(t).Joined, "a peer with a completed join means the cluster exists")
	assert.Empty(t, b.agent.CallsTo("add-node"))
}

func TestInstallingLeaderDoesNotSeedOverWorkerOffers(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("workers:1", "microk8s/1")
	rels.AddUnit("workers:1", "workers/0")
	require.NoError(t, relation.WriteAppData(ctx, rels, "workers:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{
			"workers/0": {Unit: "workers/0", URL: agent.JoinURL(ingress, "t0"), IssuedBy: "microk8s/0"},
		},
	}))
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", true)

	b.dispatch(t, events.New(events.Install))

	assert.False(t, b.state(t).Joined)
}

func TestJoinFailureRetriedOnNextEvent(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("cluster:1", "workers/0")
	rels.AddUnit("cluster:1", "microk8s/0")
	require.NoError(t, relation.WriteAppData(ctx, rels, "cluster:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{
			"workers/0": {Unit: "workers/0", URL: "10.0.0.5:25000/abc123"},
		},
	}))
	w := newTestUnit(rels, "workers/0", "node-w0", "worker", false)
	w.agent.Fail("join", errBoom)

	err := w.c.Dispatch(ctx, events.New(events.Install))
	require.ErrorIs(t, err, errBoom)

	state := w.state(t)
	assert.True(t, state.Installed)
	assert.False(t, state.Joined)
	assert.Equal(t, "10.0.0.5:25000/abc123", state.JoinURL)
	assert.Equal(t, types.Maintenance("joining cluster failed, will retry"), w.status(t))

	w.agent.Fail("join", nil)
	w.dispatch(t, events.New(events.UpdateStatus))

	assert.Len(t, w.agent.CallsTo("join"), 2)
	assert.True(t, w.state(t).Joined)
	assert.Equal(t, types.Active("node is ready"), w.status(t))
}

func TestInstallFailureLeavesStateUnchanged(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	u.agent.Fail("install", errBoom)

	err := u.c.Dispatch(context.Background(), events.New(events.Install))
	require.ErrorIs(t, err, errBoom)

	state := u.state(t)
	assert.False(t, state.Installed)
	assert.False(t, state.Joined)
	assert.Equal(t, types.Maintenance("installing MicroK8s failed, will retry"), u.status(t))

	u.agent.Fail("install", nil)
	u.dispatch(t, events.New(events.ConfigChanged))
	assert.True(t, u.state(t).Joined)
}

func TestRoleChangeBlocks(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	u.dispatch(t, events.New(events.Install))
	before := u.state(t)

	u.reconfigure(func(o *Options, _ *Deps) { o.Role = "worker" })
	u.agent.Reset()

	for _, kind := range []events.Kind{events.ConfigChanged, events.LeaderElected, events.UpdateStatus, events.Install} {
		u.dispatch(t, events.New(kind))
	}

	assert.Empty(t, u.agent.Calls())
	assert.Equal(t, types.Blocked("role cannot change from 'control-plane' after deployment"), u.status(t))
	assert.True(t, before.Equal(u.state(t)))
}

func TestUnconfiguredRoleIsRecorded(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "", true)
	u.dispatch(t, events.New(events.Install))
	assert.True(t, u.state(t).Joined, "an unconfigured unit seeds like a control plane unit")

	u.reconfigure(func(o *Options, _ *Deps) { o.Role = "control-plane" })
	u.agent.Reset()
	u.dispatch(t, events.New(events.ConfigChanged))

	assert.Empty(t, u.agent.Calls())
	assert.Equal(t, types.Blocked("role cannot change from '' after deployment"), u.status(t))
}

func TestInvalidRoleBlocks(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "manager", true)

	u.dispatch(t, events.New(events.Install))

	assert.Empty(t, u.agent.Calls())
	assert.Equal(t, types.Blocked("role must be one of '', 'worker', 'control-plane'"), u.status(t))
	_, err := u.c.State(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDepartedPeerRemovedByLeader(t *testing.T) {
	rels, a, _ := newPeerCluster(t)
	require.Equal(t, "node-b", a.state(t).Hostnames["microk8s/1"])

	rels.RemoveUnit("peer:1", "microk8s/1")
	a.dispatch(t, departedEvent("peer:1", "microk8s/1"))

	assert.Equal(t, []agent.Call{{Op: "remove-node", Arg: "node-b"}}, a.agent.CallsTo("remove-node"))
	assert.Empty(t, queued(t, rels))
	assert.NotContains(t, a.state(t).Hostnames, types.PeerID("microk8s/1"))
}

func TestFailedRemovalStaysQueued(t *testing.T) {
	rels, a, _ := newPeerCluster(t)
	a.agent.Fail("remove-node", errBoom)

	rels.RemoveUnit("peer:1", "microk8s/1")
	a.dispatch(t, departedEvent("peer:1", "microk8s/1"))

	assert.Equal(t, []string{"node-b"}, queued(t, rels))
	assert.Len(t, a.agent.CallsTo("remove-node"), 1)

	a.agent.Fail("remove-node", nil)
	a.dispatch(t, events.New(events.UpdateStatus))

	assert.Len(t, a.agent.CallsTo("remove-node"), 2)
	assert.Empty(t, queued(t, rels))
}

func TestFollowerRecordsDepartureWithoutRemoving(t *testing.T) {
	rels, a, b := newPeerCluster(t)
	rels.AddUnit("peer:1", "microk8s/2")
	require.NoError(t, relation.WriteUnitData(context.Background(), rels, "peer:1", "microk8s/2", &relation.UnitData{Hostname: "node-c"}))
	b.dispatch(t, relationEvent(events.RelationChanged, "peer:1", "microk8s/2"))

	rels.RemoveUnit("peer:1", "microk8s/2")
	b.dispatch(t, departedEvent("peer:1", "microk8s/2"))

	assert.Equal(t, []string{"node-c"}, queued(t, rels))
	assert.Empty(t, b.agent.CallsTo("remove-node"))

	a.dispatch(t, events.New(events.UpdateStatus))
	assert.Equal(t, []agent.Call{{Op: "remove-node", Arg: "node-c"}}, a.agent.CallsTo("remove-node"))
	assert.Empty(t, queued(t, rels))
}

func TestUnknownDepartingHostnameIsDeferred(t *testing.T) {
	rels, a, _ := newPeerCluster(t)

	a.dispatch(t, departedEvent("peer:1", "microk8s/9"))

	assert.Empty(t, queued(t, rels))
	assert.Empty(t, a.agent.CallsTo("remove-node"))
}

func TestDepartingLeaderDefersOwnRemoval(t *testing.T) {
	rels, a, _ := newPeerCluster(t)

	a.dispatch(t, departedEvent("peer:1", "microk8s/0"))

	assert.Empty(t, queued(t, rels))
	assert.Empty(t, a.agent.CallsTo("remove-node"))
}

func TestDepartingFollowerQueuesItself(t *testing.T) {
	rels, a, b := newPeerCluster(t)

	b.dispatch(t, departedEvent("peer:1", "microk8s/1"))
	assert.Equal(t, []string{"node-b"}, queued(t, rels))

	a.dispatch(t, events.New(events.UpdateStatus))
	assert.Equal(t, []agent.Call{{Op: "remove-node", Arg: "node-b"}}, a.agent.CallsTo("remove-node"))
}

func TestLeaderNeverRemovesItself(t *testing.T) {
	ctx := context.Background()
	rels, a, _ := newPeerCluster(t)
	_, err := removal.NewQueue(rels, "peer:1", "microk8s").Add(ctx, "node-a")
	require.NoError(t, err)

	a.dispatch(t, events.New(events.UpdateStatus))

	assert.Empty(t, a.agent.CallsTo("remove-node"))
	assert.Equal(t, []string{"node-a"}, queued(t, rels))
}

func TestDepartedWorkerRemovedByLeader(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/0")
	rels.AddUnit("workers:1", "microk8s/0")
	rels.AddUnit("workers:1", "workers/0")
	require.NoError(t, relation.WriteUnitData(ctx, rels, "workers:1", "workers/0", &relation.UnitData{Hostname: "node-w0"}))
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)

	a.dispatch(t, events.New(events.Install))
	assert.Equal(t, "node-w0", a.state(t).Hostnames["workers/0"])

	rels.RemoveUnit("workers:1", "workers/0")
	a.dispatch(t, departedEvent("workers:1", "workers/0"))

	assert.Equal(t, []agent.Call{{Op: "remove-node", Arg: "node-w0"}}, a.agent.CallsTo("remove-node"))
	assert.Empty(t, queued(t, rels))
}

func TestDepartedWorkerRemovedWithoutPeerRelationEvent(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("workers:1", "microk8s/0")
	rels.AddUnit("workers:1", "workers/0")
	require.NoError(t, relation.WriteUnitData(ctx, rels, "workers:1", "workers/0", &relation.UnitData{Hostname: "node-w0"}))
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	a.reconfigure(func(o *Options, _ *Deps) { o.Endpoints.PeerRelation = "peer:1" })

	a.dispatch(t, events.New(events.Install))
	require.True(t, a.state(t).Joined)
	assert.Equal(t, "node-w0", a.state(t).Hostnames["workers/0"])

	rels.RemoveUnit("workers:1", "workers/0")
	a.dispatch(t, departedEvent("workers:1", "workers/0"))

	assert.Equal(t, []agent.Call{{Op: "remove-node", Arg: "node-w0"}}, a.agent.CallsTo("remove-node"))
	assert.Empty(t, queued(t, rels))

	a.dispatch(t, events.New(events.UpdateStatus))
	assert.Len(t, a.agent.CallsTo("remove-node"), 1)
}

func TestLeadershipHandoffDuringRemoval(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)
	settle(t, rels, a, "node-a")
	settle(t, rels, b, "node-b")
	_, err := removal.NewQueue(rels, "peer:1", "microk8s").Add(ctx, "node-c")
	require.NoError(t, err)

	a.leader.Set(false)
	b.leader.Set(true)

	b.dispatch(t, events.New(events.LeaderElected))
	a.dispatch(t, events.New(events.UpdateStatus))
	a.dispatch(t, events.New(events.ConfigChanged))

	assert.Equal(t, []agent.Call{{Op: "remove-node", Arg: "node-c"}}, b.agent.CallsTo("remove-node"))
	assert.Empty(t, a.agent.CallsTo("remove-node"))
	assert.Empty(t, queued(t, rels))
}

// abdicatingAgent gives up leadership after its first node removal
type abdicatingAgent struct {
	*agent.Fake
	leader *LeaderFlag
}

func (a *abdicatingAgent) RemoveNode(ctx context.Context, hostname string) error {
	err := a.Fake.RemoveNode(ctx, hostname)
	a.leader.Set(false)
	return err
}

func TestLeadershipLostMidDrain(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	a := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)
	settle(t, rels, a, "node-a")
	settle(t, rels, b, "node-b")
	q := removal.NewQueue(rels, "peer:1", "microk8s")
	for _, h := range []string{"node-c", "node-d"} {
		_, err := q.Add(ctx, h)
		require.NoError(t, err)
	}
	a.reconfigure(func(_ *Options, d *Deps) {
		d.Agent = &abdicatingAgent{Fake: a.agent, leader: a.leader}
	})

	a.dispatch(t, events.New(events.UpdateStatus))

	assert.Len(t, a.agent.CallsTo("remove-node"), 1)
	assert.Len(t, queued(t, rels), 1)

	b.leader.Set(true)
	b.dispatch(t, events.New(events.LeaderElected))
	a.dispatch(t, events.New(events.UpdateStatus))

	assert.Len(t, a.agent.CallsTo("remove-node"), 1)
	assert.Len(t, b.agent.CallsTo("remove-node"), 1)
	assert.Empty(t, queued(t, rels))
}

func TestReplayIsIdempotent(t *testing.T) {
	_, a, b := newPeerCluster(t)

	replay := []*events.Event{
		events.New(events.Install),
		events.New(events.ConfigChanged),
		events.New(events.LeaderElected),
		relationEvent(events.RelationJoined, "peer:1", "microk8s/1"),
		relationEvent(events.RelationChanged, "peer:1", "microk8s/1"),
		relationEvent(events.RelationChanged, "peer:1", "microk8s/0"),
	}

	for _, u := range []*testUnit{a, b} {
		calls := u.agent.Calls()
		state := u.state(t)
		status := u.status(t)

		for i := 0; i < 3; i++ {
			for _, ev := range replay {
				u.dispatch(t, ev)
			}
		}

		assert.Equal(t, calls, u.agent.Calls(), string(u.id))
		assert.True(t, state.Equal(u.state(t)), string(u.id))
		assert.Equal(t, status, u.status(t), string(u.id))
	}
}

func TestWorkerLeavesOnBrokenRelation(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("cluster:1", "workers/0")
	rels.AddUnit("cluster:1", "microk8s/0")
	require.NoError(t, relation.WriteAppData(ctx, rels, "cluster:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{
			"workers/0": {Unit: "workers/0", URL: "10.0.0.5:25000/abc123"},
		},
	}))
	w := newTestUnit(rels, "workers/0", "node-w0", "worker", false)
	w.dispatch(t, events.New(events.Install))
	require.True(t, w.state(t).Joined)

	rels.DropRelation("cluster:1")
	w.agent.Fail("leave", errBoom)
	err := w.c.Dispatch(ctx, relationEvent(events.RelationBroken, "cluster:1", ""))
	require.ErrorIs(t, err, errBoom)
	assert.True(t, w.state(t).Leaving)
	assert.Equal(t, types.Maintenance("leaving cluster failed, will retry"), w.status(t))

	w.agent.Fail("leave", nil)
	w.dispatch(t, events.New(events.UpdateStatus))

	assert.Len(t, w.agent.CallsTo("leave"), 2)
	state := w.state(t)
	assert.False(t, state.Leaving)
	assert.False(t, state.Installed)
	assert.False(t, state.Joined)
	assert.Empty(t, state.JoinURL)
	assert.Equal(t, types.Waiting("waiting for control plane relation"), w.status(t))

	w.dispatch(t, events.New(events.UpdateStatus))
	assert.Len(t, w.agent.CallsTo("leave"), 2)
}

func TestStatusFollowsNodeCondition(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	u.agent.SetNodeStatus("node-a", types.NodeStatus{Condition: types.NodeNotReady, Reason: "KubeletNotReady"})

	u.dispatch(t, events.New(events.Install))
	assert.Equal(t, types.Waiting("node is not ready: KubeletNotReady"), u.status(t))

	u.agent.SetNodeStatus("node-a", types.NodeStatus{Condition: types.NodeUnknown})
	u.dispatch(t, events.New(events.UpdateStatus))
	assert.Equal(t, types.Maintenance("waiting for node"), u.status(t))

	u.agent.Fail("node-status", errBoom)
	u.dispatch(t, events.New(events.UpdateStatus))
	assert.Equal(t, types.Maintenance("waiting for node"), u.status(t))

	u.agent.Fail("node-status", nil)
	u.agent.SetNodeStatus("node-a", types.NodeStatus{Condition: types.NodeReady})
	u.dispatch(t, events.New(events.UpdateStatus))
	assert.Equal(t, types.Active("node is ready"), u.status(t))
}

func TestAddonsReconciledByLeaderOnly(t *testing.T) {
	_, a, b := newPeerCluster(t)
	target := []string{"dns", "metallb:10.0.0.100-10.0.0.120"}
	a.reconfigure(func(o *Options, _ *Deps) { o.Addons = target })
	b.reconfigure(func(o *Options, _ *Deps) { o.Addons = target })

	a.dispatch(t, events.New(events.ConfigChanged))
	b.dispatch(t, events.New(events.ConfigChanged))

	assert.Equal(t, []agent.Call{
		{Op: "enable", Arg: "dns"},
		{Op: "enable", Arg: "metallb:10.0.0.100-10.0.0.120"},
	}, a.agent.CallsTo("enable"))
	assert.Equal(t, target, a.state(t).EnabledAddons)
	assert.Empty(t, b.agent.CallsTo("enable"))

	a.agent.Reset()
	a.reconfigure(func(o *Options, _ *Deps) { o.Addons = []string{"metallb:10.0.0.200-10.0.0.220"} })
	a.dispatch(t, events.New(events.ConfigChanged))

	var addonCalls []agent.Call
	for _, c := range a.agent.Calls() {
		if c.Op == "enable" || c.Op == "disable" {
			addonCalls = append(addonCalls, c)
		}
	}
	assert.Equal(t, []agent.Call{
		{Op: "disable", Arg: "dns"},
		{Op: "disable", Arg: "metallb"},
		{Op: "enable", Arg: "metallb:10.0.0.200-10.0.0.220"},
	}, addonCalls)
	assert.Equal(t, []string{"metallb:10.0.0.200-10.0.0.220"}, a.state(t).EnabledAddons)
}

func TestAddonsSkippedUntilJoined(t *testing.T) {
	rels := relation.NewMemoryStore()
	rels.AddUnit("peer:1", "microk8s/1")
	b := newTestUnit(rels, "microk8s/1", "node-b", "control-plane", false)
	b.reconfigure(func(o *Options, _ *Deps) { o.Addons = []string{"dns"} })

	b.dispatch(t, events.New(events.Install))
	b.leader.Set(true)
	require.NoError(t, relation.WriteAppData(context.Background(), rels, "peer:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{"microk8s/9": {Unit: "microk8s/9", URL: "x"}},
	}))
	b.dispatch(t, events.New(events.LeaderElected))

	assert.False(t, b.state(t).Joined)
	assert.Empty(t, b.agent.CallsTo("enable"))
}

type recordingRunner struct {
	commands []string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.commands = append(r.commands, strings.Join(append([]string{name}, args...), " "))
	return nil, nil
}

func TestContainerdProxyConfigured(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	path := filepath.Join(t.TempDir(), "args", "containerd-env")
	runner := &recordingRunner{}
	u.reconfigure(func(o *Options, d *Deps) {
		o.Proxy = hostconfig.ProxyConfig{HTTPProxy: "http://proxy:3128"}
		d.Containerd = hostconfig.NewContainerd(path, hostconfig.Options{Runner: runner})
	})

	u.dispatch(t, events.New(events.Install))
	u.dispatch(t, events.New(events.ConfigChanged))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "http_proxy=http://proxy:3128")
	assert.Equal(t, []string{"snap restart microk8s.daemon-containerd"}, runner.commands)
}

// withHost wires every host configurator of u to a snap directory in a
// temporary dir
func withHost(t *testing.T, u *testUnit, mutate func(o *Options)) (string, *recordingRunner) {
	t.Helper()
	snap := t.TempDir()
	runner := &recordingRunner{}
	opts := hostconfig.Options{SnapDataDir: snap, Runner: runner}
	u.reconfigure(func(o *Options, d *Deps) {
		mutate(o)
		d.Containerd = hostconfig.NewContainerd("", opts)
		d.Certs = hostconfig.NewCerts(opts)
		d.DNS = hostconfig.NewDNS(opts)
	})
	return snap, runner
}

func TestHostConfigurationOnInstall(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	snap, runner := withHost(t, u, func(o *Options) {
		o.ExtraSANs = []string{hostconfig.PublicAddressPlaceholder, "k8s.example.com"}
		o.DisableCertReissue = true
		o.DNS = hostconfig.DNSConfig{ClusterIP: "10.152.183.10"}
		o.Registries = []hostconfig.Registry{{URL: "https://mirror.local", Host: "docker.io", Username: "u", Password: "p"}}
	})

	u.dispatch(t, events.New(events.Install))

	assert.Equal(t, []string{
		"snap restart microk8s.daemon-containerd",
		"microk8s refresh-certs -e server.crt",
		"snap restart microk8s.daemon-kubelite",
	}, runner.commands)
	assert.FileExists(t, filepath.Join(snap, "var", "lock", "no-cert-reissue"))
	assert.FileExists(t, filepath.Join(snap, "args", "certs.d", "docker.io", "hosts.toml"))

	csr, err := os.ReadFile(filepath.Join(snap, "certs", "csr.conf.template"))
	require.NoError(t, err)
	assert.Contains(t, string(csr), "IP.1000 = "+ingress)
	assert.Contains(t, string(csr), "DNS.1001 = k8s.example.com")

	u.dispatch(t, events.New(events.ConfigChanged))
	assert.Len(t, runner.commands, 3, "unchanged configuration restarts nothing")
}

func TestWorkerSkipsControlPlaneHostConfiguration(t *testing.T) {
	ctx := context.Background()
	rels := relation.NewMemoryStore()
	rels.AddUnit("cluster:1", "workers/0")
	rels.AddUnit("cluster:1", "microk8s/0")
	w := newTestUnit(rels, "workers/0", "node-w0", "worker", false)
	snap, runner := withHost(t, w, func(o *Options) {
		o.ExtraSANs = []string{"k8s.example.com"}
		o.DisableCertReissue = true
		o.Corefile = ".:53 {}"
	})
	lock := filepath.Join(snap, "var", "lock", "no-cert-reissue")

	w.dispatch(t, events.New(events.Install))
	assert.NoFileExists(t, lock, "certificate reissue stays on until the node joined")

	require.NoError(t, relation.WriteAppData(ctx, rels, "cluster:1", "microk8s", &relation.AppData{
		Offers: map[types.PeerID]types.JoinOffer{"workers/0": {Unit: "workers/0", URL: "10.0.0.5:25000/abc123"}},
	}))
	w.dispatch(t, relationEvent(events.RelationChanged, "cluster:1", "microk8s/0"))

	require.True(t, w.state(t).Joined)
	assert.FileExists(t, lock)
	assert.Empty(t, runner.commands)
	assert.NoFileExists(t, filepath.Join(snap, "certs", "csr.conf.template"))
}

func TestCorefileAppliedByLeaderOnly(t *testing.T) {
	_, a, b := newPeerCluster(t)
	corefile := ".:53 {\n    forward . 1.1.1.1\n}"
	_, ra := withHost(t, a, func(o *Options) { o.Corefile = corefile })
	_, rb := withHost(t, b, func(o *Options) { o.Corefile = corefile })

	a.dispatch(t, events.New(events.ConfigChanged))
	b.dispatch(t, events.New(events.ConfigChanged))

	require.Len(t, ra.commands, 2)
	assert.True(t, strings.HasPrefix(ra.commands[1], "microk8s kubectl patch configmap coredns"))
	assert.Empty(t, rb.commands)
}

func TestRemoveUninstalls(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)
	u.dispatch(t, events.New(events.Install))

	u.dispatch(t, events.New(events.Remove))

	assert.Len(t, u.agent.CallsTo("uninstall"), 1)
	state := u.state(t)
	assert.False(t, state.Installed)
	assert.False(t, state.Joined)

	u.dispatch(t, events.New(events.Remove))
	assert.Len(t, u.agent.CallsTo("uninstall"), 1)
}

func TestRejectsInvalidEvent(t *testing.T) {
	rels := relation.NewMemoryStore()
	u := newTestUnit(rels, "microk8s/0", "node-a", "control-plane", true)

	err := u.c.Dispatch(context.Background(), &events.Event{Kind: events.RelationChanged})
	require.Error(t, err)
	assert.Empty(t, u.agent.Calls())
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	rels, a, b := newPeerCluster(t)
	_, err := removal.NewQueue(rels, "peer:1", "microk8s").Add(ctx, "node-x")
	require.NoError(t, err)

	snap, err := a.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Installed)
	assert.True(t, snap.Joined)
	assert.True(t, snap.Leader)
	assert.Equal(t, 1, snap.QueueLength)

	snap, err = b.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Leader)

	fresh := newTestUnit(relation.NewMemoryStore(), "microk8s/5", "node-f", "control-plane", false)
	snap, err = fresh.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Installed)
	assert.Zero(t, snap.QueueLength)
}

/*
Package membership drives a unit toward membership in the MicroK8s cluster.

A Coordinator reacts to one host event at a time. It loads the unit's
ClusterState, runs the ordered steps of the unit's role against relation
data and the cluster agent, saves the state when it changed and recomputes
the unit status. Units never talk to each other: join offers, hostnames
and the removal queue are exchanged through the relation store.

# Pipelines

Control plane and unconfigured units run:

	announce-hostname → record-hostnames → record-departure → leave →
	install → bootstrap → issue-offers → retrieve-join-url → join →
	drain-removals → addons → configure-containerd → remove

Worker units run:

	announce-hostname → leave → install → retrieve-join-url → join →
	configure-containerd → remove

Each step is gated by event kind and returns early when its preconditions
do not hold, so replaying an event with unchanged relation data calls
nothing and changes nothing.

# Leadership

Leader-only actions (bootstrap, add-node, remove-node, addons) check the
Leadership answer at the moment they act. There is no lock: an offer that
already exists is never replaced, and the removal queue lives in the peer
relation so that a new leader resumes where the previous one stopped.

	leader A                 relation store               leader B
	   │  add-node(x)              │                          │
	   ├──── offers[x] ───────────►│                          │
	   │  (leadership moves)       │                          │
	   │                           │◄──── read offers ────────┤
	   │                           │  offers[x] exists, skip  │

# Status

Blocked overrides everything and stops all work until the configuration
is fixed. Otherwise a unit waits until it joined, and is active once the
node of its hostname reports Ready.
*/
package membership

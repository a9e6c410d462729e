/*
Package types defines the core data structures shared by every herd package.

A herd unit is one machine that takes part in forming a Kubernetes cluster. The
types here describe what a unit knows about itself and what it publishes to its
peers:

  - UnitRole: worker, control-plane or unconfigured (treated as control-plane)
  - ClusterState: installed/joined/leaving flags, the join URL and the peer
    hostname directory, persisted across event invocations
  - JoinOffer: a one-time join URL issued by the leader for exactly one peer
  - NodeStatus: the Ready condition reported by the cluster for a hostname
  - UnitStatus: the status a unit exposes to the outside world

# Invariants

ClusterState.Joined implies ClusterState.Installed. A non-seed unit only
becomes joined after it holds a non-empty JoinURL addressed to it.

# Status precedence

Blocked overrides everything. Active is reported only when the unit is joined
and its node is Ready; Waiting while not yet joined; Maintenance while an
install, join, leave or removal is in flight.
*/
package types

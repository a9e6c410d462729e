/*
Package events defines the host events a unit reacts to and a small broker
that serialises them.

The host runtime delivers install, config-changed, leader-elected,
update-status, remove and the four relation events (joined, changed,
departed, broken). Relation events carry the relation instance, its endpoint
and the remote application and unit; relation-departed also names the
departing unit.

In daemon mode every inbound event is published on the Broker and consumed
by a single subscriber, so handlers run one at a time to completion. Unlike
a notification bus, the broker never drops an event for a slow subscriber.
*/
package events

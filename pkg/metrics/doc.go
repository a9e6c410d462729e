/*
Package metrics provides Prometheus metrics and health reporting for herd.

All metrics are registered on the default Prometheus registry at package init
and exposed by the daemon on /metrics. Health and readiness are tracked per
component and served on /health, /ready and /live.

# Metrics Catalog

Unit state (gauges, refreshed by the Collector):

	herd_unit_installed          1 once the cluster software is installed
	herd_unit_joined             1 while the unit is a cluster member
	herd_unit_is_leader          1 while the unit holds application leadership
	herd_removal_queue_length    departed hostnames pending removal
	herd_addons_enabled          addons currently enabled by this unit

Membership protocol (counters, updated inline):

	herd_join_offers_issued_total
	herd_nodes_removed_total

Cluster agent:

	herd_agent_calls_total{op, result}
	herd_retry_attempts_total{op}

Events:

	herd_event_duration_seconds{event}
	herd_events_total{event, result}

# Usage

Timing an event handler:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.EventDuration, string(ev.Kind))

Feeding the collector:

	c := metrics.NewCollector(coordinator, 15*time.Second)
	c.Start()
	defer c.Stop()

# Health

Critical components for readiness are "store" (the bbolt database) and
"coordinator" (the event loop). Any other registered component only affects
/health.
*/
package metrics

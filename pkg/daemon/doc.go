/*
Package daemon runs a herd unit as a long-lived process.

The host runtime posts events to the daemon instead of invoking the CLI once
per event. Events go through an events.Broker to a single dispatch loop, so
they never overlap, and a ticker adds update-status events between them.

Endpoints:

	POST /v1/events       queue a host event
	PUT  /v1/leadership   set leadership; gaining it queues leader-elected
	GET  /v1/status       unit status, state and pending removals
	GET  /metrics         Prometheus metrics
	GET  /health, /ready, /live
*/
package daemon

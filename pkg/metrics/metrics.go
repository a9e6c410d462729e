package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Unit metrics
	UnitInstalled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_unit_installed",
			Help: "Whether the cluster software is installed on this unit (1 = installed)",
		},
	)

	UnitJoined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_unit_joined",
			Help: "Whether this unit is an active cluster member (1 = joined)",
		},
	)

	UnitLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_unit_is_leader",
			Help: "Whether this unit is the application leader (1 = leader, 0 = follower)",
		},
	)

	AddonsEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_addons_enabled",
			Help: "Number of addons currently enabled by this unit",
		},
	)

	// Membership protocol metrics
	RemovalQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_removal_queue_length",
			Help: "Number of departed hostnames pending removal from the cluster",
		},
	)

	JoinOffersIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_join_offers_issued_total",
			Help: "Total number of join offers published by this unit",
		},
	)

	NodesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_nodes_removed_total",
			Help: "Total number of departed nodes removed from the cluster by this unit",
		},
	)

	// Cluster agent metrics
	AgentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_agent_calls_total",
			Help: "Total number of cluster agent calls by operation and result",
		},
		[]string{"op", "result"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_retry_attempts_total",
			Help: "Total number of retried attempts by operation",
		},
		[]string{"op"},
	)

	// Event metrics
	EventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herd_event_duration_seconds",
			Help:    "Time taken to handle a host event in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_events_total",
			Help: "Total number of handled host events by type and result",
		},
		[]string{"event", "result"},
	)
)

func init() {
	prometheus.MustRegister(UnitInstalled)
	prometheus.MustRegister(UnitJoined)
	prometheus.MustRegister(UnitLeader)
	prometheus.MustRegister(AddonsEnabled)
	prometheus.MustRegister(RemovalQueueLength)
	prometheus.MustRegister(JoinOffersIssued)
	prometheus.MustRegister(NodesRemoved)
	prometheus.MustRegister(AgentCallsTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(EventDuration)
	prometheus.MustRegister(EventsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolGauge converts a flag to a gauge value
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

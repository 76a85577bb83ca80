// Package telemetry registers the service's own Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BMCPacketsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_bmc_packets_accepted_total",
		Help: "BMC multicast packets decoded and routed.",
	})
	BMCPacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_bmc_packets_dropped_total",
		Help: "BMC multicast packets discarded as malformed.",
	})

	ResourceSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_resource_snapshots_total",
		Help: "HTTP resource snapshots ingested.",
	})
	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_heartbeats_total",
		Help: "Node heartbeats received.",
	})

	RuleEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_rule_evaluations_total",
		Help: "Rule engine evaluation ticks completed.",
	})
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridwatch_alarm_events_emitted_total",
		Help: "Alarm events emitted onto the bus, by status.",
	}, []string{"status"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_alarm_events_dropped_total",
		Help: "Alarm events dropped by the bus on overflow.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridwatch_websocket_clients",
		Help: "Currently connected WebSocket clients.",
	})
	WSMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridwatch_websocket_messages_dropped_total",
		Help: "WebSocket messages dropped because a client buffer was full.",
	})

	PoolTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridwatch_pool_connections_total",
		Help: "Connections currently open per pool.",
	}, []string{"pool"})
	PoolActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridwatch_pool_connections_active",
		Help: "Connections currently leased per pool.",
	}, []string{"pool"})
	PoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridwatch_pool_connections_idle",
		Help: "Idle connections per pool.",
	}, []string{"pool"})
	PoolWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridwatch_pool_pending_waiters",
		Help: "Acquires currently waiting per pool.",
	}, []string{"pool"})
)

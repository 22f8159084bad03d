// Package metrics exposes the conductor's Prometheus client_golang
// collectors, mounted at /metrics by registering promhttp.Handler()
// directly against the process's router.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "symphony",
		Subsystem: "conductor",
		Name:      "nodes_connected",
		Help:      "Number of nodes with a live session.",
	})

	DeploymentsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "symphony",
		Subsystem: "conductor",
		Name:      "deployments_by_state",
		Help:      "Count of non-deleted deployments, by current_state.",
	}, []string{"current_state"})

	SchedulePlacements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symphony",
		Subsystem: "conductor",
		Name:      "schedule_placements_total",
		Help:      "Scheduling attempts, by outcome.",
	}, []string{"outcome"})

	ReconcileTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symphony",
		Subsystem: "conductor",
		Name:      "reconcile_ticks_total",
		Help:      "Number of reconcileOne invocations.",
	})

	CommandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symphony",
		Subsystem: "conductor",
		Name:      "commands_sent_total",
		Help:      "DeploymentReq/Cancel frames sent to nodes, by op.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(NodesConnected, DeploymentsByState, SchedulePlacements, ReconcileTicks, CommandsSent)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

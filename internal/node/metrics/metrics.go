// Package metrics exposes the node agent's Prometheus client_golang
// collectors, mirroring internal/conductor/metrics but scoped to the
// node-side supervisor concerns: the restart-on-failure loop and the
// current state of each supervised deployment.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeploymentRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symphony",
		Subsystem: "node",
		Name:      "deployment_restarts_total",
		Help:      "Supervisor restart-on-failure attempts, by deployment id.",
	}, []string{"deployment_id"})

	DeploymentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "symphony",
		Subsystem: "node",
		Name:      "deployment_state",
		Help:      "1 if the deployment is currently in this current_state, else 0.",
	}, []string{"deployment_id", "current_state"})
)

func init() {
	prometheus.MustRegister(DeploymentRestarts, DeploymentState)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

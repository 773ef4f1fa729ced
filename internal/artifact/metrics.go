package artifact

import "github.com/prometheus/client_golang/prometheus"

var (
	selfHealsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oxidelab",
		Subsystem: "artifact",
		Name:      "self_heals_total",
		Help:      "Index entries cleared on read because the file was missing or truncated",
	})

	syncRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "oxidelab",
		Subsystem: "artifact",
		Name:      "sync_runs_total",
		Help:      "Completed index reconciliation passes",
	})
)

func init() {
	prometheus.MustRegister(selfHealsTotal, syncRunsTotal)
}

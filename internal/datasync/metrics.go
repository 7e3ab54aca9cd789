package datasync

import "github.com/prometheus/client_golang/prometheus"

var (
	syncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_sync_attempts_total",
			Help: "Dataset synchronization attempts, by step and result.",
		},
		[]string{"step", "result"},
	)

	syncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipelined_sync_cycles_total",
			Help: "Completed update, publish and evict cycles.",
		},
	)

	failsafePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipelined_failsafe_publishes_pending",
			Help: "Failsafe publishes still retrying.",
		},
	)
)

func init() {
	prometheus.MustRegister(syncAttemptsTotal)
	prometheus.MustRegister(syncCyclesTotal)
	prometheus.MustRegister(failsafePending)
}

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipelined_executions_finished_total",
			Help: "Executions that reached a terminal status, by status.",
		},
		[]string{"status"},
	)

	executionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipelined_executions_running",
			Help: "Executions currently supervised.",
		},
	)

	executionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipelined_execution_duration_seconds",
			Help:    "Wall-clock duration of supervised executions.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(executionsFinishedTotal)
	prometheus.MustRegister(executionsRunning)
	prometheus.MustRegister(executionDuration)
}

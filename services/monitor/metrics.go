package monitor

import (
	"sync"

	"github.com/bsv-blockchain/tracker/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusMonitorSweep  prometheus.Histogram
	prometheusMonitorProbes *prometheus.CounterVec
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusMonitorSweep = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tracker",
			Subsystem: "monitor",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent probing every maker once",
			Buckets:   util.MetricsBucketsMilliLongSeconds,
		},
	)

	prometheusMonitorProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "monitor",
			Name:      "probes",
			Help:      "Number of maker probes by outcome, after retries",
		},
		[]string{"outcome"},
	)
}

package tracker

import (
	"sync"

	"github.com/bsv-blockchain/tracker/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusTrackerConnections prometheus.Gauge
	prometheusTrackerDropped     prometheus.Counter
	prometheusTrackerRequests    *prometheus.HistogramVec
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusTrackerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Number of open client connections",
		},
	)

	prometheusTrackerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "server",
			Name:      "dropped_connections",
			Help:      "Number of connections closed after a read or decode error",
		},
	)

	prometheusTrackerRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tracker",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time spent answering a client request",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
		[]string{"request"},
	)
}

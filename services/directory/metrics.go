package directory

import (
	"sync"

	"github.com/bsv-blockchain/tracker/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusDirectoryRequests  *prometheus.HistogramVec
	prometheusDirectoryErrors    *prometheus.CounterVec
	prometheusDirectoryRecords   prometheus.Gauge
	prometheusDirectoryActive    prometheus.Gauge
	prometheusDirectoryWatermark prometheus.Gauge
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusDirectoryRequests = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tracker",
			Subsystem: "directory",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a directory request",
			Buckets:   util.MetricsBucketsMilliSeconds,
		},
		[]string{"request"},
	)

	prometheusDirectoryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "directory",
			Name:      "request_errors",
			Help:      "Number of directory requests answered with an error",
		},
		[]string{"request"},
	)

	prometheusDirectoryRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "directory",
			Name:      "records",
			Help:      "Number of provider records",
		},
	)

	prometheusDirectoryActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "directory",
			Name:      "active_records",
			Help:      "Number of provider records not marked stale",
		},
	)

	prometheusDirectoryWatermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "directory",
			Name:      "watermark",
			Help:      "Next block height to be indexed",
		},
	)
}

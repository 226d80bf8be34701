package indexer

import (
	"sync"

	"github.com/bsv-blockchain/tracker/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusIndexerCycle         prometheus.Histogram
	prometheusIndexerBlocks        prometheus.Counter
	prometheusIndexerTip           prometheus.Gauge
	prometheusIndexerMempoolTxs    prometheus.Counter
	prometheusIndexerAnnouncements prometheus.Counter
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusIndexerCycle = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tracker",
			Subsystem: "indexer",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent on one indexing pass",
			Buckets:   util.MetricsBucketsMilliLongSeconds,
		},
	)

	prometheusIndexerBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "indexer",
			Name:      "blocks_indexed",
			Help:      "Number of blocks indexed",
		},
	)

	prometheusIndexerTip = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tracker",
			Subsystem: "indexer",
			Name:      "node_tip_height",
			Help:      "Last tip height reported by the node",
		},
	)

	prometheusIndexerMempoolTxs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "indexer",
			Name:      "mempool_txs",
			Help:      "Number of mempool transactions recorded",
		},
	)

	prometheusIndexerAnnouncements = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "indexer",
			Name:      "announcements",
			Help:      "Number of maker announcements found in blocks",
		},
	)
}

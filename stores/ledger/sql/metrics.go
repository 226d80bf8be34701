package sql

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusLedgerOps    *prometheus.CounterVec
	prometheusLedgerErrors *prometheus.CounterVec

	// only init the metrics once
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusLedgerOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "ledger_sql",
			Name:      "operations",
			Help:      "Number of ledger operations done to sql",
		},
		[]string{
			"function", // store function called
		},
	)
	prometheusLedgerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "ledger_sql",
			Name:      "errors",
			Help:      "Number of ledger sql errors",
		},
		[]string{
			"function", // function raising the error
			"error",    // error category
		},
	)
}

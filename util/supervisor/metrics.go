package supervisor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusSupervisorStatuses *prometheus.CounterVec
	prometheusSupervisorRestarts *prometheus.CounterVec
)

var prometheusMetricsInitOnce sync.Once

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusSupervisorStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "supervisor",
			Name:      "statuses",
			Help:      "Number of status messages received, by subsystem and kind",
		},
		[]string{"subsystem", "kind"},
	)

	prometheusSupervisorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tracker",
			Subsystem: "supervisor",
			Name:      "restarts",
			Help:      "Number of subsystem restarts, by subsystem and error category",
		},
		[]string{"subsystem", "category"},
	)
}

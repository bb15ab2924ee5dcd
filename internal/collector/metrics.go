package collector

import "github.com/prometheus/client_golang/prometheus"

var (
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clickmon_cycle_duration_seconds",
			Help:    "Duration of one collection cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"instance"},
	)
	queryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickmon_query_errors_total",
			Help: "Total number of failed collection routines",
		},
		[]string{"instance", "source"},
	)
	rowsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clickmon_rows_skipped_total",
			Help: "Custom query rows dropped before emission",
		},
		[]string{"instance", "reason"},
	)
	connectionUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clickmon_connection_up",
			Help: "Whether the ClickHouse session is established (1) or not (0)",
		},
		[]string{"instance"},
	)
)

func init() {
	prometheus.MustRegister(cycleDuration, queryErrors, rowsSkipped, connectionUp)
}

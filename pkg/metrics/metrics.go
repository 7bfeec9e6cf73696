package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qserver_queue_items",
			Help: "Number of items in the plan queue",
		},
	)

	HistoryItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qserver_history_items",
			Help: "Number of items in the plan history",
		},
	)

	ManagerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qserver_manager_state",
			Help: "Current manager state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	EnvironmentExists = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qserver_worker_environment_exists",
			Help: "Whether a worker environment is open (1 = open)",
		},
	)

	// Execution metrics
	ItemsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qserver_items_started_total",
			Help: "Total number of plans handed to the run engine",
		},
	)

	ItemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qserver_items_processed_total",
			Help: "Total number of processed items by exit status",
		},
		[]string{"exit_status"},
	)

	EnvironmentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qserver_environment_failures_total",
			Help: "Total number of worker environment failures",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qserver_api_requests_total",
			Help: "Total number of control channel requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qserver_api_request_duration_seconds",
			Help:    "Control channel request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(QueueItems)
	prometheus.MustRegister(HistoryItems)
	prometheus.MustRegister(ManagerState)
	prometheus.MustRegister(EnvironmentExists)
	prometheus.MustRegister(ItemsStarted)
	prometheus.MustRegister(ItemsProcessed)
	prometheus.MustRegister(EnvironmentFailures)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

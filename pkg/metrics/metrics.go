package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Core throughput metrics
	OperationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_operations_total",
			Help: "Total number of state-changing operations",
		},
	)

	TasksProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_processed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_failed_total",
			Help: "Total number of tasks failed",
		},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_workers_active",
			Help: "Number of registered workers not offline",
		},
	)

	TasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_active",
			Help: "Number of tasks in a non-terminal state",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Bus metrics
	BusQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_bus_queue_depth",
			Help: "Message bus queue depth by priority",
		},
		[]string{"priority"},
	)

	BusMessagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_bus_messages_failed_total",
			Help: "Messages dropped after exhausting their retry budget",
		},
	)

	// Persistence metrics
	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_snapshots_total",
			Help: "Total number of state snapshots written",
		},
	)

	PersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_persist_failures_total",
			Help: "Total number of failed persistence writes",
		},
	)

	// Liveness metrics
	WorkerTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_worker_timeouts_total",
			Help: "Workers marked offline after heartbeat lapse",
		},
	)

	TasksReassignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_reassigned_total",
			Help: "Tasks returned to pending from an offline worker",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(TasksProcessedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(TasksActive)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BusQueueDepth)
	prometheus.MustRegister(BusMessagesFailed)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(PersistFailuresTotal)
	prometheus.MustRegister(WorkerTimeoutsTotal)
	prometheus.MustRegister(TasksReassignedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

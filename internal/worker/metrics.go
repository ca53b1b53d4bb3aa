package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal counts intercepted fetches by response source
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_fetch_total",
			Help: "Total number of intercepted fetches by response source",
		},
		[]string{"source"}, // "network", "cache", "offline", "synthetic"
	)

	// FetchDuration tracks interception latency by response source
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline_hub_fetch_duration_seconds",
			Help:    "Intercepted fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// CachePutErrors tracks failed opportunistic or install cache writes
	CachePutErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_cache_put_errors_total",
			Help: "Total number of failed cache writes",
		},
		[]string{"reason"}, // "quota", "other"
	)

	// InstallTotal counts install attempts by result
	InstallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_install_total",
			Help: "Total number of generation install attempts",
		},
		[]string{"result"}, // "success", "failure"
	)

	// GenerationsDeleted counts cache generations removed by activation or CLEAR_CACHE
	GenerationsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_generations_deleted_total",
			Help: "Total number of deleted cache generations",
		},
		[]string{"reason"}, // "activate", "clear"
	)

	// ControllerChanges counts controllerchange events delivered to clients
	ControllerChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_hub_controllerchange_total",
			Help: "Total number of controllerchange events sent to clients",
		},
	)

	// PendingTasks tracks work registered through WaitUntil that has not settled yet
	PendingTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_hub_pending_tasks",
			Help: "Number of extended-lifetime tasks still running",
		},
	)
)

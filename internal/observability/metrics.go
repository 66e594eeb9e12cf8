package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., bifrost_...).
const namespace = "bifrost"

// lowLatencyBuckets resolves the in-process evaluation path, which is expected
// to finish in microseconds. Range: 10µs to 50ms.
var lowLatencyBuckets = []float64{.00001, .000025, .00005, .0001, .00025, .0005, .001, .005, .010, .050}

var (
	// -------------------------------------------------------------------------
	// CONTROL PLANE (HTTP)
	// -------------------------------------------------------------------------

	// ControlPlaneReqDuration measures the latency of admin HTTP requests.
	// Metric: bifrost_control_plane_http_handling_seconds
	ControlPlaneReqDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_handling_seconds",
		Help:      "Time taken to handle HTTP requests in the Control Plane",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ControlPlaneReqTotal counts admin HTTP requests.
	// Metric: bifrost_control_plane_http_requests_total
	ControlPlaneReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control_plane",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests in the Control Plane",
	}, []string{"method", "route", "code"})

	// -------------------------------------------------------------------------
	// EVALUATION
	// -------------------------------------------------------------------------

	// EvaluationsTotal counts flag evaluations by outcome reason.
	// Metric: bifrost_evaluation_requests_total
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "requests_total",
		Help:      "Total flag evaluations by reason",
	}, []string{"reason"})

	// EvaluationDuration measures uncached evaluations.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "duration_seconds",
		Help:      "Time taken to evaluate a flag on a cache miss",
		Buckets:   lowLatencyBuckets,
	})

	// --- Evaluation cache (otter) ---

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "cache_hits_total",
		Help:      "Total evaluation cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "cache_misses_total",
		Help:      "Total evaluation cache misses",
	})

	// CacheItems tracks item count; S3-FIFO (otter) counts entries, not bytes.
	CacheItems = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "cache_items_count",
		Help:      "Current number of entries in the evaluation cache",
	})

	// CacheDropped tracks writes rejected by the cache under contention.
	CacheDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "cache_dropped_total",
		Help:      "Total cache sets dropped due to write buffer contention",
	})

	// CacheInvalidations counts entries removed before expiry.
	// cause: flag_change, sweep
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "evaluation",
		Name:      "cache_invalidations_total",
		Help:      "Total evaluation cache entries removed before expiry",
	}, []string{"cause"})

	// -------------------------------------------------------------------------
	// REGISTRY
	// -------------------------------------------------------------------------

	RegistryFlags = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "flags_count",
		Help:      "Number of flags held by the registry",
	})

	// RegistryMutationsTotal counts version bumps. kind: upsert, mutate
	RegistryMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "mutations_total",
		Help:      "Total flag mutations applied to the registry",
	}, []string{"kind"})

	// RegistryPersistTotal counts asynchronous writes of accepted flag versions
	// to the flag store. status: ok, stale, fail
	RegistryPersistTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "persist_total",
		Help:      "Total flag versions written to the flag store",
	}, []string{"status"})

	// -------------------------------------------------------------------------
	// METRICS RECORDER + ROLLBACK
	// -------------------------------------------------------------------------

	RecorderSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "samples_total",
		Help:      "Total metric samples recorded",
	}, []string{"metric"})

	RecorderPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "pruned_samples_total",
		Help:      "Total samples removed for exceeding the retention window",
	})

	RecorderSeries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "series_count",
		Help:      "Current number of (flag, metric, language) series",
	})

	// RollbacksTotal counts applied rollbacks.
	// mode: automatic, manual. scope: global, language
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollback",
		Name:      "events_total",
		Help:      "Total rollbacks applied",
	}, []string{"mode", "scope"})

	// RollbacksSuppressed counts breaches ignored because of an active cooldown.
	RollbacksSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollback",
		Name:      "suppressed_total",
		Help:      "Total trigger breaches suppressed by cooldown",
	})

	// NotificationsTotal counts delivery attempts per sink. status: success, fail
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollback",
		Name:      "notifications_total",
		Help:      "Total rollback notification attempts",
	}, []string{"sink", "status"})

	// -------------------------------------------------------------------------
	// SCHEDULER + INGEST
	// -------------------------------------------------------------------------

	SchedulerTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Duration of periodic scheduler tasks",
		Buckets:   prometheus.DefBuckets,
	}, []string{"task"})

	// IngestSamplesTotal counts samples drained from the ingest queue.
	// status: ok, malformed, unknown_flag
	IngestSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "samples_total",
		Help:      "Total samples drained from the ingest queue",
	}, []string{"status"})

	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Current number of samples waiting in the ingest queue",
	})

	// -------------------------------------------------------------------------
	// READINESS
	// -------------------------------------------------------------------------

	// DependencyUp is 1 when the last readiness check of a component passed.
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "readiness",
		Name:      "dependency_up",
		Help:      "Result of the last readiness check per dependency (1 up, 0 down)",
	}, []string{"component"})

	// -------------------------------------------------------------------------
	// DATABASE POOL
	// -------------------------------------------------------------------------

	// DBPoolConns tracks pgx pool connections. state: total, idle, acquired
	DBPoolConns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "connections",
		Help:      "Current number of PostgreSQL pool connections by state",
	}, []string{"state"})

	DBPoolMaxConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "max_connections",
		Help:      "Configured maximum size of the PostgreSQL pool",
	})

	// DBPoolWaitDuration is the cumulative time spent waiting for a connection.
	DBPoolWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "acquire_wait_seconds_total",
		Help:      "Cumulative time blocked waiting for a PostgreSQL connection",
	})

	DBPoolEmptyAcquires = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "db_pool",
		Name:      "empty_acquire_total",
		Help:      "Cumulative acquires that had to wait because the pool was empty",
	})
)

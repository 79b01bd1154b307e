package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redis Operations Metrics
var (
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Join Decision Metrics
var (
	// JoinDecisionsTotal counts join and review outcomes: approved, pending, disapproved, withdrawn, rejected.
	JoinDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_decisions_total",
			Help: "Join request decisions by path and result",
		},
		[]string{"path", "result"},
	)

	// JoinConflictRetries counts optimistic concurrency retries in the join/review loop.
	JoinConflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "join_conflict_retries_total",
			Help: "Optimistic concurrency retries by path",
		},
		[]string{"path"},
	)

	MembershipLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_lookups_total",
			Help: "Chat-space membership lookups by result",
		},
		[]string{"result"},
	)
)

// Sync Orchestrator Metrics
var (
	SyncTasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tasks_enqueued_total",
			Help: "Sync tasks accepted into a stream queue by kind",
		},
		[]string{"kind"},
	)

	SyncTasksCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tasks_coalesced_total",
			Help: "Sync tasks dropped because an identical key was already queued",
		},
		[]string{"kind"},
	)

	// SyncTasksCompleted counts finished tasks by kind and result (success, skipped, permanent, exhausted, aborted).
	SyncTasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_tasks_completed_total",
			Help: "Finished sync tasks by kind and result",
		},
		[]string{"kind", "result"},
	)

	SyncLeaseWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_lease_waits_total",
			Help: "Times a sync task waited because another instance held its lease",
		},
		[]string{"kind"},
	)

	SyncTaskAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_task_attempts_total",
			Help: "Provider call attempts by kind",
		},
		[]string{"kind"},
	)

	SyncQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Sync tasks queued or parked across all streams",
		},
	)

	SyncParkedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_parked_tasks",
			Help: "Sync tasks waiting for a stream's provider reference",
		},
	)

	SyncFailuresRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_failures_recorded_total",
			Help: "Sync failures raised to operators by kind",
		},
		[]string{"kind"},
	)
)

// Provider Gateway Metrics
var (
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider API request duration by operation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// ProviderRequestsTotal counts provider calls by operation and outcome (success, exists, transient, rate_limited, permanent).
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Provider API requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)

// Notification Metrics
var (
	NotificationsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_emitted_total",
			Help: "Notifications handed to the emitter by kind",
		},
		[]string{"kind"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Notifications lost by reason",
		},
		[]string{"reason"},
	)
)

// Database Metrics
var (
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	DBConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_connections_current",
			Help: "Current database connections by state (active/idle)",
		},
		[]string{"state"},
	)

	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)

// Coordination Metrics
var (
	LeaderElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leader_elections_total",
			Help: "Total successful leader elections by key",
		},
		[]string{"key"},
	)

	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "1 if this instance is the leader for the given key, 0 otherwise",
		},
		[]string{"key"},
	)

	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Reconciler passes by result",
		},
		[]string{"result"},
	)

	ReconcileRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_requeued_total",
			Help: "Sync tasks re-enqueued by the reconciler by kind",
		},
		[]string{"kind"},
	)
)

// HTTP Metrics
var (
	HTTPErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total HTTP errors by error type",
		},
		[]string{"type"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPInFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

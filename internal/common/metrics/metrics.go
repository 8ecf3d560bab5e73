package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poller metrics

	// PollersActive tracks the number of running trigger pollers
	PollersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "triggerflow",
			Subsystem: "poller",
			Name:      "active",
			Help:      "Number of running trigger pollers",
		},
	)

	// PollerTicks tracks poll loop iterations per trigger
	PollerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "poller",
			Name:      "ticks_total",
			Help:      "Total poll iterations",
		},
		[]string{"trigger_id", "result"}, // result: received, empty, error
	)

	// PollerEventsProcessed tracks events evaluated per trigger
	PollerEventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "poller",
			Name:      "events_processed_total",
			Help:      "Total events evaluated against trigger filters",
		},
		[]string{"trigger_id", "result"}, // result: dispatched, filtered, error
	)

	// PollerInterval tracks the current adaptive poll interval
	PollerInterval = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "triggerflow",
			Subsystem: "poller",
			Name:      "interval_seconds",
			Help:      "Current adaptive poll interval",
		},
		[]string{"trigger_id"},
	)

	// PollerDemotions tracks pollers stopped by an internal error
	PollerDemotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "poller",
			Name:      "demotions_total",
			Help:      "Total pollers demoted to PENDING after an internal error",
		},
	)

	// PollerOutstandingActions tracks actions awaiting completion per trigger
	PollerOutstandingActions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "triggerflow",
			Subsystem: "poller",
			Name:      "outstanding_actions",
			Help:      "Actions dispatched but not yet complete",
		},
		[]string{"trigger_id"},
	)

	// Reaper metrics

	// ReaperTracked tracks pollers the reaper is waiting on
	ReaperTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "triggerflow",
			Subsystem: "reaper",
			Name:      "tracked_pollers",
			Help:      "Pollers the reaper is waiting on",
		},
	)

	// ReaperFinalized tracks finalized pollers by final trigger state
	ReaperFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "reaper",
			Name:      "finalized_total",
			Help:      "Total pollers finalized",
		},
		[]string{"state"},
	)

	// Action client metrics

	// ActionRequests tracks calls to action providers
	ActionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "action",
			Name:      "requests_total",
			Help:      "Total requests to action providers",
		},
		[]string{"operation", "result"}, // operation: run, status, release
	)

	// ActionHTTPDuration tracks action provider request duration
	ActionHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triggerflow",
			Subsystem: "action",
			Name:      "http_duration_seconds",
			Help:      "Action provider request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// ActionCircuitBreakerState tracks circuit breaker state per action URL
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	ActionCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "triggerflow",
			Subsystem: "action",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// ActionCircuitBreakerTrips tracks circuit breaker trip events
	ActionCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "action",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	// Queue metrics

	// QueueMessagesReceived tracks messages read from trigger queues
	QueueMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "queues",
			Name:      "messages_received_total",
			Help:      "Total messages received from trigger queues",
		},
		[]string{"backend"}, // globus, sqs, embedded
	)

	// QueueMessagesDeleted tracks messages acknowledged on trigger queues
	QueueMessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "queues",
			Name:      "messages_deleted_total",
			Help:      "Total messages deleted from trigger queues",
		},
		[]string{"backend"},
	)

	// QueueReceiveErrors tracks failed queue reads
	QueueReceiveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "queues",
			Name:      "receive_errors_total",
			Help:      "Total failed queue reads",
		},
		[]string{"backend"},
	)

	// QueueDeleteErrors tracks failed queue message deletions
	QueueDeleteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "queues",
			Name:      "delete_errors_total",
			Help:      "Total failed queue message deletions",
		},
		[]string{"backend"},
	)

	// Auth metrics

	// AuthIntrospections tracks token introspection calls
	AuthIntrospections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "auth",
			Name:      "introspections_total",
			Help:      "Total token introspection calls",
		},
		[]string{"result"}, // active, inactive, error
	)

	// AuthTokenRefreshes tracks refresh grant calls
	AuthTokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total refresh token grants",
		},
		[]string{"result"}, // success, error
	)

	// AuthDependentGrants tracks dependent token grants
	AuthDependentGrants = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "auth",
			Name:      "dependent_grants_total",
			Help:      "Total dependent token grants",
		},
	)

	// AuthScopeCacheHits tracks scope id cache hits
	AuthScopeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "auth",
			Name:      "scope_cache_hits_total",
			Help:      "Total scope id cache hits",
		},
	)

	// AuthScopeCacheMisses tracks scope id cache misses
	AuthScopeCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "auth",
			Name:      "scope_cache_misses_total",
			Help:      "Total scope id cache misses",
		},
	)

	// Leader election metrics

	// LeaderIsLeader reports whether this replica holds the leader lock
	LeaderIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "triggerflow",
			Subsystem: "leader",
			Name:      "is_leader",
			Help:      "Whether this replica holds the leader lock (1) or not (0)",
		},
	)

	// LeaderTransitions tracks elections and demotions on this replica
	LeaderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "leader",
			Name:      "transitions_total",
			Help:      "Total leadership transitions on this replica",
		},
		[]string{"transition"}, // elected, demoted
	)

	// Reconciler metrics

	// ReconcilerEvents tracks trigger change stream events applied
	ReconcilerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "reconciler",
			Name:      "events_total",
			Help:      "Total trigger change stream events applied",
		},
		[]string{"operation"}, // insert, update, replace, delete
	)

	// ReconcilerStreamErrors tracks change stream failures forcing a reopen
	ReconcilerStreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "reconciler",
			Name:      "stream_errors_total",
			Help:      "Total change stream failures",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triggerflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "triggerflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

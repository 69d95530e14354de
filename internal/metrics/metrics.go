package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upstream Ingestion Metrics
var (
	// NotificationsTotal tracks upstream notifications accepted by transport and event type
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_notifications_total",
			Help: "Total upstream notifications accepted by transport and event type",
		},
		[]string{"transport", "event_type"},
	)

	// DuplicatesDropped tracks notifications dropped by the dedupe window
	DuplicatesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_duplicates_dropped_total",
			Help: "Total notifications dropped as duplicates by transport",
		},
		[]string{"transport"},
	)

	// WebhookRejections tracks webhook deliveries rejected before processing
	WebhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_rejections_total",
			Help: "Webhook deliveries rejected by reason (bad_signature/stale_timestamp/unknown_type)",
		},
		[]string{"reason"},
	)

	// RevocationsTotal tracks subscription revocations received upstream
	RevocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_revocations_total",
			Help: "Total subscription revocations received by revocation status",
		},
		[]string{"status"},
	)
)

// Upstream WebSocket Session Metrics
var (
	// WsSessionState tracks upstream session state (0=disconnected, 1=connecting, 2=connected)
	WsSessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_ws_session_state",
			Help: "Upstream WebSocket session state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	// WsReconnectsTotal tracks upstream reconnects by trigger
	WsReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_ws_reconnects_total",
			Help: "Total upstream WebSocket reconnects by trigger (keepalive_timeout/reconnect_frame/read_error/close)",
		},
		[]string{"trigger"},
	)

	// WsKeepaliveMisses tracks keepalive deadline expirations
	WsKeepaliveMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_ws_keepalive_misses_total",
			Help: "Total upstream WebSocket keepalive deadline expirations",
		},
	)
)

// Subscription Manager Metrics
var (
	// SubscriptionsActive tracks live upstream subscriptions by transport
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Current live upstream subscriptions by transport",
		},
		[]string{"transport"},
	)

	// SubscriptionCreatesTotal tracks subscription create attempts by outcome
	SubscriptionCreatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_creates_total",
			Help: "Total subscription create attempts by outcome (created/conflict/error)",
		},
		[]string{"outcome"},
	)

	// SubscriptionCost tracks the reported total subscription cost
	SubscriptionCost = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscription_cost_total",
			Help: "Total upstream subscription cost as last reported",
		},
	)

	// ReconcileRunsTotal tracks reconciler passes by outcome
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_reconcile_runs_total",
			Help: "Total reconciler passes by outcome (clean/repaired/error)",
		},
		[]string{"outcome"},
	)
)

// Fan-out Metrics
var (
	// FanoutDelivered tracks notifications delivered downstream by transport
	FanoutDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_delivered_total",
			Help: "Total notifications delivered downstream by transport (ws/webhook)",
		},
		[]string{"transport"},
	)

	// FanoutDropped tracks notifications dropped before delivery by cause
	FanoutDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_dropped_total",
			Help: "Total notifications dropped by cause (no_interest/slow_client/queue_full/breaker_open)",
		},
		[]string{"cause"},
	)

	// FanoutQueueDepth tracks per-client send queue depth at enqueue time
	FanoutQueueDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fanout_queue_depth",
			Help:    "Per-client send queue depth observed at enqueue time",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// WebhookPostDuration tracks downstream webhook POST duration by outcome
	WebhookPostDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_post_duration_seconds",
			Help:    "Downstream webhook POST duration in seconds by outcome",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"},
	)

	// DownstreamConnections tracks currently connected downstream WebSocket clients
	DownstreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "downstream_ws_connections",
			Help: "Currently connected downstream WebSocket clients",
		},
	)
)

// Interest Registry Metrics
var (
	// InterestsActive tracks registered interests by transport
	InterestsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "interests_active",
			Help: "Current registered interests by transport",
		},
		[]string{"transport"},
	)

	// InterestsPruned tracks interests removed by the staleness pruner
	InterestsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "interests_pruned_total",
			Help: "Total interests removed by the staleness pruner",
		},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks database query duration by query name
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks database errors by query name
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)
)

// Redis Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Circuit Breaker Metrics
var (
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

// HTTP Request Metrics
// Note: These are automatically provided by echoprometheus middleware
// - http_requests_total{method, path, status}
// - http_request_duration_seconds{method, path}

// HTTP Error Metrics
// Note: http_errors_total{type} is provided by internal/errors package

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Spool tailer/flush/send outcomes and backoff state
//   - Reconciler run counts, per-kind event totals, and label-map resolutions
//   - SK HTTP client request outcomes by endpoint and status
//   - Gateway WebSocket connection counts and close-cause breakdown
//   - Voice-send dedupe hit/miss rates
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.SpoolEventsEnqueued.WithLabelValues("message").Inc()
//	metrics.SKRequestDuration.WithLabelValues("attach").Observe(time.Since(start).Seconds())
type Metrics struct {
	// SpoolEventsEnqueued counts events appended to the in-memory pending list.
	// Labels: kind (message|toolCall)
	SpoolEventsEnqueued *prometheus.CounterVec

	// SpoolFlushTotal counts flush() invocations by outcome.
	// Labels: outcome (ok; failed flushes are not counted)
	SpoolFlushTotal *prometheus.CounterVec

	// SpoolSendTotal counts processSpool() dispatch attempts by outcome.
	// Labels: outcome (ok|error)
	SpoolSendTotal *prometheus.CounterVec

	// SpoolConsecutiveFailures is a gauge of the current consecutive-failure streak.
	SpoolConsecutiveFailures *prometheus.GaugeVec

	// SpoolBackoffMs observes the computed backoff delay in milliseconds.
	SpoolBackoffMs *prometheus.HistogramVec

	// SpoolOffsetBytes is a gauge of the sender's byte offset into spool.jsonl.
	// Labels: path (of spool.jsonl)
	SpoolOffsetBytes *prometheus.GaugeVec

	// ReconcileRunsTotal counts reconciler invocations by mode.
	// Labels: mode (dry-run|fix)
	ReconcileRunsTotal *prometheus.CounterVec

	// ReconcileSessionsTotal counts sessions visited by outcome.
	// Labels: outcome (matched|skipped|binding_missing)
	ReconcileSessionsTotal *prometheus.CounterVec

	// ReconcileEventsTotal counts re-emitted events by kind.
	// Labels: kind (message|toolCall|attach)
	ReconcileEventsTotal *prometheus.CounterVec

	// ReconcileLabelMapResolutions counts hashed-label resolution attempts by outcome.
	// Labels: outcome (resolved|unresolved)
	ReconcileLabelMapResolutions *prometheus.CounterVec

	// SKRequestDuration measures SK HTTP client call latency in seconds.
	// Labels: endpoint
	SKRequestDuration *prometheus.HistogramVec

	// SKRequestTotal counts SK HTTP client calls by endpoint and status class.
	// Labels: endpoint, status (2xx|4xx|5xx|error)
	SKRequestTotal *prometheus.CounterVec

	// GatewayConnectionsTotal counts accepted WebSocket connections.
	GatewayConnectionsTotal prometheus.Counter

	// GatewayConnectionsActive is a gauge of currently open WebSocket connections.
	GatewayConnectionsActive prometheus.Gauge

	// GatewayCloseTotal counts connection closures by cause.
	// Labels: cause (handshake-timeout|ws-backpressure|read-error|challenge-send-failed)
	GatewayCloseTotal *prometheus.CounterVec

	// GatewayPresenceVersion is a gauge mirroring the monotonic presence version.
	GatewayPresenceVersion prometheus.Gauge

	// GatewayHealthVersion is a gauge mirroring the monotonic health version.
	GatewayHealthVersion prometheus.Gauge

	// DedupeDecisionsTotal counts shouldDedupe outcomes.
	// Labels: result (duplicate|unique)
	DedupeDecisionsTotal *prometheus.CounterVec

	// DedupeEvictionsTotal counts LRU evictions by level.
	// Labels: level (chat|fingerprint)
	DedupeEvictionsTotal *prometheus.CounterVec

	// SessionLockTotal counts task-lock acquisition attempts by outcome.
	// Labels: outcome (acquired|conflict|error)
	SessionLockTotal *prometheus.CounterVec

	// SessionSpawnTotal counts spawn-tool invocations by outcome.
	// Labels: outcome (spawned|reused|conflict)
	SessionSpawnTotal *prometheus.CounterVec

	// ParentWakesTotal counts wake-parent-on-end RPCs issued.
	ParentWakesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint exposed by the gateway's HTTP mux.
func NewMetrics() *Metrics {
	return &Metrics{
		SpoolEventsEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_spool_events_enqueued_total",
				Help: "Total number of events enqueued into the spool pending list, by kind",
			},
			[]string{"kind"},
		),
		SpoolFlushTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_spool_flush_total",
				Help: "Total number of spool flush operations by outcome",
			},
			[]string{"outcome"},
		),
		SpoolSendTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_spool_send_total",
				Help: "Total number of spool send dispatch attempts by outcome",
			},
			[]string{"outcome"},
		),
		SpoolConsecutiveFailures: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sksync_spool_consecutive_failures",
				Help: "Current consecutive send-failure streak for the spool sender",
			},
			[]string{"plugin_id"},
		),
		SpoolBackoffMs: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sksync_spool_backoff_ms",
				Help:    "Computed backoff delay in milliseconds before the next spool send attempt",
				Buckets: []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
			},
			[]string{"plugin_id"},
		),
		SpoolOffsetBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sksync_spool_tailer_offset_bytes",
				Help: "Current byte cursor for a tailed transcript file",
			},
			[]string{"path"},
		),
		ReconcileRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_reconcile_runs_total",
				Help: "Total number of reconciler invocations by mode",
			},
			[]string{"mode"},
		),
		ReconcileSessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_reconcile_sessions_total",
				Help: "Total number of sessions visited by the reconciler, by outcome",
			},
			[]string{"outcome"},
		),
		ReconcileEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_reconcile_events_total",
				Help: "Total number of events re-emitted by the reconciler, by kind",
			},
			[]string{"kind"},
		),
		ReconcileLabelMapResolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_reconcile_label_map_resolutions_total",
				Help: "Total number of hashed-label resolution attempts, by outcome",
			},
			[]string{"outcome"},
		),
		SKRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sksync_sk_request_duration_seconds",
				Help:    "Super-Kanban HTTP client request latency in seconds, by endpoint",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),
		SKRequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_sk_requests_total",
				Help: "Total number of Super-Kanban HTTP client requests by endpoint and status class",
			},
			[]string{"endpoint", "status"},
		),
		GatewayConnectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sksync_gateway_connections_total",
				Help: "Total number of accepted gateway WebSocket connections",
			},
		),
		GatewayConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sksync_gateway_connections_active",
				Help: "Current number of open gateway WebSocket connections",
			},
		),
		GatewayCloseTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_gateway_close_total",
				Help: "Total number of gateway WebSocket connections closed, by cause",
			},
			[]string{"cause"},
		),
		GatewayPresenceVersion: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sksync_gateway_presence_version",
				Help: "Current monotonic presence broadcast version",
			},
		),
		GatewayHealthVersion: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sksync_gateway_health_version",
				Help: "Current monotonic health broadcast version",
			},
		),
		DedupeDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_dedupe_decisions_total",
				Help: "Total number of voice-send dedupe decisions, by result",
			},
			[]string{"result"},
		),
		DedupeEvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_dedupe_evictions_total",
				Help: "Total number of LRU evictions performed by the voice-send deduper, by level",
			},
			[]string{"level"},
		),
		SessionLockTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_session_lock_total",
				Help: "Total number of task-lock acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),
		SessionSpawnTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sksync_session_spawn_total",
				Help: "Total number of spawn-tool invocations by outcome",
			},
			[]string{"outcome"},
		),
		ParentWakesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sksync_parent_wakes_total",
				Help: "Total number of wake-parent-on-end RPCs issued",
			},
		),
	}
}

// StatusClass buckets an HTTP status code into the label used by SKRequestTotal.
func StatusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "error"
	}
}

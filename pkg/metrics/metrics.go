package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreLatency measures storage operations by operation and result (ok|error|timeout).
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "giftbox_store_operation_seconds",
			Help:    "Gift storage operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	// PoolInUse tracks storage worker slots currently held.
	PoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftbox_store_pool_in_use",
			Help: "Number of storage worker slots in use",
		},
	)

	// GiftTransitions counts lifecycle transitions by kind (sent|claimed|expired).
	GiftTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftbox_gift_transitions_total",
			Help: "Total number of gift lifecycle transitions",
		},
		[]string{"kind"},
	)

	// ClaimOutcomes counts claim workflow results (delivered|busy|stale|expired|no_capacity|failed|lost).
	ClaimOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftbox_claim_outcomes_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"mode", "outcome"},
	)

	// AuditFailures counts audit rows that could not be written.
	AuditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "giftbox_audit_failures_total",
			Help: "Total number of audit entries dropped after a write failure",
		},
	)

	// SweepRuns counts expiry sweep runs by result (ok|error|panic).
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftbox_sweep_runs_total",
			Help: "Total number of expiry sweep runs",
		},
		[]string{"result"},
	)

	// PermissionChecks counts permission decisions (allowed|denied).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftbox_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"permission", "result"},
	)

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "giftbox_rate_limited_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"path"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "giftbox_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// APIInFlight tracks requests currently being served.
	APIInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftbox_api_in_flight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// EventStreams tracks open mailbox event stream connections.
	EventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "giftbox_event_streams_open",
			Help: "Number of open mailbox event streams",
		},
	)
)

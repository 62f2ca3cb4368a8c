package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the queue subsystem exposes. One
// instance per process; components receive it at construction.
type Collector struct {
	// Worker metrics
	WorkerMessageTotal          *prometheus.CounterVec
	WorkerProcessLatencySeconds prometheus.Histogram
	WorkerRetryTotal            *prometheus.CounterVec
	WorkerDLQTotal              *prometheus.CounterVec
	PoisonQuarantinedTotal      *prometheus.CounterVec

	// DLQ tooling metrics
	DLQReplayTotal *prometheus.CounterVec
	DLQPurgeTotal  *prometheus.CounterVec

	// Queue state metrics
	QueueDepth        *prometheus.GaugeVec
	BackpressureStage *prometheus.GaugeVec

	// Response metrics
	WorkerResponsePublishedTotal *prometheus.CounterVec
	StreamChunkPublishedTotal    *prometheus.CounterVec
	CoordinatorForwardedTotal    *prometheus.CounterVec
	CoordinatorMailboxDepth      *prometheus.GaugeVec
	CoordinatorDroppedTotal      *prometheus.CounterVec
	CoordinatorMisrouteTotal     *prometheus.CounterVec

	// Producer metrics
	PublishAttemptTotal        *prometheus.CounterVec
	PublishFailedTotal         *prometheus.CounterVec
	PublishLatencySeconds      *prometheus.HistogramVec
	BackpressureRejectTotal    *prometheus.CounterVec
	IdempotencyCollisionTotal  prometheus.Counter

	// Lifecycle metrics
	PromotionTotal *prometheus.CounterVec
	DemotionTotal  *prometheus.CounterVec

	// Audit metrics
	AuditFlushSize            prometheus.Histogram
	AuditFlushDurationSeconds prometheus.Histogram

	// Rate limiting metrics
	RateLimitThrottledTotal prometheus.Counter
	RateLimitWaitSeconds    prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewCollector registers the metric set on the default registry.
func NewCollector() *Collector {
	return newCollector(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewTestCollector registers on a private registry so tests can run in
// parallel without double-registration panics.
func NewTestCollector() *Collector {
	reg := prometheus.NewRegistry()
	return newCollector(reg, reg)
}

func newCollector(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		WorkerMessageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_message_total",
				Help: "Total messages processed by the worker",
			},
			[]string{"status", "type"},
		),
		WorkerProcessLatencySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "worker_process_latency_seconds",
				Help:    "Time to process a single message",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),
		WorkerRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_retry_total",
				Help: "Total retries scheduled",
			},
			[]string{"type"},
		),
		WorkerDLQTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_dlq_total",
				Help: "Total messages sent to DLQ",
			},
			[]string{"type"},
		),
		PoisonQuarantinedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poison_quarantined_total",
				Help: "Total messages quarantined as poison",
			},
			[]string{"type"},
		),
		DLQReplayTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_replay_total",
				Help: "Total DLQ messages replayed",
			},
			[]string{"org_id"},
		),
		DLQPurgeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlq_purge_total",
				Help: "Total DLQ messages purged by retention",
			},
			[]string{"org_id"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current queue depth for the org queue",
			},
			[]string{"org_id"},
		),
		BackpressureStage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backpressure_stage",
				Help: "Current backpressure stage for the org queue",
			},
			[]string{"org_id"},
		),
		WorkerResponsePublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_response_published_total",
				Help: "Total responses published by worker",
			},
			[]string{"type"},
		),
		StreamChunkPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_chunk_published_total",
				Help: "Total stream chunks published",
			},
			[]string{"agent_id"},
		),
		CoordinatorForwardedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_forwarded_total",
				Help: "Total responses forwarded to local agents",
			},
			[]string{"type"},
		),
		CoordinatorMailboxDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_mailbox_depth",
				Help: "Buffered responses per agent mailbox",
			},
			[]string{"agent_id"},
		),
		CoordinatorDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_dropped_total",
				Help: "Responses dropped by mailbox overflow policy",
			},
			[]string{"agent_id"},
		),
		CoordinatorMisrouteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_misroute_total",
				Help: "Responses received for an agent not hosted here",
			},
			[]string{"agent_id"},
		),
		PublishAttemptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_attempt_total",
				Help: "Total publish attempts",
			},
			[]string{"priority", "result"},
		),
		PublishFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "publish_failed_total",
				Help: "Total publish failures",
			},
			[]string{"reason"},
		),
		PublishLatencySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "publish_latency_seconds",
				Help:    "Producer publish latency",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"priority"},
		),
		BackpressureRejectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backpressure_reject_total",
				Help: "Publishes rejected by the backpressure policy",
			},
			[]string{"org_id", "priority"},
		),
		IdempotencyCollisionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "idempotency_collision_total",
				Help: "Duplicate publishes suppressed by dedup_key",
			},
		),
		PromotionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promotion_total",
				Help: "Messages promoted to a higher priority class",
			},
			[]string{"from", "to"},
		),
		DemotionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "demotion_total",
				Help: "Messages demoted on retry",
			},
			[]string{"type"},
		),
		AuditFlushSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_flush_size",
				Help:    "Events per audit batch flush",
				Buckets: []float64{1, 10, 25, 50, 100, 250, 500},
			},
		),
		AuditFlushDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_flush_duration_seconds",
				Help:    "Audit batch flush duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),
		RateLimitThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_throttled_total",
				Help: "Total times the producer waited for rate limit",
			},
		),
		RateLimitWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rate_limit_wait_seconds",
				Help:    "Seconds waited due to token-bucket limiting",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2},
			},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		c.WorkerMessageTotal,
		c.WorkerProcessLatencySeconds,
		c.WorkerRetryTotal,
		c.WorkerDLQTotal,
		c.PoisonQuarantinedTotal,
		c.DLQReplayTotal,
		c.DLQPurgeTotal,
		c.QueueDepth,
		c.BackpressureStage,
		c.WorkerResponsePublishedTotal,
		c.StreamChunkPublishedTotal,
		c.CoordinatorForwardedTotal,
		c.CoordinatorMailboxDepth,
		c.CoordinatorDroppedTotal,
		c.CoordinatorMisrouteTotal,
		c.PublishAttemptTotal,
		c.PublishFailedTotal,
		c.PublishLatencySeconds,
		c.BackpressureRejectTotal,
		c.IdempotencyCollisionTotal,
		c.PromotionTotal,
		c.DemotionTotal,
		c.AuditFlushSize,
		c.AuditFlushDurationSeconds,
		c.RateLimitThrottledTotal,
		c.RateLimitWaitSeconds,
	)

	return c
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveryAttempts tracks handler invocations by organisation, kind and outcome.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_delivery_attempts_total",
		Help: "Total delivery attempts by organisation, destination kind and outcome",
	}, []string{"organisation", "kind", "outcome"})

	// DeliveryDuration tracks handler wall time for completed attempts.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_delivery_duration_seconds",
		Help:    "Handler wall time per delivery attempt",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"kind"})

	// PayloadBytes tracks accepted payload sizes.
	PayloadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_payload_bytes",
		Help:    "Accepted delivery payload size distribution",
		Buckets: prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
	})

	// QueueDepth tracks the number of pending entries by status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_queue_depth",
		Help: "Current number of queue entries by status",
	}, []string{"status"})

	// QueueOldestPendingAge tracks the age of the oldest pending entry.
	QueueOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_queue_oldest_pending_age_seconds",
		Help: "Age of the oldest pending queue entry in seconds",
	})

	// OrganisationQueueDepth tracks pending depth per organisation.
	OrganisationQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_queue_depth_by_organisation",
		Help: "Current pending queue entries per organisation",
	}, []string{"organisation"})

	// RetryAttempts tracks scheduled retries.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_retry_attempts_total",
		Help: "Total retries scheduled, by destination kind",
	}, []string{"kind"})

	// CircuitTransitions tracks breaker state changes per destination.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_circuit_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"destination", "from", "to"})

	// CircuitTrips counts closed/half-open to open transitions.
	CircuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_circuit_trips_total",
		Help: "Circuit breaker trips to open",
	}, []string{"destination"})

	// CircuitRejections counts dispatches refused by an open circuit.
	CircuitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_circuit_rejections_total",
		Help: "Dispatches refused by an open circuit",
	}, []string{"destination"})

	// DestinationHealthScore samples consecutive failures per destination.
	DestinationHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_destination_consecutive_failures",
		Help: "Current consecutive failure count per destination",
	}, []string{"destination"})

	// SchedulerLoopDuration tracks the duration of the dispatch loop tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_scheduler_loop_duration_seconds",
		Help:    "Duration of the dispatch loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerInFlight tracks worker slots in use.
	SchedulerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_scheduler_in_flight",
		Help: "Queue entries currently held by workers",
	})

	// SchedulerDecisions tracks structured dispatch decisions by type.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_scheduler_decisions_total",
		Help: "Total scheduling decisions made",
	}, []string{"decision", "reason"})

	// ProcessingTime tracks created-to-processed latency for completed entries.
	ProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_processing_time_seconds",
		Help:    "Time from enqueue to terminal processing",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	})

	// AlertsGenerated tracks alerts passed by the debouncer.
	AlertsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_alerts_generated_total",
		Help: "Alerts emitted after debounce, by kind and severity",
	}, []string{"kind", "severity"})

	// AlertsSuppressed tracks alerts dropped by the debouncer.
	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_alerts_suppressed_total",
		Help: "Alerts suppressed, by kind and reason",
	}, []string{"kind", "reason"})

	// AlertsResolved tracks operator resolutions.
	AlertsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_alerts_resolved_total",
		Help: "Alert conditions marked resolved",
	}, []string{"kind"})

	// QueueCleanupDeleted tracks rows removed by retention cleanup.
	QueueCleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_queue_cleanup_deleted_total",
		Help: "Terminal queue entries removed by retention cleanup",
	}, []string{"status"})

	// StuckEntriesReleased tracks processing entries returned to pending.
	StuckEntriesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_stuck_entries_released_total",
		Help: "Processing entries released back to pending by the stuck sweep",
	})

	// ExpiredLinksDeleted tracks download links removed after expiry.
	ExpiredLinksDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_expired_links_deleted_total",
		Help: "Expired download links removed by retention cleanup",
	})

	// IdempotencyReservations tracks first-claim idempotency reservations.
	IdempotencyReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_idempotency_reservations_total",
		Help: "Idempotency keys reserved on first enqueue",
	})

	// IdempotencyDuplicates tracks duplicate enqueues short-circuited.
	IdempotencyDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_idempotency_duplicates_total",
		Help: "Enqueues rejected as idempotent duplicates",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// SecretRotations tracks webhook secret rotations.
	SecretRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_webhook_secret_rotations_total",
		Help: "Webhook signing secrets rotated",
	})
)

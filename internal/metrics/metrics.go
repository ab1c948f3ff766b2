package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_ingest_requests_total",
			Help: "Total number of ingestion requests by result.",
		},
		[]string{"result"}, // accepted, filtered, invalid, unauthorized, not_found, rate_limited, error
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_attempts_total",
			Help: "Total number of delivery attempts by outcome and failure reason.",
		},
		[]string{"outcome", "reason"},
	)

	AttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_attempt_duration_seconds",
			Help:    "Wall time of a single outbound delivery attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_total",
			Help: "Total number of deliveries that reached a terminal status.",
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of scheduled retries by failure reason.",
		},
		[]string{"reason"},
	)

	SkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_scheduler_skipped_total",
			Help: "Scheduler invocations that made no attempt, by cause.",
		},
		[]string{"cause"}, // missing, terminal, claimed, duplicate
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_dlq_total",
			Help: "Total number of dead-letter envelopes published.",
		},
	)

	RetentionPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_retention_purged_total",
			Help: "Total number of deliveries removed by the retention sweeper.",
		},
	)

	RetentionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_retention_errors_total",
			Help: "Total number of retention batches that failed and were rolled back.",
		},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_registry_cache_lookups_total",
			Help: "Subscription cache lookups by tier and result.",
		},
		[]string{"tier", "result"}, // tier: local, redis; result: hit, miss, error
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_worker_backlog",
			Help: "Deliveries that are pending, processing, or waiting on a retry.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		IngestRequestsTotal,
		AttemptsTotal,
		AttemptDurationSeconds,
		DeliveriesTotal,
		RetriesTotal,
		SkippedTotal,
		DLQTotal,
		RetentionPurgedTotal,
		RetentionErrorsTotal,
		CacheLookupsTotal,
		WorkerBacklog,
	)
}

func RecordIngest(result string) {
	IngestRequestsTotal.WithLabelValues(result).Inc()
}

// RecordAttempt counts one attempt and observes its duration. reason is empty on success.
func RecordAttempt(outcome, reason string, d time.Duration) {
	AttemptsTotal.WithLabelValues(outcome, reason).Inc()
	AttemptDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordSkip(cause string) {
	SkippedTotal.WithLabelValues(cause).Inc()
}

func RecordDLQ() {
	DLQTotal.Inc()
}

func RecordPurged(n int) {
	if n > 0 {
		RetentionPurgedTotal.Add(float64(n))
	}
}

func RecordRetentionError() {
	RetentionErrorsTotal.Inc()
}

func RecordCacheLookup(tier, result string) {
	CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

func UpdateWorkerBacklog(n int) {
	WorkerBacklog.Set(float64(n))
}

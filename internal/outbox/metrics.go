package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "outbox",
		Name:      "events_enqueued_total",
		Help:      "Events written to the outbox table, labeled by event type.",
	}, []string{"event_type"})

	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Events that failed to publish.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence_service",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "outbox",
		Name:      "events_dlq_total",
		Help:      "Events routed to the dead-letter queue, labeled by topic.",
	}, []string{"topic"})

	dlqRequeuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "dlq",
		Name:      "messages_requeued_total",
		Help:      "DLQ entries reinserted into the primary outbox.",
	}, []string{"topic", "event_type"})

	dlqQuarantinedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "dlq",
		Name:      "messages_quarantined_total",
		Help:      "DLQ entries quarantined after exhausting retries.",
	}, []string{"topic", "event_type"})

	dlqRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "dlq",
		Name:      "retry_scheduled_total",
		Help:      "Times a DLQ entry was scheduled for a future retry.",
	}, []string{"topic", "event_type"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence_service",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Entries remaining in the DLQ that are not quarantined.",
	})
)

func init() {
	prometheus.MustRegister(
		enqueuedCounter, deliveredCounter, failedCounter, batchDuration, dlqCounter,
		dlqRequeuedCounter, dlqQuarantinedCounter, dlqRetryCounter, dlqBacklogGauge,
	)
}

func updateBacklogGauge(ctx context.Context, pool *pgxpool.Pool) {
	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&count); err != nil {
		return
	}
	dlqBacklogGauge.Set(float64(count))
}

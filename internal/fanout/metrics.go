package fanout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/presence/internal/domain"
	"example.com/presence/internal/observability"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "fanout",
		Name:      "pushes_total",
		Help:      "Individual connection pushes, labeled by outcome.",
	}, []string{"outcome"})

	dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "fanout",
		Name:      "dispatches_total",
		Help:      "Completed dispatches, labeled by whether the user had any connections.",
	}, []string{"target"})

	malformedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "fanout",
		Name:      "malformed_envelopes_total",
		Help:      "Inbound envelopes dropped because they could not be parsed, labeled by source.",
	}, []string{"source"})

	dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence_service",
		Subsystem: "fanout",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent fanning one payload out.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(deliveriesTotal, dispatchesTotal, malformedTotal, dispatchDuration)
}

func recordDispatch(report domain.DeliveryReport, now time.Time) {
	observability.RecordDispatch(now)
	if report.Attempted == 0 {
		dispatchesTotal.WithLabelValues("offline").Inc()
		return
	}
	dispatchesTotal.WithLabelValues("online").Inc()
}

package presence

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Online/offline transitions recorded, labeled by direction.",
	}, []string{"direction"})

	publishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "presence",
		Name:      "publish_failures_total",
		Help:      "Presence change events that could not be handed to the publisher.",
	})

	sweptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "sweeper",
		Name:      "records_total",
		Help:      "Records handled by the sweeper, labeled by kind.",
	}, []string{"kind"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence_service",
		Subsystem: "sweeper",
		Name:      "run_duration_seconds",
		Help:      "Time spent in one sweep.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, publishFailuresTotal, sweptTotal, sweepDuration)
}

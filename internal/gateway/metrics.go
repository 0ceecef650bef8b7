package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	openConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence_service",
		Subsystem: "gateway",
		Name:      "open_connections",
		Help:      "WebSocket connections currently held by this process.",
	})

	connectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "gateway",
		Name:      "connects_total",
		Help:      "Connection attempts, labeled by result.",
	}, []string{"result"})

	framesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "gateway",
		Name:      "inbound_frames_total",
		Help:      "Text frames received from clients.",
	})

	forwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "gateway",
		Name:      "forwarded_pushes_total",
		Help:      "Pushes forwarded to the gateway instance holding the connection.",
	})

	cleanupRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence_service",
		Subsystem: "gateway",
		Name:      "cleanup_retries_total",
		Help:      "Registry removals retried after a storage failure on disconnect.",
	})
)

func init() {
	prometheus.MustRegister(openConnections, connectsTotal, framesTotal, forwardedTotal, cleanupRetriesTotal)
}

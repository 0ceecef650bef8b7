package registry

import "github.com/prometheus/client_golang/prometheus"

var mutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence_service",
	Subsystem: "registry",
	Name:      "mutations_total",
	Help:      "Connection set mutations, labeled by operation and result.",
}, []string{"op", "result"})

func init() {
	prometheus.MustRegister(mutationsTotal)
}

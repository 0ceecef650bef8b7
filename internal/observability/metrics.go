// Package observability holds process-wide watermark gauges.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	presenceTransitionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence_service",
		Subsystem: "presence",
		Name:      "last_transition_timestamp_seconds",
		Help:      "Unix timestamp of the most recent online or offline transition.",
	})
	dispatchGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence_service",
		Subsystem: "fanout",
		Name:      "last_dispatch_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed fan-out.",
	})
	sweepGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence_service",
		Subsystem: "sweeper",
		Name:      "last_sweep_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed sweep.",
	})
)

func init() {
	prometheus.MustRegister(presenceTransitionGauge, dispatchGauge, sweepGauge)
}

// RecordPresenceTransition updates the transition watermark gauge.
func RecordPresenceTransition(ts time.Time) {
	setWatermark(presenceTransitionGauge, ts)
}

// RecordDispatch updates the fan-out watermark gauge.
func RecordDispatch(ts time.Time) {
	setWatermark(dispatchGauge, ts)
}

// RecordSweep updates the sweep watermark gauge.
func RecordSweep(ts time.Time) {
	setWatermark(sweepGauge, ts)
}

func setWatermark(g prometheus.Gauge, ts time.Time) {
	if ts.IsZero() {
		return
	}
	g.Set(float64(ts.Unix()))
}

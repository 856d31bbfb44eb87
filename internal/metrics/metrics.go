// Package metrics exposes the process's Prometheus instrumentation
// (component K), matching the reference pack's own client_golang choice.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels SessionsTotal.
const (
	OutcomeEstablished = "established"
	OutcomeRejected    = "rejected"
	OutcomeDialFailed  = "dial_failed"
)

// Metrics holds every exported series. Construct once with New and share
// across every component that needs to record an observation.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	BytesUplink     prometheus.Counter
	BytesDownlink   prometheus.Counter
	DialDuration    prometheus.Histogram
}

// New registers every series on reg and returns the handle used to record
// observations.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_sessions_active",
			Help: "Number of tunnel sessions currently live in the registry.",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_sessions_total",
			Help: "Total tunnel sessions by terminal outcome.",
		}, []string{"outcome"}),
		BytesUplink: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_bytes_uplink_total",
			Help: "Total bytes written to dialed targets.",
		}),
		BytesDownlink: factory.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_bytes_downlink_total",
			Help: "Total bytes routed to bound HTTP/WS streams.",
		}),
		DialDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunneld_dial_duration_seconds",
			Help:    "Target dial latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Package observability exposes the bus's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Denial reasons used as label values.
const (
	ReasonMuted        = "muted"
	ReasonRateLimited  = "rate_limited"
	ReasonInvalid      = "invalid"
	ReasonUnauthorized = "unauthorized"
)

type Metrics struct {
	MessagesBroadcast prometheus.Counter
	PromoInsertions   prometheus.Counter
	Denials           *prometheus.CounterVec
	ReaperDeletions   *prometheus.CounterVec
	LiveConnections   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_messages_broadcast_total",
			Help: "Accepted messages fanned out to live channels.",
		}),
		PromoInsertions: factory.NewCounter(prometheus.CounterOpts{
			Name: "emberchat_promo_insertions_total",
			Help: "Promotional insertions injected into the stream.",
		}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emberchat_send_denials_total",
			Help: "Denied send attempts by reason.",
		}, []string{"reason"}),
		ReaperDeletions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emberchat_reaper_deletions_total",
			Help: "Records physically deleted for expiry, by kind.",
		}, []string{"kind"}),
		LiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "emberchat_live_connections",
			Help: "Currently registered client channels.",
		}),
	}
}

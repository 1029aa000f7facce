package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the relay's Prometheus collectors. Each Server owns its own
// registry so several servers can run in one process.
type Metrics struct {
	registry *prometheus.Registry

	joins           prometheus.Counter
	rejected        *prometheus.CounterVec
	framesRelayed   prometheus.Counter
	framesMalformed prometheus.Counter
	slowClients     prometheus.Counter
}

func newMetrics(rooms *Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "joins_total",
			Help: "Participants that joined a room.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "rejected_joins_total",
			Help: "Join requests refused before the websocket upgrade.",
		}, []string{"reason"}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "frames_relayed_total",
			Help: "Frames broadcast to a room.",
		}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "frames_malformed_total",
			Help: "Frames dropped because they were not a valid envelope.",
		}),
		slowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "slow_clients_dropped_total",
			Help: "Participants disconnected because their send buffer was full.",
		}),
	}
	m.registry.MustRegister(
		m.joins, m.rejected, m.framesRelayed, m.framesMalformed, m.slowClients,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "rooms",
			Help: "Rooms currently served.",
		}, func() float64 { return float64(len(rooms.Rooms())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "roomchat", Subsystem: "relay", Name: "participants",
			Help: "Connected participants across all rooms.",
		}, func() float64 { return float64(rooms.Participants()) }),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so a Handler works without metrics.

func (m *Metrics) joined() {
	if m != nil {
		m.joins.Inc()
	}
}

func (m *Metrics) rejectedJoin(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) relayed(dropped int) {
	if m == nil {
		return
	}
	m.framesRelayed.Inc()
	m.slowClients.Add(float64(dropped))
}

func (m *Metrics) malformed() {
	if m != nil {
		m.framesMalformed.Inc()
	}
}

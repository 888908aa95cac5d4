// Package metrics exposes Prometheus collectors for the location relay.
//
// All methods are safe to call on a nil *Relay, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Relay struct {
	Rooms       prometheus.Gauge
	Connections *prometheus.GaugeVec
	Joins       *prometheus.CounterVec
	Publishes   prometheus.Counter
	Delivered   prometheus.Counter
	Dropped     prometheus.Counter
	Rejected    *prometheus.CounterVec
	RoomsClosed *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ordertrack",
			Name:      "rooms",
			Help:      "Rooms currently holding at least one member.",
		}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ordertrack",
			Name:      "connections",
			Help:      "Open relay connections by transport.",
		}, []string{"transport"}),
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordertrack",
			Name:      "joins_total",
			Help:      "Accepted join_room events by role.",
		}, []string{"role"}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordertrack",
			Name:      "publishes_total",
			Help:      "Accepted update_location events.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordertrack",
			Name:      "fanout_delivered_total",
			Help:      "location_updated messages queued to members.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ordertrack",
			Name:      "fanout_dropped_total",
			Help:      "location_updated messages dropped because a member queue was full.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordertrack",
			Name:      "rejected_events_total",
			Help:      "Client events dropped by validation, by error code.",
		}, []string{"code"}),
		RoomsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordertrack",
			Name:      "rooms_closed_total",
			Help:      "Rooms torn down, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Rooms, m.Connections, m.Joins, m.Publishes,
			m.Delivered, m.Dropped, m.Rejected, m.RoomsClosed)
	}
	return m
}

func (m *Relay) RoomOpened() {
	if m == nil {
		return
	}
	m.Rooms.Inc()
}

func (m *Relay) RoomClosed(reason string) {
	if m == nil {
		return
	}
	m.Rooms.Dec()
	m.RoomsClosed.WithLabelValues(reason).Inc()
}

func (m *Relay) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Inc()
}

func (m *Relay) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Dec()
}

func (m *Relay) Joined(role string) {
	if m == nil {
		return
	}
	m.Joins.WithLabelValues(role).Inc()
}

func (m *Relay) Published(delivered, dropped int) {
	if m == nil {
		return
	}
	m.Publishes.Inc()
	m.Delivered.Add(float64(delivered))
	m.Dropped.Add(float64(dropped))
}

func (m *Relay) Reject(code string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(code).Inc()
}

// Package metrics holds the Prometheus collectors exported by the
// server: connection admission, command throughput, expirations, and
// pub/sub fan-out.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ConnectionsActive      prometheus.Gauge
	CommandsTotal          *prometheus.CounterVec
	ExpiredKeysTotal       prometheus.Counter
	MessagesDeliveredTotal prometheus.Counter
}

// New builds the collector set and registers it against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "miniredis",
			Name:      "connections_active",
			Help:      "Number of currently accepted connections holding a permit.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "miniredis",
			Name:      "commands_total",
			Help:      "Commands applied, by name; pub/sub messages pushed to subscribers count under \"message\".",
		}, []string{"command"}),
		ExpiredKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miniredis",
			Name:      "expired_keys_total",
			Help:      "Keys removed by the expiration worker.",
		}),
		MessagesDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "miniredis",
			Name:      "pubsub_messages_delivered_total",
			Help:      "Pub/sub messages handed to a subscriber's queue, one per subscriber per publish; lag markers are not counted.",
		}),
	}
	reg.MustRegister(m.ConnectionsActive, m.CommandsTotal, m.ExpiredKeysTotal, m.MessagesDeliveredTotal)
	return m
}

// NewUnregistered builds a standalone collector set for tests, with
// its own registry so repeated test runs never collide on global
// registration.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// KeyExpired and MessageDelivered satisfy db.Recorder without this
// package importing db.
func (m *Metrics) KeyExpired()      { m.ExpiredKeysTotal.Inc() }
func (m *Metrics) MessageDelivered() { m.MessagesDeliveredTotal.Inc() }

package chattest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes sandbox counters on /metrics. Each server carries its own
// registry so parallel test servers never collide on registration.
type Metrics struct {
	registry        *prometheus.Registry
	eventsDelivered *prometheus.CounterVec
	messagesStored  prometheus.Counter
	socketsActive   prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_sandbox_events_delivered_total",
			Help: "Socket events pushed to clients, by event name.",
		}, []string{"event"}),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_sandbox_messages_stored_total",
			Help: "Messages persisted to the sandbox store.",
		}),
		socketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_sandbox_sockets_active",
			Help: "Currently connected chat sockets.",
		}),
	}
	m.registry.MustRegister(m.eventsDelivered, m.messagesStored, m.socketsActive)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

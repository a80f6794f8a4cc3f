package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects server counters. A nil *Metrics is valid and records
// nothing, so tests and embedders may omit it.
type Metrics struct {
	registry     *prometheus.Registry
	connections  *prometheus.GaugeVec
	logins       *prometheus.CounterVec
	commands     *prometheus.CounterVec
	delivered    prometheus.Counter
	deliveryFail prometheus.Counter
}

// transports are the connection gauge labels exported from startup.
var transports = []string{"tcp", "websocket", "http"}

func New(namespace string) *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	connections := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active"}, []string{"transport"})
	logins := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "logins_total"}, []string{"outcome"})
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "commands_total"}, []string{"command"})
	delivered := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_delivered_total"})
	deliveryFail := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "message_delivery_failures_total"})
	r.MustRegister(connections, logins, commands, delivered, deliveryFail)
	for _, transport := range transports {
		connections.WithLabelValues(transport)
	}

	return &Metrics{
		registry:     r,
		connections:  connections,
		logins:       logins,
		commands:     commands,
		delivered:    delivered,
		deliveryFail: deliveryFail,
	}
}

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Dec()
}

// Login records a handshake outcome: "login", "register" or "aborted".
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFail.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DeliveryFailures() prometheus.Counter {
	return m.deliveryFail
}

func (m *Metrics) Commands() *prometheus.CounterVec {
	return m.commands
}

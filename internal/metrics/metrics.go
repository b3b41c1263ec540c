package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the bot's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	inbound     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	sendLatency prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewline_inbound_events_total",
			Help: "Inbound chat events by kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewline_transitions_total",
			Help: "Committed task status changes.",
		}, []string{"task", "to"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewline_deliveries_total",
			Help: "Outbound delivery attempts by result.",
		}, []string{"result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crewline_send_duration_seconds",
			Help:    "Time spent handing one message to the chat channel.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.inbound, m.transitions, m.deliveries, m.sendLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Inbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) Transition(task, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(task, to).Inc()
}

func (m *Metrics) Delivery(delivered bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "delivered"
	if !delivered {
		result = "failed"
	}
	m.deliveries.WithLabelValues(result).Inc()
	m.sendLatency.Observe(took.Seconds())
}

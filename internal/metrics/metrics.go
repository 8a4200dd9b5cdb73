// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics groups the relay collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	Messages        *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec
	Forwards        *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loomio_relay_messages_total",
				Help: "Inbound messages by final outcome.",
			},
			[]string{"transport", "outcome"},
		),
		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loomio_relay_webhook_duration_seconds",
				Help:    "Duration of the outbound webhook call.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		Forwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loomio_relay_forward_total",
				Help: "Fallback forwards by forwarder and outcome.",
			},
			[]string{"forwarder", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.Messages,
		m.WebhookDuration,
		m.Forwards,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveMessage counts one finished invocation.
func (m *Metrics) ObserveMessage(transport, outcome string) {
	m.Messages.WithLabelValues(transport, outcome).Inc()
}

// ObserveWebhook records the duration of one webhook call.
func (m *Metrics) ObserveWebhook(outcome string, d time.Duration) {
	m.WebhookDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveForward counts one fallback forward attempt.
func (m *Metrics) ObserveForward(forwarder, outcome string) {
	m.Forwards.WithLabelValues(forwarder, outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

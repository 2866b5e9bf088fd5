package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	verifyRequests    *prometheus.CounterVec
	webhookRequests   *prometheus.CounterVec
	evidencePersisted *prometheus.CounterVec
}

// New registers the collectors on a fresh registry so tests can build as
// many instances as they need.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		verifyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ageverif",
				Subsystem: "verify",
				Name:      "requests_total",
				Help:      "Verify endpoint requests by outcome.",
			},
			[]string{"outcome"},
		),
		webhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ageverif",
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Webhook deliveries by outcome.",
			},
			[]string{"outcome"},
		),
		evidencePersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ageverif",
				Subsystem: "evidence",
				Name:      "persisted_total",
				Help:      "Evidence records persisted by target and source.",
			},
			[]string{"target", "source"},
		),
	}
	m.registry.MustRegister(
		m.verifyRequests,
		m.webhookRequests,
		m.evidencePersisted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) VerifyOutcome(outcome string) {
	m.verifyRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookOutcome(outcome string) {
	m.webhookRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EvidencePersisted(target, source string) {
	m.evidencePersisted.WithLabelValues(target, source).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package pipeline

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics holds the Prometheus collectors for message processing.
// Registration is idempotent so shared registries and restarts stay safe.
type PipelineMetrics struct {
	processedTotal  *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// NewPipelineMetrics creates the collectors without registering them. A nil
// registerer falls back to the default one.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		processedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Name:      "messages_processed_total",
				Help:      "Messages processed, by routing key and disposition.",
			},
			[]string{"routing_key", "disposition"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pipewright",
				Name:      "message_failures_total",
				Help:      "Messages whose processing surfaced an unclaimed error.",
			},
			[]string{"routing_key"},
		),
		durationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pipewright",
				Name:      "message_duration_seconds",
				Help:      "Wall-clock processing time per message.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"routing_key"},
		),
		registerer: registerer,
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.processedTotal,
		m.failuresTotal,
		m.durationSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveMessage records the outcome of one processed message.
func (m *PipelineMetrics) ObserveMessage(routingKey string, d *Disposition, err error, elapsed time.Duration) {
	disposition := "none"
	if d != nil {
		disposition = d.Kind.String()
	}

	m.processedTotal.WithLabelValues(routingKey, disposition).Inc()
	if err != nil {
		m.failuresTotal.WithLabelValues(routingKey).Inc()
	}
	m.durationSeconds.WithLabelValues(routingKey).Observe(elapsed.Seconds())
}

// HTTPHandler returns the scrape endpoint handler. It serves the registry the
// collectors were registered with, so a custom registerer is scraped rather
// than the global default.
func (m *PipelineMetrics) HTTPHandler() http.Handler {
	if gatherer, ok := m.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

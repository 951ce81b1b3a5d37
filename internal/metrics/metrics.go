// Package metrics exposes Prometheus metrics for CallIntake.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors on a private registry.
//
// Metrics:
//   - callintake_webhook_requests_total{callback,code}
//   - callintake_webhook_duration_seconds{callback}
//   - callintake_extractions_total{field,result}
//   - callintake_confirmations_total{result}
//   - callintake_calls_finished_total{outcome}
//   - callintake_persist_failures_total{kind}
//   - callintake_active_sessions (in-memory session store only)
type Metrics struct {
	registry *prometheus.Registry

	WebhookRequests *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec
	Extractions     *prometheus.CounterVec
	Confirmations   *prometheus.CounterVec
	CallsFinished   *prometheus.CounterVec
	PersistFailures *prometheus.CounterVec
}

// New creates the collectors and registers them, along with Go runtime collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callintake_webhook_requests_total",
				Help: "Voice webhook requests by callback and HTTP status code",
			},
			[]string{"callback", "code"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callintake_webhook_duration_seconds",
				Help:    "Voice webhook handling time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"callback"},
		),
		Extractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callintake_extractions_total",
				Help: "Answer extraction attempts by field and result",
			},
			[]string{"field", "result"}, // "hit" or "miss"
		),
		Confirmations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callintake_confirmations_total",
				Help: "Confirmation answers by result",
			},
			[]string{"result"}, // "accepted" or "rejected"
		),
		CallsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callintake_calls_finished_total",
				Help: "Finished interviews by outcome",
			},
			[]string{"outcome"},
		),
		PersistFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callintake_persist_failures_total",
				Help: "Failed writes of call records or escalation notices",
			},
			[]string{"kind"},
		),
	}
}

// ObserveActiveSessions exports fn as the active session gauge.
func (m *Metrics) ObserveActiveSessions(fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "callintake_active_sessions",
			Help: "Live call sessions held in memory",
		},
		func() float64 { return float64(fn()) },
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveWebhook records one webhook request.
func (m *Metrics) ObserveWebhook(callback string, code int, elapsed time.Duration) {
	m.WebhookRequests.WithLabelValues(callback, strconv.Itoa(code)).Inc()
	m.WebhookDuration.WithLabelValues(callback).Observe(elapsed.Seconds())
}

func (m *Metrics) ExtractionResult(field models.Field, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.Extractions.WithLabelValues(string(field), result).Inc()
}

func (m *Metrics) ConfirmationResult(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.Confirmations.WithLabelValues(result).Inc()
}

func (m *Metrics) CallFinished(outcome models.CallOutcome) {
	m.CallsFinished.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) PersistFailed(kind string) {
	m.PersistFailures.WithLabelValues(kind).Inc()
}

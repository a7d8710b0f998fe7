// Package metrics provides Prometheus metrics for the prescription and TISS workflow.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PrescriptionTransitions *prometheus.CounterVec
	PublicValidations       *prometheus.CounterVec
	GuidesIssued            *prometheus.CounterVec
	SubmissionsCreated      *prometheus.CounterVec
	SubmissionsTransmitted  *prometheus.CounterVec
	TransmissionDuration    prometheus.Histogram
	SignatureProviderErrors *prometheus.CounterVec
	AuditWriteFailures      prometheus.Counter
	KafkaMessagesProduced   prometheus.Counter
	KafkaMessagesConsumed   prometheus.Counter
	OutboxPending           prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_transitions_total",
			Help: "Prescription lifecycle transitions by action",
		}, []string{"action"}),
		PublicValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_public_validations_total",
			Help: "Public token validations by result",
		}, []string{"result"}),
		GuidesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiss_guides_issued_total",
			Help: "TISS guides issued by type",
		}, []string{"type"}),
		SubmissionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiss_submissions_created_total",
			Help: "TISS submissions created by validation outcome",
		}, []string{"valid"}),
		SubmissionsTransmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiss_submissions_transmitted_total",
			Help: "TISS submission transmissions by outcome",
		}, []string{"status"}),
		TransmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tiss_transmission_duration_seconds",
			Help:    "Time spent posting a submission to an insurer",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		SignatureProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signature_provider_errors_total",
			Help: "Signature provider failures by step",
		}, []string{"step"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit entries that could not be written",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionTransitions,
		m.PublicValidations,
		m.GuidesIssued,
		m.SubmissionsCreated,
		m.SubmissionsTransmitted,
		m.TransmissionDuration,
		m.SignatureProviderErrors,
		m.AuditWriteFailures,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) PrescriptionTransition(action string) {
	if m == nil {
		return
	}
	m.PrescriptionTransitions.WithLabelValues(action).Inc()
}

func (m *Metrics) PublicValidation(result string) {
	if m == nil {
		return
	}
	m.PublicValidations.WithLabelValues(result).Inc()
}

func (m *Metrics) GuideIssued(guideType string) {
	if m == nil {
		return
	}
	m.GuidesIssued.WithLabelValues(guideType).Inc()
}

func (m *Metrics) SubmissionCreated(valid bool) {
	if m == nil {
		return
	}
	m.SubmissionsCreated.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

func (m *Metrics) SubmissionTransmitted(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTransmitted.WithLabelValues(status).Inc()
	m.TransmissionDuration.Observe(took.Seconds())
}

func (m *Metrics) ProviderError(step string) {
	if m == nil {
		return
	}
	m.SignatureProviderErrors.WithLabelValues(step).Inc()
}

func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records 0 for closed, 1 for open and 2 for half-open.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

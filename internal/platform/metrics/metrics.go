package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the issuance pipeline.
type Metrics struct {
	EndpointLatency     *prometheus.HistogramVec
	SessionsCreated     *prometheus.CounterVec
	WebhooksReceived    *prometheus.CounterVec
	IssuanceOutcomes    *prometheus.CounterVec
	DuplicatesDetected  prometheus.Counter
	CustodyStepLatency  *prometheus.HistogramVec
	CustodyStepFailures *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	RegistryOperations  *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EndpointLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idmint_endpoint_latency_seconds",
			Help:    "Latency of endpoints in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		SessionsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idmint_verification_sessions_created_total",
			Help: "Verification sessions created, labeled by provider",
		}, []string{"provider"}),
		WebhooksReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idmint_verification_webhooks_total",
			Help: "Provider webhooks received, labeled by provider and outcome",
		}, []string{"provider", "outcome"}),
		IssuanceOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idmint_issuance_outcomes_total",
			Help: "Issuance attempts, labeled by outcome",
		}, []string{"outcome"}),
		DuplicatesDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "idmint_duplicates_detected_total",
			Help: "Issuance attempts whose fingerprint already had a credential",
		}),
		// mint/transfer/freeze confirmations take seconds, not milliseconds
		CustodyStepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idmint_custody_step_seconds",
			Help:    "Ledger custody step latency including confirmation",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40},
		}, []string{"step"}),
		CustodyStepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idmint_custody_step_failures_total",
			Help: "Ledger custody step failures, labeled by step",
		}, []string{"step"}),
		RateLimitRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "idmint_rate_limit_rejections_total",
			Help: "Requests rejected by the per-caller issuance limit",
		}),
		RegistryOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idmint_registry_operations_total",
			Help: "Issuer registry operations, labeled by operation and outcome",
		}, []string{"operation", "outcome"}),
	}
}

// ObserveEndpointLatency records the latency for a given endpoint.
func (m *Metrics) ObserveEndpointLatency(endpoint string, durationSeconds float64) {
	m.EndpointLatency.WithLabelValues(endpoint).Observe(durationSeconds)
}

func (m *Metrics) IncrementSessionsCreated(provider string) {
	m.SessionsCreated.WithLabelValues(provider).Inc()
}

func (m *Metrics) IncrementWebhook(provider, outcome string) {
	m.WebhooksReceived.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) IncrementIssuance(outcome string) {
	m.IssuanceOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementDuplicates() {
	m.DuplicatesDetected.Inc()
}

// ObserveCustodyStep records one ledger step; failed steps also bump the failure counter.
func (m *Metrics) ObserveCustodyStep(step string, durationSeconds float64, failed bool) {
	m.CustodyStepLatency.WithLabelValues(step).Observe(durationSeconds)
	if failed {
		m.CustodyStepFailures.WithLabelValues(step).Inc()
	}
}

func (m *Metrics) IncrementRateLimitRejections() {
	m.RateLimitRejections.Inc()
}

func (m *Metrics) IncrementRegistryOperation(operation, outcome string) {
	m.RegistryOperations.WithLabelValues(operation, outcome).Inc()
}

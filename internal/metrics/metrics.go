// Package metrics holds the sidecar's Prometheus instruments. All consumer
// labels must pass through the cardinality governor before landing here.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument. Constructed once at startup with its own
// registry; telemetry failures never fail a request.
type Metrics struct {
	Registry *prometheus.Registry

	AuthenticationAttempts *prometheus.CounterVec
	TokensIssued           prometheus.Counter
	ConsumerRequests       *prometheus.CounterVec
	ConsumerLatency        *prometheus.HistogramVec

	BreakerState  *prometheus.GaugeVec
	FallbackTotal *prometheus.CounterVec

	CacheOperations *prometheus.CounterVec
	PollutionEvents prometheus.Counter

	CardinalityLimitHits prometheus.Counter
	CardinalityWarnings  prometheus.Counter
}

// Authentication attempt results.
const (
	ResultSuccess                = "success"
	ResultHeaderValidationFailed = "header_validation_failed"
	ResultConsumerLookupFailed   = "consumer_lookup_failed"
	ResultGatewayUnavailable     = "kong_unavailable"
	ResultSigningFailed          = "signing_failed"
)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		AuthenticationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authentication_attempts_total",
				Help: "Token issuance attempts by result",
			},
			[]string{"result"},
		),

		TokensIssued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "jwt_tokens_issued_total",
				Help: "Successfully issued bearer tokens",
			},
		),

		ConsumerRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consumer_requests_total",
				Help: "Requests per bounded consumer attribute and volume class",
			},
			[]string{"consumer", "volume"},
		),

		ConsumerLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consumer_request_duration_seconds",
				Help:    "Token issuance latency by consumer volume class",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"volume"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Breaker state per operation (0=closed, 1=open, 2=half-open)",
			},
			[]string{"operation"},
		),

		FallbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_breaker_fallback_total",
				Help: "Fallback dispatches while a breaker is open",
			},
			[]string{"operation", "strategy"},
		),

		CacheOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stale_cache_operations_total",
				Help: "Stale cache reads and writes by outcome",
			},
			[]string{"op", "outcome"}, // op: get, put, delete; outcome: hit, miss, stale, polluted, error, ok
		),

		PollutionEvents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "consumer_secret_pollution_total",
				Help: "Responses or cache entries whose consumer id disagreed with the request",
			},
		),

		CardinalityLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cardinality_limit_exceeded_total",
				Help: "New consumer ids mapped to hash buckets after the tracking limit",
			},
		),

		CardinalityWarnings: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cardinality_warning_total",
				Help: "Warning-threshold crossings of the tracked consumer set",
			},
		),
	}
}

// RecordAuthAttempt tags one issuance attempt.
func (m *Metrics) RecordAuthAttempt(result string) {
	m.AuthenticationAttempts.WithLabelValues(result).Inc()
}

// RecordConsumerRequest tags a request with its bounded consumer attribute
// and volume class.
func (m *Metrics) RecordConsumerRequest(boundedID, volume string) {
	m.ConsumerRequests.WithLabelValues(boundedID, volume).Inc()
}

// ObserveLatency records issuance latency in seconds for a volume class.
func (m *Metrics) ObserveLatency(volume string, seconds float64) {
	m.ConsumerLatency.WithLabelValues(volume).Observe(seconds)
}

// SetBreakerState maps a breaker state onto its gauge.
func (m *Metrics) SetBreakerState(operation string, state int) {
	m.BreakerState.WithLabelValues(operation).Set(float64(state))
}

// RecordCacheOp tags one stale-cache operation.
func (m *Metrics) RecordCacheOp(op, outcome string) {
	m.CacheOperations.WithLabelValues(op, outcome).Inc()
}

// RecordFallback tags a fallback dispatch.
func (m *Metrics) RecordFallback(operation, strategy string) {
	m.FallbackTotal.WithLabelValues(operation, strategy).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UnresolvedModel labels requests whose model never resolved to a known
// snapshot, so client-chosen strings never become label values.
const UnresolvedModel = "unsupported"

// Labels stay bounded: model is always a canonical snapshot or
// UnresolvedModel, and user IDs are never used.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengateway_requests_total",
			Help: "Total number of chat completion requests by outcome",
		},
		[]string{"model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengateway_request_duration_seconds",
			Help:    "End-to-end chat completion duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	TokensCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengateway_tokens_charged_total",
			Help: "Tokens deducted from user balances",
		},
		[]string{"model", "type"},
	)

	InsufficientBalance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengateway_insufficient_balance_total",
			Help: "Requests rejected before the upstream call for lack of balance",
		},
		[]string{"model"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengateway_provider_errors_total",
			Help: "Total number of upstream provider errors",
		},
		[]string{"error_type"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokengateway_provider_duration_seconds",
			Help:    "Upstream call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	BalanceShortfall = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengateway_balance_shortfall_tokens_total",
			Help: "Completion tokens that could not be collected because the balance hit zero",
		},
	)

	BillingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokengateway_billing_failures_total",
			Help: "Balance writes that failed after the upstream call was decided",
		},
		[]string{"operation"},
	)

	LowBalanceAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tokengateway_low_balance_alerts_total",
			Help: "Low balance alerts dispatched",
		},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokengateway_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokengateway_active_requests",
			Help: "Number of HTTP requests being processed",
		},
	)
)

func RecordRequest(model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(model, status).Inc()
	RequestDuration.WithLabelValues(model).Observe(durationSec)
}

func RecordTokens(model string, inputTokens, completionTokens int) {
	TokensCharged.WithLabelValues(model, "input").Add(float64(inputTokens))
	TokensCharged.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

func RecordInsufficientBalance(model string) {
	InsufficientBalance.WithLabelValues(model).Inc()
}

func RecordProviderError(errorType string) {
	ProviderErrors.WithLabelValues(errorType).Inc()
}

func RecordProviderCall(operation string, durationSec float64) {
	ProviderDuration.WithLabelValues(operation).Observe(durationSec)
}

func RecordShortfall(tokens int64) {
	BalanceShortfall.Add(float64(tokens))
}

// RecordBillingFailure counts a charge or release that could not be written.
func RecordBillingFailure(operation string) {
	BillingFailures.WithLabelValues(operation).Inc()
}

func RecordLowBalanceAlert() {
	LowBalanceAlerts.Inc()
}

func SetCircuitBreakerState(state int) {
	CircuitBreakerState.Set(float64(state))
}

func IncrementActiveRequests() {
	ActiveRequests.Inc()
}

func DecrementActiveRequests() {
	ActiveRequests.Dec()
}

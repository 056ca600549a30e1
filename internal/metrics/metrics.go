// Package metrics defines Prometheus metrics for the eWay-CRM gateway.
//
// Metric naming follows Prometheus conventions:
//   - eway_gateway_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BackendCallsTotal counts remote method invocations by method and outcome.
	BackendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eway_gateway_backend_calls_total",
			Help: "Total eWay-CRM API calls by method and result.",
		},
		[]string{"method", "result"},
	)

	// BackendCallDurationSeconds is a histogram of remote call latency by method.
	BackendCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eway_gateway_backend_call_duration_seconds",
			Help:    "Duration of eWay-CRM API calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method"},
	)

	// LoginsTotal counts backend login attempts by auth mode and result.
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eway_gateway_logins_total",
			Help: "Total eWay-CRM login attempts by auth mode and result.",
		},
		[]string{"mode", "result"},
	)

	// SessionRetriesTotal counts calls retried after a bad session or bad token response.
	SessionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eway_gateway_session_retries_total",
			Help: "Total calls retried after the backend rejected the session or access token.",
		},
		[]string{"method"},
	)

	// TokenRefreshesTotal counts OAuth2 refresh attempts by result.
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eway_gateway_token_refreshes_total",
			Help: "Total OAuth2 access token refresh attempts by result.",
		},
		[]string{"result"},
	)

	// Connected is 1 while the backend session client holds a usable session.
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eway_gateway_backend_connected",
			Help: "Whether the gateway currently holds an authenticated eWay-CRM session.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BackendCallsTotal,
		BackendCallDurationSeconds,
		LoginsTotal,
		SessionRetriesTotal,
		TokenRefreshesTotal,
		Connected,
	)
}

// RecordBackendCall records the outcome and latency of one remote call.
func RecordBackendCall(method, result string, duration time.Duration) {
	BackendCallsTotal.WithLabelValues(method, result).Inc()
	BackendCallDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordLogin records a single login attempt.
func RecordLogin(mode, result string) {
	LoginsTotal.WithLabelValues(mode, result).Inc()
}

// RecordSessionRetry records a call retried after re-authentication.
func RecordSessionRetry(method string) {
	SessionRetriesTotal.WithLabelValues(method).Inc()
}

// RecordTokenRefresh records a single refresh attempt.
func RecordTokenRefresh(result string) {
	TokenRefreshesTotal.WithLabelValues(result).Inc()
}

// SetConnected updates the connectivity gauge.
func SetConnected(connected bool) {
	if connected {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}

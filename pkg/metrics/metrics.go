// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientRequestDuration tracks outbound API request duration per attempt.
	ClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personachat_client_request_duration_seconds",
			Help:    "Outbound API request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// ClientRequestsTotal tracks outbound API requests.
	ClientRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_client_requests_total",
			Help: "Total outbound API requests",
		},
		[]string{"method", "route", "status"},
	)

	// ClientRetriesTotal tracks retried idempotent requests.
	ClientRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_client_retries_total",
			Help: "Retries of idempotent API requests",
		},
		[]string{"route"},
	)

	// TokenRefreshesTotal tracks access token refreshes.
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_token_refreshes_total",
			Help: "Access token refresh attempts",
		},
		[]string{"result"},
	)

	// StreamDuration tracks assistant reply stream duration.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personachat_reply_stream_duration_seconds",
			Help:    "Assistant reply stream duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// StreamBytesTotal tracks decoded reply bytes.
	StreamBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "personachat_reply_stream_bytes_total",
			Help: "Bytes received on assistant reply streams",
		},
	)

	// StreamChunksTotal tracks decoded reply increments.
	StreamChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "personachat_reply_stream_chunks_total",
			Help: "Decoded increments applied to reply placeholders",
		},
	)

	// SendsTotal tracks message sends by outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_sends_total",
			Help: "Message sends by outcome",
		},
		[]string{"outcome"},
	)

	// StaleResultsTotal tracks responses dropped because the session moved on.
	StaleResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_stale_results_total",
			Help: "Responses discarded after the owning conversation changed",
		},
		[]string{"operation"},
	)

	// SessionTransitionsTotal tracks session controller state changes.
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personachat_session_transitions_total",
			Help: "Session controller state transitions",
		},
		[]string{"from", "to"},
	)

	// RequestDuration tracks inbound request duration on the dev backend.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks inbound requests on the dev backend.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ReplyStreamsActive tracks reply streams being written by the dev backend.
	ReplyStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reply_streams_active",
			Help: "Number of active reply streams",
		},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)
)

// StatusClass buckets an HTTP status into 2xx/3xx/4xx/5xx, or "error" when
// no response was received.
func StatusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

// RecordClientRequest records one outbound request attempt.
func RecordClientRequest(method, route string, status int, duration float64) {
	class := StatusClass(status)
	ClientRequestDuration.WithLabelValues(method, route, class).Observe(duration)
	ClientRequestsTotal.WithLabelValues(method, route, class).Inc()
}

// RecordStream records a finished reply stream.
func RecordStream(outcome string, duration float64) {
	StreamDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordRequest records metrics for an inbound HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	AudioBytesTotal   *prometheus.CounterVec
	MessagesTotal     *prometheus.CounterVec
	StartupQueueDepth prometheus.Histogram

	ErrorsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "lingzhi"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions_active",
			Help:      "Number of bridged sessions currently open",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_sessions_total",
			Help:      "Total sessions by terminal status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_audio_bytes_total",
			Help:      "Audio bytes relayed by direction",
		},
		[]string{"direction"},
	)

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Control and event messages relayed by type",
		},
		[]string{"direction", "type"},
	)

	startupQueueDepth := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_startup_queue_depth",
			Help:      "Messages buffered before the upstream socket opened",
			Buckets:   []float64{0, 1, 4, 16, 64, 128, 256},
		},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay errors by type",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		messagesTotal,
		startupQueueDepth,
		errorsTotal,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		SessionsTotal:     sessionsTotal,
		SessionDuration:   sessionDuration,
		AudioBytesTotal:   audioBytesTotal,
		MessagesTotal:     messagesTotal,
		StartupQueueDepth: startupQueueDepth,
		ErrorsTotal:       errorsTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a newly bridged session.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending with the given terminal status.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed audio bytes.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordMessage records one relayed control or event message.
func (m *Metrics) RecordMessage(direction, msgType string) {
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordStartupQueueDepth records how many messages were buffered before the
// upstream socket opened.
func (m *Metrics) RecordStartupQueueDepth(depth int) {
	m.StartupQueueDepth.Observe(float64(depth))
}

// RecordError records a relay error.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

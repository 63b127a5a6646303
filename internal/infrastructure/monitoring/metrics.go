package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Fleet metrics
	BotsConnected prometheus.Gauge
	BotsAttached  prometheus.Counter

	// RPC metrics
	CallsInFlight prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec

	// WebSocket metrics
	WSMessages *prometheus.CounterVec

	// Navigation metrics
	NavigationTasksActive prometheus.Gauge

	// Recording metrics
	RecordingSessionsActive prometheus.Gauge
	RecordingChunks         prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),

		BotsConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_bots_connected",
				Help: "Number of bots with a live connection",
			},
		),
		BotsAttached: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_bots_attached_total",
				Help: "Total number of bot attachments",
			},
		),

		CallsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_calls_in_flight",
				Help: "Number of RPC calls awaiting resolution",
			},
		),
		CallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_calls_total",
				Help: "Total number of RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_call_duration_seconds",
				Help:    "RPC call duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "action"},
		),

		NavigationTasksActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_navigation_tasks_active",
				Help: "Number of outstanding remote navigation tasks",
			},
		),

		RecordingSessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_recording_sessions_active",
				Help: "Number of active recording sessions",
			},
		),
		RecordingChunks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_recording_chunks_total",
				Help: "Total number of recording chunks forwarded",
			},
		),

		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_uptime_seconds",
				Help: "Broker uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCall records one resolved RPC call
func (m *Metrics) RecordCall(method, status string, duration time.Duration) {
	m.CallsTotal.WithLabelValues(method, status).Inc()
	m.CallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, action string) {
	m.WSMessages.WithLabelValues(direction, action).Inc()
}

// SetBotsConnected sets the current fleet size
func (m *Metrics) SetBotsConnected(count int) {
	m.BotsConnected.Set(float64(count))
}

// IncBotsAttached increments the attachment counter
func (m *Metrics) IncBotsAttached() {
	m.BotsAttached.Inc()
}

// IncRecordingChunks increments the forwarded chunk counter
func (m *Metrics) IncRecordingChunks() {
	m.RecordingChunks.Inc()
}

package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64 // frames skipped for slow stream clients

	// Error counters
	DetectErrors   atomic.Uint64
	EncodeErrors   atomic.Uint64
	DispatchFailed atomic.Uint64
	EvidenceFailed atomic.Uint64
	NotifyFailed   atomic.Uint64

	// Side effects
	AlertsFired     atomic.Uint64
	DispatchOK      atomic.Uint64
	EvidenceWritten atomic.Uint64
	NotifyDelivered atomic.Uint64

	// Latency tracking
	FrameLatencyMs  atomic.Uint64 // capture to emit, last frame
	DetectLatencyMs atomic.Uint64 // last detector call

	// Evidence queue usage
	EvidenceQueueUsage atomic.Uint64 // Percentage (0-100)

	// Client tracking
	StreamClients atomic.Int64
	AlertClients  atomic.Int64
	WebRTCClients atomic.Int64

	alertsByMessage *prometheus.CounterVec
	detectLatency   prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		alertsByMessage: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentry_alerts_fired_total",
				Help: "Alerts fired by the policy engine",
			},
			[]string{"camera", "message"},
		),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentry_detect_duration_seconds",
			Help:    "Detector call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	m.registry.MustRegister(m.alertsByMessage, m.detectLatency)
	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, f func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		f,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Frame processing metrics
	m.counter("sentry_frames_read_total", "Total frames read from camera sources", &m.FramesRead)
	m.counter("sentry_frames_processed_total", "Total frames through detect and decide", &m.FramesProcessed)
	m.counter("sentry_frames_dropped_total", "Total frames skipped for slow stream clients", &m.FramesDropped)

	// Error metrics
	m.counter("sentry_detect_errors_total", "Total detector failures", &m.DetectErrors)
	m.counter("sentry_encode_errors_total", "Total annotated frame encode failures", &m.EncodeErrors)
	m.counter("sentry_dispatch_failed_total", "Total actuator signals lost", &m.DispatchFailed)
	m.counter("sentry_evidence_failed_total", "Total evidence writes that failed", &m.EvidenceFailed)
	m.counter("sentry_notify_failed_total", "Total alert notifications that failed", &m.NotifyFailed)

	// Side effect metrics
	m.counter("sentry_dispatch_ok_total", "Total actuator signals delivered", &m.DispatchOK)
	m.counter("sentry_evidence_written_total", "Total evidence records written", &m.EvidenceWritten)
	m.counter("sentry_notify_delivered_total", "Total alert notifications delivered", &m.NotifyDelivered)

	// Latency metrics
	m.gauge("sentry_frame_latency_ms", "Capture to emit latency of the last frame in milliseconds",
		func() float64 { return float64(m.FrameLatencyMs.Load()) })

	// Queue metrics
	m.gauge("sentry_evidence_queue_usage_percent", "Evidence write queue usage percentage",
		func() float64 { return float64(m.EvidenceQueueUsage.Load()) })

	// Client metrics
	m.gauge("sentry_stream_clients", "Number of connected MJPEG clients",
		func() float64 { return float64(m.StreamClients.Load()) })
	m.gauge("sentry_alert_clients", "Number of connected alert event clients",
		func() float64 { return float64(m.AlertClients.Load()) })
	m.gauge("sentry_webrtc_clients", "Number of connected WebRTC data channel clients",
		func() float64 { return float64(m.WebRTCClients.Load()) })
}

// RecordAlert counts a fired alert
func (m *Metrics) RecordAlert(camera, message string) {
	m.AlertsFired.Add(1)
	m.alertsByMessage.WithLabelValues(camera, message).Inc()
}

// ObserveDetect records one detector call
func (m *Metrics) ObserveDetect(d time.Duration) {
	m.DetectLatencyMs.Store(uint64(d.Milliseconds()))
	m.detectLatency.Observe(d.Seconds())
}

// UpdateFrameLatency updates the capture to emit latency
func (m *Metrics) UpdateFrameLatency(latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	m.FrameLatencyMs.Store(uint64(latency.Milliseconds()))
}

// UpdateQueueUsage updates the evidence queue usage percentage
func (m *Metrics) UpdateQueueUsage(used, capacity int) {
	if capacity > 0 {
		m.EvidenceQueueUsage.Store(uint64(used * 100 / capacity))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

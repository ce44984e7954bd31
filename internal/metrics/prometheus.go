// Package metrics exposes Prometheus instrumentation for the clap finder.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clapfinder"

// Metrics contains all Prometheus metrics of the clap finder.
type Metrics struct {
	// Capture and detection
	ChunksAnalyzed  prometheus.Counter
	InvalidChunks   prometheus.Counter
	ClapsDetected   prometheus.Counter
	ClapsSuppressed prometheus.Counter
	AnalyzeDuration prometheus.Histogram
	InputRMS        prometheus.Gauge
	InputPeak       prometheus.Gauge
	Threshold       prometheus.Gauge
	ListenerRunning prometheus.Gauge
	CaptureRestarts prometheus.Counter

	// Alarm
	AlarmsTriggered prometheus.Counter
	AlarmActive     prometheus.Gauge
	AlarmDuration   prometheus.Histogram

	// Side channels
	Notifications  *prometheus.CounterVec
	ArchiveUploads *prometheus.CounterVec

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksAnalyzed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_analyzed_total",
			Help:      "Total number of audio chunks analyzed",
		}),
		InvalidChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_invalid_total",
			Help:      "Total number of chunks rejected by the analyzer",
		}),
		ClapsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claps_detected_total",
			Help:      "Total number of accepted clap events",
		}),
		ClapsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claps_suppressed_total",
			Help:      "Total number of loud chunks suppressed by the cooldown",
		}),
		AnalyzeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyze_duration_seconds",
			Help:      "Time spent analyzing and evaluating one chunk",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 2, 14), // 1µs to ~16ms
		}),
		InputRMS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_rms",
			Help:      "Linear RMS of the last analyzed chunk",
		}),
		InputPeak: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_peak",
			Help:      "Linear peak of the last analyzed chunk",
		}),
		Threshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detection_threshold",
			Help:      "Current detection threshold",
		}),
		ListenerRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_running",
			Help:      "1 while the capture listener is running",
		}),
		CaptureRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_restarts_total",
			Help:      "Total number of capture process restarts after failure",
		}),
		AlarmsTriggered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_triggered_total",
			Help:      "Total number of alarms triggered",
		}),
		AlarmActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alarm_active",
			Help:      "1 while the alarm is active",
		}),
		AlarmDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "alarm_duration_seconds",
			Help:      "Duration of alarms from trigger to stop",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5 minutes
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of notifications by channel and result",
		}, []string{"channel", "result"}),
		ArchiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_uploads_total",
			Help:      "Total number of event log archive uploads by result",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordChunk records one analyzed chunk with its linear levels.
func (m *Metrics) RecordChunk(rms, peak float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ChunksAnalyzed.Inc()
	m.InputRMS.Set(rms)
	m.InputPeak.Set(peak)
	m.AnalyzeDuration.Observe(elapsed.Seconds())
}

// RecordInvalidChunk increments the rejected chunk counter.
func (m *Metrics) RecordInvalidChunk() {
	if m == nil {
		return
	}
	m.InvalidChunks.Inc()
}

// RecordClap increments the accepted event counter.
func (m *Metrics) RecordClap() {
	if m == nil {
		return
	}
	m.ClapsDetected.Inc()
}

// RecordSuppressed increments the suppressed event counter.
func (m *Metrics) RecordSuppressed() {
	if m == nil {
		return
	}
	m.ClapsSuppressed.Inc()
}

// SetThreshold publishes the current detection threshold.
func (m *Metrics) SetThreshold(v float64) {
	if m == nil {
		return
	}
	m.Threshold.Set(v)
}

// SetListenerRunning publishes whether capture is running.
func (m *Metrics) SetListenerRunning(running bool) {
	if m == nil {
		return
	}
	m.ListenerRunning.Set(boolGauge(running))
}

// RecordCaptureRestart increments the capture restart counter.
func (m *Metrics) RecordCaptureRestart() {
	if m == nil {
		return
	}
	m.CaptureRestarts.Inc()
}

// RecordAlarmStarted marks the alarm active.
func (m *Metrics) RecordAlarmStarted() {
	if m == nil {
		return
	}
	m.AlarmsTriggered.Inc()
	m.AlarmActive.Set(1)
}

// RecordAlarmStopped marks the alarm inactive and records its duration.
func (m *Metrics) RecordAlarmStopped(d time.Duration) {
	if m == nil {
		return
	}
	m.AlarmActive.Set(0)
	m.AlarmDuration.Observe(d.Seconds())
}

// RecordNotification records a notification attempt on a channel.
func (m *Metrics) RecordNotification(channel string, err error) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, result(err)).Inc()
}

// RecordArchiveUpload records an archive upload attempt.
func (m *Metrics) RecordArchiveUpload(err error) {
	if m == nil {
		return
	}
	m.ArchiveUploads.WithLabelValues(result(err)).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

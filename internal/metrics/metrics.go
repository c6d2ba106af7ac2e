package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the publisher
type Metrics struct {
	// Session metrics
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	ConnectAttempts prometheus.Counter
	ConnectFailures prometheus.Counter
	ConnectDuration prometheus.Histogram

	// Frame metrics
	FramesPushed *prometheus.CounterVec
	FrameSize    *prometheus.HistogramVec
	KeyFrames    prometheus.Counter
	PushErrors   *prometheus.CounterVec

	// Wire metrics
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		SessionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_sessions_opened_total",
			Help: "Total number of push sessions opened",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_sessions_closed_total",
			Help: "Total number of push sessions closed",
		}),
		ConnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_connect_attempts_total",
			Help: "Total number of connect attempts",
		}),
		ConnectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_connect_failures_total",
			Help: "Total number of failed connects",
		}),
		ConnectDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtmppush_connect_duration_seconds",
			Help:    "Time spent in handshake and command negotiation",
			Buckets: prometheus.DefBuckets,
		}),

		FramesPushed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtmppush_frames_pushed_total",
				Help: "Total number of frames pushed",
			},
			[]string{"type"}, // type: video or audio
		),
		FrameSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtmppush_frame_size_bytes",
				Help:    "Size of pushed frames in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
			},
			[]string{"type"},
		),
		KeyFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_keyframes_total",
			Help: "Total number of key frames pushed",
		}),
		PushErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtmppush_push_errors_total",
				Help: "Total number of failed push calls",
			},
			[]string{"type", "reason"},
		),

		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_bytes_sent_total",
			Help: "Total payload bytes sent to the server",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "rtmppush_bytes_received_total",
			Help: "Total bytes received from the server",
		}),
	}

	return m
}

// RecordFrame records a pushed frame
func (m *Metrics) RecordFrame(isVideo bool, size int, keyFrame bool) {
	frameType := "audio"
	if isVideo {
		frameType = "video"
	}
	m.FramesPushed.WithLabelValues(frameType).Inc()
	m.FrameSize.WithLabelValues(frameType).Observe(float64(size))
	m.BytesSent.Add(float64(size))
	if keyFrame {
		m.KeyFrames.Inc()
	}
}

// RecordPushError records a failed push call
func (m *Metrics) RecordPushError(isVideo bool, reason string) {
	frameType := "audio"
	if isVideo {
		frameType = "video"
	}
	m.PushErrors.WithLabelValues(frameType, reason).Inc()
}

// RecordConnect records a connect attempt and its outcome
func (m *Metrics) RecordConnect(durationSeconds float64, err error) {
	m.ConnectAttempts.Inc()
	if err != nil {
		m.ConnectFailures.Inc()
		return
	}
	m.ConnectDuration.Observe(durationSeconds)
}

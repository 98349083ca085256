package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Capture metrics
	CaptureSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskcap_capture_sessions_total",
			Help: "Capture sessions by terminal outcome",
		},
		[]string{"outcome"},
	)

	CaptureActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskcap_capture_active",
			Help: "1 while an audio capture session is open",
		},
	)

	CaptureFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskcap_capture_frames_total",
			Help: "PCM frames delivered by the hardware stream",
		},
	)

	CaptureFramesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskcap_capture_frames_dropped_total",
			Help: "PCM frames dropped because the encoder queue was full",
		},
	)

	EncodedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskcap_encoded_bytes_total",
			Help: "Compressed bytes emitted by the transcoder",
		},
		[]string{"encoder"},
	)

	// Usage tracking metrics
	UsageTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskcap_usage_ticks_total",
			Help: "Usage tracker ticks by result",
		},
		[]string{"result"},
	)

	// Event delivery metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskcap_events_emitted_total",
			Help: "Events published to subscribers",
		},
		[]string{"name"},
	)

	SubscribersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskcap_subscribers_evicted_total",
			Help: "Subscribers dropped for falling behind",
		},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskcap_commands_total",
			Help: "Commands handled by name and status",
		},
		[]string{"command", "status"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskcap_command_duration_seconds",
			Help:    "Command handling duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"command"},
	)

	ClientsConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskcap_clients_connected",
			Help: "Connected clients by transport",
		},
		[]string{"transport"},
	)

	PoolRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskcap_pool_rejected_total",
			Help: "Tasks rejected by the worker pool",
		},
	)

	ScreenshotsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deskcap_screenshots_archived_total",
			Help: "Screenshots written to the archive",
		},
	)

	ComponentHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deskcap_component_health",
			Help: "Latest health probe result per component (1 healthy, 0.5 degraded, 0 otherwise)",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(
		CaptureSessionsTotal,
		CaptureActive,
		CaptureFramesTotal,
		CaptureFramesDropped,
		EncodedBytesTotal,
		UsageTicksTotal,
		EventsEmitted,
		SubscribersEvicted,
		CommandsTotal,
		CommandDuration,
		ClientsConnected,
		PoolRejected,
		ScreenshotsArchived,
		ComponentHealth,
	)
}

// Package metrics holds the Prometheus instrumentation for the delivery
// pipeline. A nil *Metrics is valid and records nothing, so components can be
// built without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label.
const (
	ReasonSinkRejected = "sink_rejected"
	ReasonStopped      = "stopped"
	ReasonFlushed      = "flushed"
	ReasonSlowListener = "slow_listener"
)

// Metrics contains all Prometheus metrics for airwave.
type Metrics struct {
	// Ingress
	ChunksEnqueued  prometheus.Counter
	ChunksDelivered prometheus.Counter
	ChunksDropped   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	// Playback
	FramesScheduled prometheus.Counter
	LatencyBumps    prometheus.Counter
	ScheduleAhead   prometheus.Histogram
	DecodeErrors    prometheus.Counter
	Underruns       prometheus.Counter

	// Publish
	ChunksPublished prometheus.Counter
	PublishFailures prometheus.Counter
	SlicesGated     prometheus.Counter

	// Transport
	Subscribers *prometheus.GaugeVec
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_ingress_chunks_enqueued_total",
			Help: "Chunks accepted into the pending queue",
		}),
		ChunksDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_ingress_chunks_delivered_total",
			Help: "Chunks handed to the sink successfully",
		}),
		ChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "airwave_chunks_dropped_total",
			Help: "Chunks dropped, by reason",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "airwave_ingress_queue_depth",
			Help: "Chunks waiting for the sink",
		}),

		FramesScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_playback_frames_scheduled_total",
			Help: "Decoded frames scheduled for output",
		}),
		LatencyBumps: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_playback_latency_bumps_total",
			Help: "Times the playback cursor fell behind and was pushed to now+lookahead",
		}),
		ScheduleAhead: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "airwave_playback_schedule_ahead_seconds",
			Help:    "Distance between the output clock and a frame's start time",
			Buckets: []float64{.01, .02, .05, .075, .1, .15, .2, .3, .5, 1},
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_playback_decode_errors_total",
			Help: "Packets skipped because they failed to decode",
		}),
		Underruns: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_playback_underruns_total",
			Help: "Output callbacks that ran out of scheduled audio",
		}),

		ChunksPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_publish_chunks_total",
			Help: "Chunks transmitted by the publish pipeline",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_publish_failures_total",
			Help: "Chunks the transport failed to send",
		}),
		SlicesGated: f.NewCounter(prometheus.CounterOpts{
			Name: "airwave_publish_slices_gated_total",
			Help: "Captured slices discarded because too few subscribers were present",
		}),

		Subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "airwave_topic_subscribers",
			Help: "Subscribers per broadcast topic",
		}, []string{"topic"}),
	}
}

func (m *Metrics) Enqueued(depth int) {
	if m == nil {
		return
	}
	m.ChunksEnqueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Delivered(depth int) {
	if m == nil {
		return
	}
	m.ChunksDelivered.Inc()
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) Dropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChunksDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Depth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// Scheduled records one scheduled frame starting ahead of the output clock.
func (m *Metrics) Scheduled(ahead time.Duration, bumped bool) {
	if m == nil {
		return
	}
	m.FramesScheduled.Inc()
	m.ScheduleAhead.Observe(ahead.Seconds())
	if bumped {
		m.LatencyBumps.Inc()
	}
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) Underrun() {
	if m == nil {
		return
	}
	m.Underruns.Inc()
}

func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.ChunksPublished.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

func (m *Metrics) Gated() {
	if m == nil {
		return
	}
	m.SlicesGated.Inc()
}

func (m *Metrics) SetSubscribers(topic string, n int) {
	if m == nil {
		return
	}
	m.Subscribers.WithLabelValues(topic).Set(float64(n))
}

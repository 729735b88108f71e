package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the Prometheus instruments for the voice capture pipeline.
type Pipeline struct {
	CapturesStarted         prometheus.Counter
	CapturesAccepted        prometheus.Counter
	CapturesRejected        prometheus.Counter
	CapturesFailed          prometheus.Counter
	DuplicateSpeakingEvents prometheus.Counter
	ActiveCaptures          prometheus.Gauge

	PacketsDropped prometheus.Counter
	DecodeErrors   prometheus.Counter

	STTLatency prometheus.Histogram
	LLMLatency prometheus.Histogram
}

// NewPipeline registers the pipeline instruments on reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		CapturesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_captures_started_total",
			Help: "Capture sessions admitted by the recording guard",
		}),
		CapturesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_captures_accepted_total",
			Help: "Capture sessions that produced a transcript",
		}),
		CapturesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_captures_rejected_total",
			Help: "Capture sessions silently dropped (noise, silence, short transcript, transport errors)",
		}),
		CapturesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_captures_failed_total",
			Help: "Capture sessions ended by a service failure",
		}),
		DuplicateSpeakingEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_duplicate_speaking_events_total",
			Help: "Speaking-start events ignored because a capture was already live",
		}),
		ActiveCaptures: f.NewGauge(prometheus.GaugeOpts{
			Name: "copilot_active_captures",
			Help: "Capture sessions currently running",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_opus_packets_dropped_total",
			Help: "Opus packets dropped because a subscription queue was full",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "copilot_opus_decode_errors_total",
			Help: "Opus frames that failed to decode",
		}),
		STTLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copilot_stt_latency_seconds",
			Help:    "Speech-to-text request latency",
			Buckets: prometheus.DefBuckets,
		}),
		LLMLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copilot_llm_latency_seconds",
			Help:    "Chat-completion request latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

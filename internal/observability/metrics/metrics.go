// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinscribe"

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionTransitions *prometheus.CounterVec

	// Chunk metrics
	ChunkCycles      *prometheus.CounterVec
	ChunkAudioBytes  prometheus.Histogram
	SegmentsAppended *prometheus.CounterVec

	// Backend metrics
	BackendCalls     *prometheus.CounterVec
	BackendErrors    *prometheus.CounterVec
	BackendLatency   *prometheus.HistogramVec
	BackendFallbacks prometheus.Counter
	LiveSessions     *prometheus.CounterVec

	// Speaker metrics
	SpeakerAssignments *prometheus.CounterVec

	// Documentation metrics
	DocumentationUpdates *prometheus.CounterVec

	// Persistence metrics
	PersistErrors *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal  *prometheus.CounterVec
	KafkaPublishErrors *prometheus.CounterVec
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry or a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently owning the audio capture",
		}),
		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session status transitions",
		}, []string{"to"}),

		ChunkCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_cycles_total",
			Help:      "Chunk timer firings by outcome",
		}, []string{"result"}),
		ChunkAudioBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_audio_bytes",
			Help:      "Size of the audio buffer sent per chunk transcription",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 12),
		}),
		SegmentsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_appended_total",
			Help:      "Transcript segments appended to sessions",
		}, []string{"source"}),

		BackendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Transcription backend calls by outcome",
		}, []string{"backend", "outcome"}),
		BackendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Transcription backend errors by category",
		}, []string{"backend", "category"}),
		BackendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Transcription backend latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"backend"}),
		BackendFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fallbacks_total",
			Help:      "Times a transcribe call moved on to a lower priority backend",
		}),
		LiveSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_starts_total",
			Help:      "Live transcription start attempts by outcome",
		}, []string{"backend", "outcome"}),

		SpeakerAssignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speaker_assignments_total",
			Help:      "Speaker roles assigned by the classifier",
		}, []string{"speaker"}),

		DocumentationUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documentation_updates_total",
			Help:      "Documentation generator invocations by kind and outcome",
		}, []string{"kind", "outcome"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Session persistence failures by source",
		}, []string{"source"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic"}),
	}
}

// RecordTransition records a session status change.
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(to).Inc()
	switch to {
	case "active":
		m.SessionsActive.Set(1)
	case "completed", "disposed":
		m.SessionsActive.Set(0)
	}
}

// RecordChunkCycle records the outcome of one chunk timer firing.
func (m *Metrics) RecordChunkCycle(result string) {
	if m == nil {
		return
	}
	m.ChunkCycles.WithLabelValues(result).Inc()
}

// RecordChunkSent records the size of a chunk handed to transcription.
func (m *Metrics) RecordChunkSent(bytes int) {
	if m == nil {
		return
	}
	m.ChunkAudioBytes.Observe(float64(bytes))
}

// RecordSegments records segments appended to a transcript.
func (m *Metrics) RecordSegments(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SegmentsAppended.WithLabelValues(source).Add(float64(n))
}

// RecordBackendCall records one backend call and its latency.
func (m *Metrics) RecordBackendCall(backend string, err error, latencySeconds float64) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.BackendCalls.WithLabelValues(backend, outcome).Inc()
	m.BackendLatency.WithLabelValues(backend).Observe(latencySeconds)
}

// RecordBackendError records a categorised backend error.
func (m *Metrics) RecordBackendError(backend, category string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(backend, category).Inc()
}

// RecordFallback records a move to the next backend.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.BackendFallbacks.Inc()
}

// RecordLiveStart records a live transcription start attempt.
func (m *Metrics) RecordLiveStart(backend string, err error) {
	if m == nil {
		return
	}
	outcome := "started"
	if err != nil {
		outcome = "failed"
	}
	m.LiveSessions.WithLabelValues(backend, outcome).Inc()
}

// RecordSpeaker records a classifier assignment.
func (m *Metrics) RecordSpeaker(speaker string) {
	if m == nil {
		return
	}
	m.SpeakerAssignments.WithLabelValues(speaker).Inc()
}

// RecordDocumentation records a documentation generator call.
func (m *Metrics) RecordDocumentation(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.DocumentationUpdates.WithLabelValues(kind, outcome).Inc()
}

// RecordPersistError records a failed session write.
func (m *Metrics) RecordPersistError(source string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(source).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaPublishTotal.WithLabelValues(topic).Inc()
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic).Inc()
	}
}

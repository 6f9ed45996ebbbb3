// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conversation_coordinator"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	StreamsTotal   prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamsSuccess prometheus.Counter
	StreamsFailed  prometheus.Counter
	StreamDuration prometheus.Histogram

	// Ingestion metrics
	EventsEnqueued   prometheus.Counter
	EventsDispatched *prometheus.CounterVec
	EventsMalformed  *prometheus.CounterVec
	DrainSkipped     prometheus.Counter
	DrainPanics      prometheus.Counter

	// Transcript metrics
	ItemsFinalized     *prometheus.CounterVec
	DuplicatesAbsorbed *prometheus.CounterVec

	// Commit metrics
	CommitsCreated   prometheus.Counter
	CommitsAbandoned prometheus.Counter
	ItemsResolved    prometheus.Counter
	ResponsesFired   prometheus.Counter
	ResponseErrors   prometheus.Counter

	// Word timing metrics
	TimingWords       prometheus.Counter
	TimingOrphans     prometheus.Counter
	TimingFinalized   prometheus.Counter
	AudioDecodeErrors prometheus.Counter
	AudioBytes        prometheus.Counter

	// Session metrics
	SessionsActive prometheus.Gauge
	StateClears    prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Stream metrics
		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of gRPC ingest streams started",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active gRPC ingest streams",
		}),
		StreamsSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_success_total",
			Help:      "Total number of successfully completed streams",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of failed streams",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of gRPC ingest streams in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		// Ingestion metrics
		EventsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Total number of inbound events enqueued",
		}),
		EventsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Total number of drained events by category",
		}, []string{"category"}),
		EventsMalformed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_malformed_total",
			Help:      "Total number of events dropped as malformed",
		}, []string{"type"}),
		DrainSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_skipped_total",
			Help:      "Total number of drain ticks skipped because a drain was in progress",
		}),
		DrainPanics: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_panics_total",
			Help:      "Total number of recovered panics while dispatching events",
		}),

		// Transcript metrics
		ItemsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_finalized_total",
			Help:      "Total number of conversation items finalized",
		}, []string{"role", "reason"}),
		DuplicatesAbsorbed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_absorbed_total",
			Help:      "Total number of duplicate finalizations absorbed",
		}, []string{"role"}),

		// Commit metrics
		CommitsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_created_total",
			Help:      "Total number of audio commits tracked",
		}),
		CommitsAbandoned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_abandoned_total",
			Help:      "Total number of commits abandoned on teardown",
		}),
		ItemsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_items_resolved_total",
			Help:      "Total number of commit items resolved",
		}),
		ResponsesFired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_fired_total",
			Help:      "Total number of response-creation signals fired",
		}),
		ResponseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_errors_total",
			Help:      "Total number of failed response-creation calls",
		}),

		// Word timing metrics
		TimingWords: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timing_words_total",
			Help:      "Total number of word timings estimated",
		}),
		TimingOrphans: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timing_orphaned_buffers_total",
			Help:      "Total number of timing buffers created lazily for unknown messages",
		}),
		TimingFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timing_finalized_total",
			Help:      "Total number of messages whose word timings were finalized",
		}),
		AudioDecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_decode_errors_total",
			Help:      "Total number of audio deltas that failed to decode",
		}),
		AudioBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total decoded assistant audio bytes",
		}),

		// Session metrics
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently registered",
		}),
		StateClears: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_clears_total",
			Help:      "Total number of coordinator state clears",
		}),

		// Kafka publish metrics
		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
	}
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart() {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(success bool, durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
	if success {
		m.StreamsSuccess.Inc()
	} else {
		m.StreamsFailed.Inc()
	}
}

// RecordEnqueued records an event entering the ingestion queue.
func (m *Metrics) RecordEnqueued() {
	m.EventsEnqueued.Inc()
}

// RecordDispatched records a drained event routed to a category.
func (m *Metrics) RecordDispatched(category string) {
	m.EventsDispatched.WithLabelValues(category).Inc()
}

// RecordMalformed records an event dropped as malformed.
func (m *Metrics) RecordMalformed(eventType string) {
	m.EventsMalformed.WithLabelValues(eventType).Inc()
}

// RecordDrainSkipped records a re-entrant drain that was skipped.
func (m *Metrics) RecordDrainSkipped() {
	m.DrainSkipped.Inc()
}

// RecordDrainPanic records a recovered dispatch panic.
func (m *Metrics) RecordDrainPanic() {
	m.DrainPanics.Inc()
}

// RecordFinalized records a conversation item finalized for the first time.
func (m *Metrics) RecordFinalized(role, reason string) {
	m.ItemsFinalized.WithLabelValues(role, reason).Inc()
}

// RecordDuplicate records a finalization absorbed by the finalize-once set.
func (m *Metrics) RecordDuplicate(role string) {
	m.DuplicatesAbsorbed.WithLabelValues(role).Inc()
}

// RecordCommitCreated records a new commit.
func (m *Metrics) RecordCommitCreated() {
	m.CommitsCreated.Inc()
}

// RecordCommitsAbandoned records commits discarded on teardown.
func (m *Metrics) RecordCommitsAbandoned(n int) {
	m.CommitsAbandoned.Add(float64(n))
}

// RecordItemResolved records a commit item resolution.
func (m *Metrics) RecordItemResolved() {
	m.ItemsResolved.Inc()
}

// RecordResponseFired records the one-shot response signal.
func (m *Metrics) RecordResponseFired(err error) {
	m.ResponsesFired.Inc()
	if err != nil {
		m.ResponseErrors.Inc()
	}
}

// RecordTimingWords records newly estimated words.
func (m *Metrics) RecordTimingWords(n int) {
	m.TimingWords.Add(float64(n))
}

// RecordTimingOrphan records a lazily created timing buffer.
func (m *Metrics) RecordTimingOrphan() {
	m.TimingOrphans.Inc()
}

// RecordTimingFinalized records a finalized timing buffer.
func (m *Metrics) RecordTimingFinalized() {
	m.TimingFinalized.Inc()
}

// RecordAudio records decoded audio bytes, or a decode failure.
func (m *Metrics) RecordAudio(bytes int, err error) {
	if err != nil {
		m.AudioDecodeErrors.Inc()
		return
	}
	m.AudioBytes.Add(float64(bytes))
}

// RecordSessionOpened records a session added to the registry.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a session removed from the registry.
func (m *Metrics) RecordSessionClosed() {
	m.SessionsActive.Dec()
}

// RecordStateClear records a coordinator teardown.
func (m *Metrics) RecordStateClear() {
	m.StateClears.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundmem_active_sessions",
		Help: "Number of active recording sessions",
	})

	totalSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_sessions_total",
		Help: "Total number of recording sessions by end status",
	}, []string{"status"})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundmem_session_duration_seconds",
		Help:    "Duration of recording sessions in seconds",
		Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
	})

	// Capture metrics
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundmem_frames_captured_total",
		Help: "Total audio frames read from sources",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "soundmem_frames_dropped_total",
		Help: "Frames dropped because the recognizer fell behind",
	})

	// Recognition metrics
	recognitionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_recognition_requests_total",
		Help: "Total number of recognizer calls",
	}, []string{"status"})

	recognitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundmem_recognition_latency_seconds",
		Help:    "Recognizer call latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_commits_total",
		Help: "Committed segments by commit reason",
	}, []string{"reason"}) // reason: "semantic", "timeout" or "final"

	buffersDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_buffers_discarded_total",
		Help: "Transcript buffers discarded without a commit",
	}, []string{"reason"}) // reason: "silence" or "recognition_fault"

	// Storage and index metrics
	segmentsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_segments_stored_total",
		Help: "Segment append attempts by status",
	}, []string{"status"})

	indexOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_index_operations_total",
		Help: "Indexing attempts by status",
	}, []string{"status"})

	indexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundmem_index_size",
		Help: "Number of vectors in the similarity index",
	})

	indexPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundmem_index_pending",
		Help: "Segments waiting for an indexing retry",
	})

	// Answer metrics
	answersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_answers_total",
		Help: "Answers by outcome",
	}, []string{"outcome"})

	completionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "soundmem_completion_latency_seconds",
		Help:    "Completion service latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundmem_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "soundmem_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// MetricsHandler exposes the Prometheus registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// SessionMetrics tracks metrics for a single recording session
type SessionMetrics struct {
	sessionID        string
	startTime        time.Time
	recognitionStart time.Time
	mu               sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session with its final status
func (m *SessionMetrics) RecordSessionEnd(status string) {
	activeSessions.Dec()
	totalSessions.WithLabelValues(status).Inc()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrameCaptured records a frame read from the source
func (m *SessionMetrics) RecordFrameCaptured() {
	framesCaptured.Inc()
}

// RecordFrameDropped records a frame dropped under backpressure
func (m *SessionMetrics) RecordFrameDropped() {
	framesDropped.Inc()
}

// RecordRecognitionStart records the start of a recognizer call
func (m *SessionMetrics) RecordRecognitionStart() {
	m.mu.Lock()
	m.recognitionStart = time.Now()
	m.mu.Unlock()
}

// RecordRecognitionEnd records the end of a recognizer call
func (m *SessionMetrics) RecordRecognitionEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recognitionStart.IsZero() {
		recognitionLatency.Observe(time.Since(m.recognitionStart).Seconds())
	}

	recognitionRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordCommit records a committed segment
func (m *SessionMetrics) RecordCommit(reason string) {
	commitsTotal.WithLabelValues(reason).Inc()
}

// RecordDiscard records a buffer dropped without a commit
func (m *SessionMetrics) RecordDiscard(reason string) {
	buffersDiscarded.WithLabelValues(reason).Inc()
}

// RecordSegmentStored records a segment append attempt
func (m *SessionMetrics) RecordSegmentStored(success bool) {
	segmentsStored.WithLabelValues(statusLabel(success)).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordIndexOperation records an indexing attempt
func RecordIndexOperation(success bool) {
	indexOperations.WithLabelValues(statusLabel(success)).Inc()
}

// SetIndexSize records the number of vectors held by the index
func SetIndexSize(n int) {
	indexSize.Set(float64(n))
}

// SetIndexPending records the number of segments awaiting an indexing retry
func SetIndexPending(n int) {
	indexPending.Set(float64(n))
}

// RecordAnswer records an answer outcome
func RecordAnswer(outcome string) {
	answersTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompletionLatency records a completion service call duration
func ObserveCompletionLatency(d time.Duration) {
	completionLatency.Observe(d.Seconds())
}

// SetCircuitBreakerState records a breaker state for a named service
func SetCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

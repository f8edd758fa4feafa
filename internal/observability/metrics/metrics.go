package metrics

import "github.com/prometheus/client_golang/prometheus"

// IngestionMetrics exposes counters/histograms for webhook ingestion and
// response-time tracking.
type IngestionMetrics struct {
	eventsTotal        *prometheus.CounterVec
	processingLatency  *prometheus.HistogramVec
	responseTurns      *prometheus.CounterVec
	responseSeconds    prometheus.Histogram
	pendingTransitions *prometheus.CounterVec
	trackerRejections  *prometheus.CounterVec
	pendingGauge       *prometheus.GaugeVec
	sweepTotal         *prometheus.CounterVec
}

func NewIngestionMetrics(reg prometheus.Registerer) *IngestionMetrics {
	m := &IngestionMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpulse",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total webhook events by type and outcome",
		}, []string{"event_type", "outcome"}),
		processingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatpulse",
			Subsystem: "ingest",
			Name:      "processing_seconds",
			Help:      "Latency of processing one recorded event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		responseTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpulse",
			Subsystem: "responsetime",
			Name:      "turns_total",
			Help:      "Response turns recorded by bucket",
		}, []string{"bucket"}),
		responseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatpulse",
			Subsystem: "responsetime",
			Name:      "elapsed_seconds",
			Help:      "Agent response time in seconds",
			Buckets:   []float64{30, 60, 120, 300, 900, 1800, 3600, 7200, 14400},
		}),
		pendingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpulse",
			Subsystem: "responsetime",
			Name:      "pending_transitions_total",
			Help:      "Pending entries opened, answered or abandoned",
		}, []string{"transition"}),
		trackerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpulse",
			Subsystem: "responsetime",
			Name:      "rejections_total",
			Help:      "Messages rejected by the tracker",
		}, []string{"reason"}),
		pendingGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatpulse",
			Subsystem: "responsetime",
			Name:      "pending_conversations",
			Help:      "Conversations awaiting an agent reply by urgency",
		}, []string{"urgency"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatpulse",
			Subsystem: "ingest",
			Name:      "sweep_events_total",
			Help:      "Events handled by the retry sweep by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.processingLatency, m.responseTurns, m.responseSeconds,
		m.pendingTransitions, m.trackerRejections, m.pendingGauge, m.sweepTotal)
	return m
}

func (m *IngestionMetrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *IngestionMetrics) ObserveProcessing(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.processingLatency.WithLabelValues(eventType).Observe(seconds)
}

func (m *IngestionMetrics) ObserveTurn(bucket string, seconds float64) {
	if m == nil {
		return
	}
	m.responseTurns.WithLabelValues(bucket).Inc()
	m.responseSeconds.Observe(seconds)
}

func (m *IngestionMetrics) ObservePendingTransition(transition string) {
	if m == nil {
		return
	}
	m.pendingTransitions.WithLabelValues(transition).Inc()
}

func (m *IngestionMetrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.trackerRejections.WithLabelValues(reason).Inc()
}

// SetPending replaces the pending gauge with counts keyed by urgency.
func (m *IngestionMetrics) SetPending(counts map[string]int) {
	if m == nil {
		return
	}
	m.pendingGauge.Reset()
	for urgency, n := range counts {
		m.pendingGauge.WithLabelValues(urgency).Set(float64(n))
	}
}

func (m *IngestionMetrics) ObserveSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweepTotal.WithLabelValues(outcome).Inc()
}

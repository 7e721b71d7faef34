package d3

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================================
// Metrics
// ============================================================================

// Metrics holds the Prometheus collectors for the sync layer. A nil *Metrics
// records nothing.
type Metrics struct {
	queueDepth    prometheus.Gauge
	online        prometheus.Gauge
	drains        *prometheus.CounterVec
	drainDuration prometheus.Histogram
	appliedTotal  *prometheus.CounterVec
	enqueuedTotal *prometheus.CounterVec
	deadLettered  prometheus.Counter
	cacheReads    *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "d3_queue_depth",
			Help: "Number of intents waiting in the local queue after the last drain.",
		}),
		online: f.NewGauge(prometheus.GaugeOpts{
			Name: "d3_online",
			Help: "1 when the connectivity oracle reports online.",
		}),
		drains: f.NewCounterVec(prometheus.CounterOpts{
			Name: "d3_drains_total",
			Help: "Drain passes by outcome.",
		}, []string{"result"}),
		drainDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "d3_drain_duration_seconds",
			Help:    "Histogram of drain pass latencies.",
			Buckets: prometheus.DefBuckets,
		}),
		appliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "d3_intents_applied_total",
			Help: "Queued intents confirmed by the remote.",
		}, []string{"kind"}),
		enqueuedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "d3_intents_enqueued_total",
			Help: "Intents appended to the local queue.",
		}, []string{"kind"}),
		deadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "d3_intents_deadlettered_total",
			Help: "Queued intents moved to the deadletter partition.",
		}),
		cacheReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "d3_cache_reads_total",
			Help: "Read-through reads by entity and the source that answered.",
		}, []string{"entity", "source"}),
	}
}

func (m *Metrics) observeDrain(res DrainResult) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case res.Err == nil:
	case IsNetworkError(res.Err):
		result = "network"
	case IsRejected(res.Err):
		result = "rejected"
	default:
		result = "error"
	}
	m.drains.WithLabelValues(result).Inc()
	m.drainDuration.Observe(res.Duration.Seconds())
	m.queueDepth.Set(float64(res.Remaining))
	m.deadLettered.Add(float64(res.DeadLettered))
}

func (m *Metrics) applied(kind IntentKind) {
	if m == nil {
		return
	}
	m.appliedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) enqueued(kind IntentKind) {
	if m == nil {
		return
	}
	m.enqueuedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) cacheRead(entity, source string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(entity, source).Inc()
}

func (m *Metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

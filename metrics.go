package htlv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates pipeline counters. A nil *Metrics disables collection;
// every recording method tolerates the nil receiver.
type Metrics struct {
	batchesTotal   prometheus.Counter
	batchFailures  *prometheus.CounterVec
	payloadBytes   prometheus.Counter
	droppedTotal   *prometheus.CounterVec
	promotedTotal  prometheus.Counter
	kernelFallback prometheus.Counter
	decodeSeconds  prometheus.Histogram
}

// NewMetrics builds the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htlv",
			Name:      "batches_total",
			Help:      "Batches admitted to the decode pipeline.",
		}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htlv",
			Name:      "batch_failures_total",
			Help:      "Batches that completed as partial failures, by failure kind.",
		}, []string{"kind"}),
		payloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htlv",
			Name:      "payload_bytes_total",
			Help:      "Plain payload bytes processed.",
		}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htlv",
			Name:      "sink_dropped_total",
			Help:      "Deliveries dropped under the drop backpressure policy, by sink.",
		}, []string{"sink"}),
		promotedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htlv",
			Name:      "batches_promoted_total",
			Help:      "Batches promoted from borrowed to owned aligned storage.",
		}),
		kernelFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htlv",
			Name:      "kernel_fallbacks_total",
			Help:      "Per-batch fallbacks to a lower-ranked kernel level.",
		}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "htlv",
			Name:      "batch_decode_seconds",
			Help:      "Wall time spent decoding one batch's value tree.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}
	reg.MustRegister(m.batchesTotal, m.batchFailures, m.payloadBytes, m.droppedTotal, m.promotedTotal, m.kernelFallback, m.decodeSeconds)
	return m
}

func (m *Metrics) batchAdmitted(payloadBytes int) {
	if m == nil {
		return
	}
	m.batchesTotal.Inc()
	m.payloadBytes.Add(float64(payloadBytes))
}

func (m *Metrics) batchFailed(kind FailureKind) {
	if m == nil {
		return
	}
	m.batchFailures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) sinkDropped(sink string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) batchPromoted() {
	if m == nil {
		return
	}
	m.promotedTotal.Inc()
}

func (m *Metrics) kernelFellBack(times int) {
	if m == nil || times == 0 {
		return
	}
	m.kernelFallback.Add(float64(times))
}

func (m *Metrics) batchDecoded(seconds float64) {
	if m == nil {
		return
	}
	m.decodeSeconds.Observe(seconds)
}

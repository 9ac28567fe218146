package responder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pingpong"

// Metrics holds the responder's Prometheus collectors
type Metrics struct {
	// Counters
	PingsDetected  *prometheus.CounterVec
	Duplicates     *prometheus.CounterVec
	PongsSubmitted prometheus.Counter
	PongsConfirmed prometheus.Counter
	PongsFailed    prometheus.Counter
	PongsTimedOut  prometheus.Counter
	DroppedEvents  *prometheus.CounterVec

	// Gauges
	QueueDepth         prometheus.Gauge
	LastProcessedBlock prometheus.Gauge

	// Histograms
	ConfirmationLatency prometheus.Histogram
}

// NewMetrics creates the responder metrics and registers them with reg.
// A nil registerer yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PingsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pings_detected_total",
			Help:      "Ping events handed to the processor, by source",
		}, []string{"source"}),
		Duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pings_duplicate_total",
			Help:      "Ping events absorbed by the idempotency gate, by source",
		}, []string{"source"}),
		PongsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pongs_submitted_total",
			Help:      "Pong transactions accepted by the node",
		}),
		PongsConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pongs_confirmed_total",
			Help:      "Pong transactions mined successfully",
		}),
		PongsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pongs_failed_total",
			Help:      "Pong transactions that reverted or could not be tracked",
		}),
		PongsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pongs_timed_out_total",
			Help:      "Pong transactions not mined within the confirmation timeout",
		}),
		DroppedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "live_events_dropped_total",
			Help:      "Live events not processed, by reason",
		}, []string{"reason"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Events waiting for the submission worker",
		}),
		LastProcessedBlock: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_processed_block",
			Help:      "Highest block with a recorded ping",
		}),
		ConfirmationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "confirmation_latency_seconds",
			Help:      "Time from pong submission to confirmation",
			Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
		}),
	}
}

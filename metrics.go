package capsule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "capsule_client"

// Metrics holds the request-layer collectors. Each Client registers its own set
// on its own registry so several clients can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter
	BackoffSeconds  prometheus.Histogram

	ProbesTotal       *prometheus.CounterVec
	Online            prometheus.Gauge
	ConnectionQuality *prometheus.GaugeVec

	QueueDepth    prometheus.Gauge
	QueueEnqueued prometheus.Counter
	QueueSent     prometheus.Counter
	QueueDropped  *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "API calls by method and final outcome",
			},
			[]string{"method", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Wall-clock time of a single attempt",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		RetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Backoff retries issued by the executor",
		}),
		BackoffSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "backoff_seconds",
			Help:      "Backoff delays before retries",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16},
		}),
		ProbesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "probes_total",
				Help:      "Connectivity probes by result",
			},
			[]string{"result"},
		),
		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online",
			Help:      "1 when the API host is believed reachable",
		}),
		ConnectionQuality: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connection_quality",
				Help:      "1 for the current connection quality tier",
			},
			[]string{"quality"},
		),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Pending requests waiting for connectivity",
		}),
		QueueEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_enqueued_total",
			Help:      "Requests deferred into the pending queue",
		}),
		QueueSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_sent_total",
			Help:      "Queued requests replayed successfully",
		}),
		QueueDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "queue_dropped_total",
				Help:      "Queued requests dropped by reason",
			},
			[]string{"reason"},
		),
	}
}

// Registry exposes the collectors for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) setQuality(q Quality) {
	for _, tier := range []Quality{QualityGood, QualityMedium, QualityPoor, QualityOffline} {
		v := 0.0
		if tier == q {
			v = 1
		}
		m.ConnectionQuality.WithLabelValues(string(tier)).Set(v)
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the sidecar.
type Metrics struct {
	EventsTotal        prometheus.Counter
	EventsSampled      prometheus.Counter
	EventsInvalid      prometheus.Counter
	VulnerabilitiesHit *prometheus.CounterVec
	GuardVerdicts      *prometheus.CounterVec
	SpansDropped       prometheus.Counter
	EvidenceBacklog    prometheus.Gauge
	SamplingBaseRate   prometheus.Gauge
	AnalyzeDuration    prometheus.Histogram
}

// New registers and returns the sidecar metric set.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentry_events_total",
			Help: "Total number of submitted events.",
		}),
		EventsSampled: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentry_events_sampled_total",
			Help: "Events selected for full analysis.",
		}),
		EventsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentry_events_invalid_total",
			Help: "Malformed events rejected at ingest.",
		}),
		VulnerabilitiesHit: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_vulnerabilities_total",
			Help: "Flagged vulnerability categories.",
		}, []string{"category"}),
		GuardVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentry_guard_verdicts_total",
			Help: "Token-rate guard verdicts by outcome.",
		}, []string{"verdict"}),
		SpansDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentry_spans_dropped_total",
			Help: "Spans lost past the evidence retry budget or queue capacity.",
		}),
		EvidenceBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_evidence_backlog",
			Help: "Spans queued for asynchronous persistence.",
		}),
		SamplingBaseRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sentry_sampling_base_rate",
			Help: "Current effective base sampling rate.",
		}),
		AnalyzeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentry_analyze_duration_seconds",
			Help:    "Risk analysis latency per sampled event.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
	}
}

// Package metrics holds the Prometheus instruments the pipeline uses to
// observe itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "perfmon"

var flushBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Metrics groups the self-observability instruments of the pipeline
type Metrics struct {
	Registry prometheus.Gatherer

	EventsRecorded   *prometheus.CounterVec
	EventsSampledOut *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	QueueDepth       prometheus.Gauge
	BatchesFlushed   prometheus.Counter
	FlushFailures    *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	AggregatorKeys   prometheus.Gauge
	RuleEvaluations  prometheus.Counter
	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter
	NotifyFailures   *prometheus.CounterVec
	ReportsGenerated *prometheus.CounterVec
	ReportFailures   prometheus.Counter
}

// New creates the instruments and registers them on reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,
		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_recorded_total",
			Help:      "Events accepted into the queue",
		}, []string{"source"}),
		EventsSampledOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_sampled_out_total",
			Help:      "Events discarded by sampling",
		}, []string{"source"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_dropped_total",
			Help:      "Events evicted from a full queue",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "queue_depth",
			Help:      "Events currently queued",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flusher",
			Name:      "batches_total",
			Help:      "Batches drained from the queue",
		}),
		FlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flusher",
			Name:      "failures_total",
			Help:      "Batches lost after sink retries were exhausted",
		}, []string{"sink"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flusher",
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing one batch",
			Buckets:   flushBuckets,
		}),
		AggregatorKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "keys",
			Help:      "Live aggregation keys",
		}),
		RuleEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Rule evaluations performed",
		}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "alerts_fired_total",
			Help:      "Alert notifications triggered",
		}, []string{"severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "alerts_suppressed_total",
			Help:      "Re-alerts suppressed by cooldown",
		}),
		NotifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Failed notification deliveries",
		}, []string{"channel"}),
		ReportsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "generated_total",
			Help:      "Reports generated",
		}, []string{"period"}),
		ReportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "failures_total",
			Help:      "Report generations that failed",
		}),
	}

	reg.MustRegister(
		m.EventsRecorded, m.EventsSampledOut, m.EventsDropped, m.QueueDepth,
		m.BatchesFlushed, m.FlushFailures, m.FlushDuration, m.AggregatorKeys,
		m.RuleEvaluations, m.AlertsFired, m.AlertsSuppressed, m.NotifyFailures,
		m.ReportsGenerated, m.ReportFailures,
	)
	return m
}

// NewNop returns instruments registered on a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

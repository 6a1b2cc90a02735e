// Package observability provides pipeline throughput and failure metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics is
// safe to use everywhere and records nothing, so tests and library callers
// can opt out.
type Metrics struct {
	recordsTotal       *prometheus.CounterVec
	stageFailuresTotal *prometheus.CounterVec
	duplicatesTotal    prometheus.Counter
	degradedTotal      prometheus.Counter
	archiveBytesTotal  prometheus.Counter
	batchDuration      prometheus.Histogram
}

// NewMetrics registers the pipeline collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factline",
			Name:      "records_total",
			Help:      "Records processed, by terminal status.",
		}, []string{"status"}),
		stageFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "factline",
			Name:      "stage_failures_total",
			Help:      "Per-stage record failures.",
		}, []string{"stage"}),
		duplicatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "factline",
			Name:      "duplicates_total",
			Help:      "Within-batch duplicate events skipped.",
		}),
		degradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "factline",
			Name:      "enrichment_degraded_total",
			Help:      "Events processed with degraded enrichment.",
		}),
		archiveBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "factline",
			Name:      "archive_bytes_total",
			Help:      "Compressed bytes written to archive storage.",
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "factline",
			Name:      "batch_duration_seconds",
			Help:      "Wall time per batch call.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// ObserveRecord counts a record's terminal status.
func (m *Metrics) ObserveRecord(status string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(status).Inc()
}

// ObserveStageFailure counts a per-stage failure.
func (m *Metrics) ObserveStageFailure(stage string) {
	if m == nil {
		return
	}
	m.stageFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveDuplicate counts a within-batch duplicate skip.
func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}

// ObserveDegraded counts a degraded enrichment.
func (m *Metrics) ObserveDegraded() {
	if m == nil {
		return
	}
	m.degradedTotal.Inc()
}

// ObserveArchiveBytes adds compressed bytes written to the archive.
func (m *Metrics) ObserveArchiveBytes(n int) {
	if m == nil {
		return
	}
	m.archiveBytesTotal.Add(float64(n))
}

// ObserveBatch records one batch call's duration.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

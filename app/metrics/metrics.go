// Package metrics exports import pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobcomb"

// Publish outcomes.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeDrafted = "drafted"
	OutcomeInvalid = "invalid"
)

// Metrics holds the pipeline collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FeedsProcessed *prometheus.CounterVec
	FeedItems      *prometheus.CounterVec
	FeedDuration   *prometheus.HistogramVec
	Records        *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	RunActive      prometheus.Gauge
	CombinedBytes  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FeedsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeds_processed_total",
			Help:      "Feeds processed per run, by result",
		}, []string{"feed", "result"}),
		FeedItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_items_total",
			Help:      "Records streamed from each feed",
		}, []string{"feed"}),
		FeedDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_duration_seconds",
			Help:      "Time to fetch and stream one feed",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"feed"}),
		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Publish outcomes for combined records",
		}, []string{"outcome"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Import runs, by result",
		}, []string{"result"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full import run",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		RunActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while an import run is in progress",
		}),
		CombinedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "combined_bytes",
			Help:      "Size of the last combined record stream",
		}),
	}
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) FeedFinished(feedID string, items int, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.FeedsProcessed.WithLabelValues(feedID, result(err)).Inc()
	m.FeedItems.WithLabelValues(feedID).Add(float64(items))
	m.FeedDuration.WithLabelValues(feedID).Observe(d.Seconds())
}

func (m *Metrics) RecordOutcome(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Records.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunActive.Set(1)
}

func (m *Metrics) RunFinished(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.RunActive.Set(0)
	m.Runs.WithLabelValues(result(err)).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) Combined(bytes int64) {
	if m == nil {
		return
	}
	m.CombinedBytes.Set(float64(bytes))
}

func result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

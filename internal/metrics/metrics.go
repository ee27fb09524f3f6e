// Package metrics exposes dispatch pipeline counters for Prometheus
// scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the engine's metric instruments. Construct one per
// process; tests pass their own registry.
type Recorder struct {
	JobsEnqueued *prometheus.CounterVec
	JobsSent     prometheus.Counter
	JobsFailed   *prometheus.CounterVec
	JobsRetried  prometheus.Counter
	RateVerdicts *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec
	SendDuration prometheus.Histogram
}

// NewRecorder registers the engine metrics on the given registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		JobsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_enqueued_total",
				Help: "Total jobs accepted into the dispatch queue",
			},
			[]string{"kind", "priority"},
		),
		JobsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_sent_total",
				Help: "Total jobs delivered successfully",
			},
		),
		JobsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_failed_total",
				Help: "Total jobs that reached a terminal failure",
			},
			[]string{"reason"},
		),
		JobsRetried: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_retried_total",
				Help: "Total retry reschedules",
			},
		),
		RateVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_rate_verdicts_total",
				Help: "Rate limiter verdicts by scope and decision",
			},
			[]string{"scope", "decision"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_queue_depth",
				Help: "Jobs currently in each queue state",
			},
			[]string{"state"},
		),
		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_send_duration_seconds",
				Help:    "Wall time of provider send calls",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// ObserveSend records the duration of one provider call.
func (r *Recorder) ObserveSend(d time.Duration) {
	r.SendDuration.Observe(d.Seconds())
}

// Package metrics is the ambient Prometheus metrics stack for the grading
// orchestrator, modeled on the teacher's package-var + MustRegister style.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	JobsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grader_jobs_created_total",
		Help: "Total jobs created at submission intake.",
	})

	DispatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grader_dispatch_attempts_total",
		Help: "Cluster dispatch attempts by outcome.",
	}, []string{"outcome"})

	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grader_dispatch_duration_seconds",
		Help:    "Time to submit a workload to the cluster.",
		Buckets: prometheus.DefBuckets,
	})

	WatcherEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grader_watcher_events_total",
		Help: "Normalized pod lifecycle events published by the Watcher.",
	}, []string{"phase"})

	WatcherReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grader_watcher_reconnects_total",
		Help: "Watch stream reconnects.",
	})

	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grader_reconciliation_cycles_total",
		Help: "Reconciliation passes run by the Watcher fallback.",
	})

	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grader_reconciliation_duration_seconds",
		Help:    "Duration of a single reconciliation pass.",
		Buckets: prometheus.DefBuckets,
	})

	ConsumerEventsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grader_consumer_events_processed_total",
		Help: "Events processed by the Completion Consumer by result.",
	}, []string{"result"})

	UploadAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grader_upload_attempts_total",
		Help: "Result upload attempts by outcome.",
	}, []string{"outcome"})

	UploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grader_upload_duration_seconds",
		Help:    "Duration of a single result upload POST.",
		Buckets: prometheus.DefBuckets,
	})

	PendingUploadsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grader_pending_uploads",
		Help: "Completed jobs whose upload is currently pending or failed.",
	})
)

func init() {
	prometheus.MustRegister(
		JobsCreatedTotal,
		DispatchAttemptsTotal,
		DispatchDuration,
		WatcherEventsTotal,
		WatcherReconnectsTotal,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		ConsumerEventsProcessedTotal,
		UploadAttemptsTotal,
		UploadDuration,
		PendingUploadsGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration and reports it to a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

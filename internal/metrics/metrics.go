// Package metrics exposes harvest progress as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/timmy/steamharvest/internal/domain"
	"github.com/timmy/steamharvest/internal/scheduler"
)

var (
	BatchesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_batches_dispatched_total",
		Help: "The total number of dispatched batches",
	}, []string{"kind"})

	BatchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_batches_finished_total",
		Help: "The total number of finished batches",
	}, []string{"kind", "status"}) // status: ok, failed

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_batch_duration_seconds",
		Help:    "Duration of batch execution.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"kind"})

	JobProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_job_progress_percent",
		Help: "Completed batches of the current job in percent.",
	})

	ActiveBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_active_batches",
		Help: "Batches currently in flight.",
	})

	MaxParallel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_max_parallel",
		Help: "Concurrency limit chosen by the throttle.",
	})

	ThrottleErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_throttle_errors",
		Help: "Rolling error counter driving the throttle.",
	})

	JobRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_job_running",
		Help: "1 while a job is running.",
	})

	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the upstream rate limiter.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"upstream"})
)

// Observer implements scheduler.Observer on the package metrics.
type Observer struct{}

// BatchDispatched counts a dispatch.
func (Observer) BatchDispatched(kind domain.JobKind) {
	BatchesDispatched.WithLabelValues(string(kind)).Inc()
}

// BatchFinished counts an outcome and records its duration.
func (Observer) BatchFinished(kind domain.JobKind, failed bool, d time.Duration) {
	status := "ok"
	if failed {
		status = "failed"
	}
	BatchesFinished.WithLabelValues(string(kind), status).Inc()
	BatchDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// StateChanged mirrors the snapshot into gauges.
func (Observer) StateChanged(s scheduler.Snapshot) {
	JobProgress.Set(s.ProgressPercent)
	ActiveBatches.Set(float64(s.Active))
	MaxParallel.Set(float64(s.MaxParallel))
	ThrottleErrors.Set(float64(s.ThrottleErrors))
	if s.Running {
		JobRunning.Set(1)
	} else {
		JobRunning.Set(0)
	}
}

// WaitObserver returns a limiter wait callback labelled with upstream.
func WaitObserver(upstream string) func(time.Duration) {
	h := RateLimitWait.WithLabelValues(upstream)
	return func(d time.Duration) {
		h.Observe(d.Seconds())
	}
}

// Package metrics provides Prometheus metrics for keldris-scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keldris_scheduler"

// Run status label values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// PrometheusMetrics holds the scheduler's Prometheus collectors.
type PrometheusMetrics struct {
	RunCounter     *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	BytesProcessed *prometheus.CounterVec
	LockWait       *prometheus.HistogramVec
	RunningJobs    prometheus.Gauge
	ScheduledJobs  prometheus.Gauge
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		RunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of restic runs by job type and status.",
		}, []string{"type", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of restic runs by job type.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		}, []string{"type"}),
		BytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_processed_total",
			Help:      "Bytes processed by backups per repository.",
		}, []string{"repository"}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repository_lock_wait_seconds",
			Help:      "Time spent waiting for a repository lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 10, 8),
		}, []string{"repository"}),
		RunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Number of jobs currently running.",
		}),
		ScheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduled_jobs",
			Help:      "Number of jobs registered with the scheduler.",
		}),
	}

	collectors := []prometheus.Collector{
		m.RunCounter,
		m.RunDuration,
		m.BytesProcessed,
		m.LockWait,
		m.RunningJobs,
		m.ScheduledJobs,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordRun counts a finished run and observes its duration.
func (m *PrometheusMetrics) RecordRun(jobType string, success bool, duration time.Duration) {
	status := StatusSuccess
	if !success {
		status = StatusFailed
	}
	m.RunCounter.WithLabelValues(jobType, status).Inc()
	m.RunDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordBytesProcessed adds to the bytes processed for repo.
func (m *PrometheusMetrics) RecordBytesProcessed(repo string, bytes int64) {
	if bytes <= 0 {
		return
	}
	m.BytesProcessed.WithLabelValues(repo).Add(float64(bytes))
}

// RecordLockWait observes how long a run waited for its repository lock.
func (m *PrometheusMetrics) RecordLockWait(repo string, wait time.Duration) {
	m.LockWait.WithLabelValues(repo).Observe(wait.Seconds())
}

// SetRunningJobs sets the number of running jobs.
func (m *PrometheusMetrics) SetRunningJobs(n int) {
	m.RunningJobs.Set(float64(n))
}

// SetScheduledJobs sets the number of registered jobs.
func (m *PrometheusMetrics) SetScheduledJobs(n int) {
	m.ScheduledJobs.Set(float64(n))
}

package async

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for segment job processing.
type Metrics struct {
	JobsSubmittedTotal    prometheus.Counter
	AttemptsTotal         *prometheus.CounterVec
	AttemptDuration       prometheus.Histogram
	ItemOutcomesTotal     *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec
	RetriesScheduledTotal prometheus.Counter
	DiscardedResultsTotal prometheus.Counter
	NotificationsTotal    *prometheus.CounterVec
	JobsByStatus          *prometheus.GaugeVec
}

// NewMetrics creates and registers the metrics once per process, so repeated
// calls (one per Scheduler in tests) share the same collectors.
//
// Metrics:
//   - segpulse_jobs_submitted_total
//   - segpulse_attempts_total{result} - result is ok, partial or wholesale
//   - segpulse_attempt_duration_seconds
//   - segpulse_item_outcomes_total{outcome} - succeeded, skipped or failed
//   - segpulse_transitions_total{to}
//   - segpulse_retries_scheduled_total
//   - segpulse_discarded_results_total - attempts finished after cancellation
//   - segpulse_notifications_total{result} - delivered or failed
//   - segpulse_jobs{status}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			JobsSubmittedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "segpulse_jobs_submitted_total",
				Help: "Total number of segment jobs submitted",
			}),
			AttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "segpulse_attempts_total",
				Help: "Total number of executor attempts by result",
			}, []string{"result"}),
			AttemptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "segpulse_attempt_duration_seconds",
				Help:    "Duration of executor attempts in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
			}),
			ItemOutcomesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "segpulse_item_outcomes_total",
				Help: "Total number of work item outcomes applied",
			}, []string{"outcome"}),
			TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "segpulse_transitions_total",
				Help: "Total number of job status transitions by target status",
			}, []string{"to"}),
			RetriesScheduledTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "segpulse_retries_scheduled_total",
				Help: "Total number of retries scheduled",
			}),
			DiscardedResultsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "segpulse_discarded_results_total",
				Help: "Total number of attempt results discarded because the job was cancelled",
			}),
			NotificationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "segpulse_notifications_total",
				Help: "Total number of completion notifications by delivery result",
			}, []string{"result"}),
			JobsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "segpulse_jobs",
				Help: "Current number of jobs by status",
			}, []string{"status"}),
		}
	})

	return globalMetrics
}

// RecordAttempt records one executor call
func (m *Metrics) RecordAttempt(result string, seconds float64, tally attemptTally) {
	m.AttemptsTotal.WithLabelValues(result).Inc()
	m.AttemptDuration.Observe(seconds)
	m.ItemOutcomesTotal.WithLabelValues("succeeded").Add(float64(len(tally.Succeeded)))
	m.ItemOutcomesTotal.WithLabelValues("skipped").Add(float64(len(tally.Skipped)))
	m.ItemOutcomesTotal.WithLabelValues("failed").Add(float64(len(tally.Failed)))
}

// RecordTransition records a job entering status
func (m *Metrics) RecordTransition(status JobStatus) {
	m.TransitionsTotal.WithLabelValues(string(status)).Inc()
}

// SetStatusCounts replaces the per-status gauge values
func (m *Metrics) SetStatusCounts(counts map[JobStatus]int) {
	for status, n := range counts {
		m.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

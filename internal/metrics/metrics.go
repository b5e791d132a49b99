// Package metrics provides Prometheus instrumentation for the palette engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the palette engine.
type Metrics struct {
	JobsSubmittedTotal   *prometheus.CounterVec
	JobsCompletedTotal   prometheus.Counter
	JobsFailedTotal      *prometheus.CounterVec
	QueueLatency         prometheus.Histogram
	JobDuration          prometheus.Histogram
	QueueDepth           prometheus.Gauge
	WorkerBusy           *prometheus.GaugeVec
	RejectedTotal        *prometheus.CounterVec
	WebhookDeliveries    *prometheus.CounterVec
	WebhookFailuresTotal *prometheus.CounterVec
	WebhookLatency       prometheus.Histogram
	JobsPurgedTotal      prometheus.Counter
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of accepted job submissions, partitioned by input kind.",
		}, []string{"kind"}),

		JobsCompletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed successfully.",
		}),

		JobsFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that failed, partitioned by error code.",
		}, []string{"error_code"}),

		QueueLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobs_queue_latency_seconds",
			Help:    "Time from job creation to worker pickup.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),

		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Time from worker pickup to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of jobs waiting for a worker.",
		}),

		WorkerBusy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_busy",
			Help: "Whether the worker is currently processing a job (1=busy, 0=idle).",
		}, []string{"worker_id"}),

		RejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_rejected_total",
			Help: "Requests rejected before any state mutation, partitioned by error code.",
		}, []string{"error_code"}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts, partitioned by outcome.",
		}, []string{"outcome"}),

		WebhookFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_failures_total",
			Help: "Failed webhook deliveries, partitioned by reason.",
		}, []string{"reason"}),

		WebhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_latency_seconds",
			Help:    "Latency of webhook delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),

		JobsPurgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobs_purged_total",
			Help: "Expired jobs removed by garbage collection.",
		}),
	}
}

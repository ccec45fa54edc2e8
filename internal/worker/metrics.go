package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the outcomes of generation task processing. Registered on a
// caller-supplied registry so tests can use isolated registries.
type Metrics struct {
	TasksReceived  prometheus.Counter
	TasksSucceeded prometheus.Counter
	TasksFailed    *prometheus.CounterVec
	TaskDuration   prometheus.Histogram
	TokensUsed     *prometheus.CounterVec
}

// NewMetrics registers the worker metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		TasksReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chat_worker_tasks_received_total",
			Help: "Total number of generation tasks received.",
		}),
		TasksSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chat_worker_tasks_succeeded_total",
			Help: "Total number of generation tasks completed successfully.",
		}),
		TasksFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chat_worker_tasks_failed_total",
			Help: "Total number of generation tasks that failed.",
		}, []string{"reason"}),
		TaskDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_worker_task_duration_seconds",
			Help:    "Histogram of generation task processing durations.",
			Buckets: prometheus.DefBuckets,
		}),
		TokensUsed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "chat_worker_tokens_used_total",
			Help: "Total tokens consumed by generation calls.",
		}, []string{"model", "kind"}),
	}
}

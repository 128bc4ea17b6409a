// Package metrics provides Prometheus metrics for monitoring the event processor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_events_received_total",
			Help: "Total number of inbound events received",
		},
		[]string{"type"},
	)
	EventsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_events_duplicate_total",
			Help: "Total number of inbound events dropped as duplicates",
		},
		[]string{"type"},
	)
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_events_rejected_total",
			Help: "Total number of inbound events rejected by backpressure",
		},
		[]string{"type"},
	)
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookq_tasks_submitted_total",
			Help: "Total number of tasks accepted by the pool",
		},
	)
	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookq_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)
	TasksFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookq_tasks_failed_total",
			Help: "Total number of tasks that exhausted their retries",
		},
	)
	TasksRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookq_tasks_retried_total",
			Help: "Total number of task retry attempts",
		},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookq_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookq_queue_depth",
			Help: "Current depth of the task queue",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookq_workers_active",
			Help: "Number of currently running workers",
		},
	)
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"circuit", "to"},
	)
	CircuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_circuit_rejections_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"circuit"},
	)
	DedupChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_dedup_checks_total",
			Help: "Total number of dedup checks by result",
		},
		[]string{"result"},
	)
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookq_health_score",
			Help: "Latest overall health score (0-100)",
		},
	)
	ComponentHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookq_component_health_score",
			Help: "Latest per-component health score (0-100)",
		},
		[]string{"component"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_notifications_sent_total",
			Help: "Total number of notifications sent",
		},
		[]string{"channel", "status"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_notifications_dropped_total",
			Help: "Total number of notifications dropped",
		},
		[]string{"channel", "reason"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskCompleted(duration time.Duration) {
	TasksCompleted.Inc()
	TaskDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

func RecordTaskFailed(duration time.Duration) {
	TasksFailed.Inc()
	TaskDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

func RecordCircuitTransition(circuit, to string) {
	CircuitTransitions.WithLabelValues(circuit, to).Inc()
}

func RecordCircuitRejection(circuit string) {
	CircuitRejections.WithLabelValues(circuit).Inc()
}

func RecordDedupCheck(result string) {
	DedupChecks.WithLabelValues(result).Inc()
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func UpdateHealthScores(overall float64, components map[string]float64) {
	HealthScore.Set(overall)
	for name, score := range components {
		ComponentHealthScore.WithLabelValues(name).Set(score)
	}
}

func RecordNotification(channel, status string) {
	NotificationsSent.WithLabelValues(channel, status).Inc()
}

func RecordNotificationDropped(channel, reason string) {
	NotificationsDropped.WithLabelValues(channel, reason).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

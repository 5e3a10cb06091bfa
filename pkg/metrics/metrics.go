package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	// Execution metrics
	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_executions_started_total",
			Help: "Total number of workflow executions created",
		},
		[]string{"trigger_type"},
	)

	ExecutionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_executions_finished_total",
			Help: "Executions that reached a terminal or parked state",
		},
		[]string{"status"},
	)

	StepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_step_attempts_total",
			Help: "Total number of action step attempts",
		},
		[]string{"action_type", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_step_duration_seconds",
			Help:    "Action step duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action_type"},
	)

	// Scheduler metrics
	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	LeaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_lease_acquisitions_total",
			Help: "Scheduler lease acquisition attempts by result",
		},
		[]string{"result"},
	)

	TriggerMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_trigger_matches_total",
			Help: "Definitions matched per trigger type",
		},
		[]string{"trigger_type"},
	)

	// Cache metrics
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache lookups by namespace and result",
		},
		[]string{"namespace", "result"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published",
		},
		[]string{"event_type"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of events consumed",
		},
		[]string{"event_type", "consumer"},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(service, method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(service, method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration)
}

func RecordExecutionStarted(triggerType string) {
	ExecutionsStarted.WithLabelValues(triggerType).Inc()
}

func RecordExecutionFinished(status string) {
	ExecutionsFinished.WithLabelValues(status).Inc()
}

// RecordStep records one action attempt and its duration
func RecordStep(actionType, status string, duration float64) {
	StepAttempts.WithLabelValues(actionType, status).Inc()
	StepDuration.WithLabelValues(actionType).Observe(duration)
}

func RecordSchedulerTick(outcome string) {
	SchedulerTicks.WithLabelValues(outcome).Inc()
}

func RecordLeaseAcquisition(result string) {
	LeaseAcquisitions.WithLabelValues(result).Inc()
}

func RecordTriggerMatch(triggerType string) {
	TriggerMatches.WithLabelValues(triggerType).Inc()
}

func RecordEventPublished(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}

func RecordEventConsumed(eventType, consumer string) {
	EventsConsumed.WithLabelValues(eventType, consumer).Inc()
}

func RecordCacheRequest(namespace, result string) {
	CacheRequests.WithLabelValues(namespace, result).Inc()
}

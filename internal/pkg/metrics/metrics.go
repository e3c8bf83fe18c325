package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "entitlement"

var (
	// WebhookEventsTotal counts provider events by type and final handling status.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Provider webhook events by event type and outcome status.",
	}, []string{"event_type", "status"})

	// WebhookAttemptsTotal counts handler attempts, including retries.
	WebhookAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "attempts_total",
		Help:      "Webhook handler attempts by event type and result.",
	}, []string{"event_type", "result"})

	// WebhookDuration tracks handler latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "handler_duration_seconds",
		Help:      "Webhook handler duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// TaskRunsTotal counts scheduler task executions.
	TaskRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_runs_total",
		Help:      "Scheduled task runs by task name and result.",
	}, []string{"task", "result"})

	// TaskDuration tracks scheduler task latency.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Scheduled task duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"task"})

	// LifecycleProcessedTotal counts records changed by lifecycle operations.
	LifecycleProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "processed_total",
		Help:      "Records changed by lifecycle operations.",
	}, []string{"operation"})

	// GateDecisionsTotal counts entitlement gate outcomes.
	GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Entitlement gate decisions by classification kind and outcome.",
	}, []string{"kind", "outcome"})

	// ModeFallbacksTotal counts capability fallbacks.
	ModeFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "capability_fallbacks_total",
		Help:      "Requests that fell back from a capability the account lacks.",
	}, []string{"capability"})

	// UsageRecordedTotal counts metered units recorded.
	UsageRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "recorded_total",
		Help:      "Metered usage units recorded by usage type and result.",
	}, []string{"usage_type", "result"})
)

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus metrics for the nudge engine:
// send decisions, delivery outcomes, queue depth, learning and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Orchestrator ───────────────────────────────────────────────────────────

// NudgesSent tracks nudges the delivery primitive accepted, by kind.
var NudgesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Name:      "sent_total",
	Help:      "Total nudges delivered.",
}, []string{"kind"})

// NudgesSkipped tracks nudges not sent, by kind and reason
// (rate_limited, low_risk, delivery_failed, queued).
var NudgesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Name:      "skipped_total",
	Help:      "Total nudges not delivered immediately.",
}, []string{"kind", "reason"})

// ScheduleDelay tracks the delay chosen before a delivery.
var ScheduleDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "nudge",
	Name:      "schedule_delay_seconds",
	Help:      "Delay between the send decision and the scheduled delivery.",
	Buckets:   []float64{1, 60, 300, 900, 1800, 3600, 3 * 3600, 8 * 3600},
}, []string{"kind"})

// ─── Rate Limiter ───────────────────────────────────────────────────────────

// ConsecutiveFailures tracks the rate limiter's failure streak.
var ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nudge",
	Name:      "rate_limit_consecutive_failures",
	Help:      "Current consecutive failed send attempts.",
})

// ─── Delivery Queue ─────────────────────────────────────────────────────────

// QueueDepth tracks entries waiting in the delivery queue.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nudge",
	Name:      "queue_depth",
	Help:      "Notifications waiting for retry.",
})

// QueueDeliveries tracks queue delivery attempts by result
// (delivered, retry, exhausted, expired, evicted).
var QueueDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Name:      "queue_deliveries_total",
	Help:      "Delivery queue outcomes.",
}, []string{"result"})

// ─── Learning ───────────────────────────────────────────────────────────────

// FeedbackEvents tracks processed feedback by message type and validity.
var FeedbackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Name:      "feedback_events_total",
	Help:      "Feedback events seen by the learning engine.",
}, []string{"message_type", "status"})

// ModelAccuracy tracks prediction accuracy per user.
var ModelAccuracy = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "nudge",
	Name:      "model_accuracy",
	Help:      "Behavioral model prediction accuracy.",
}, []string{"user"})

// StoreErrors tracks persistent store failures by component.
var StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Name:      "store_errors_total",
	Help:      "Persistent store read/write failures.",
}, []string{"component", "op"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "nudge",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

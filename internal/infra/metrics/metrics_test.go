package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestOrchestratorMetrics(t *testing.T) {
	NudgesSent.WithLabelValues("motivational").Inc()
	NudgesSkipped.WithLabelValues("intervention", "rate_limited").Inc()
	ScheduleDelay.WithLabelValues("contextual").Observe(120)

	names := gatheredNames(t)
	for _, name := range []string{
		"nudge_sent_total",
		"nudge_skipped_total",
		"nudge_schedule_delay_seconds",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestQueueAndLearningMetrics(t *testing.T) {
	QueueDepth.Set(3)
	QueueDeliveries.WithLabelValues("retry").Inc()
	FeedbackEvents.WithLabelValues("urgent", "ok").Inc()
	ModelAccuracy.WithLabelValues("local").Set(0.5)
	StoreErrors.WithLabelValues("model", "write").Inc()
	ConsecutiveFailures.Set(2)
	HealthCheckStatus.WithLabelValues("sqlite").Set(1)

	names := gatheredNames(t)
	for _, name := range []string{
		"nudge_queue_depth",
		"nudge_queue_deliveries_total",
		"nudge_feedback_events_total",
		"nudge_model_accuracy",
		"nudge_store_errors_total",
		"nudge_rate_limit_consecutive_failures",
		"nudge_health_check_status",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

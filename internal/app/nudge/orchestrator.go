// Package nudge is the orchestrator: the entry points that decide whether a
// nudge goes out, build its content, pick its delivery time and hand it to
// the delivery primitive or the retry queue.
//
// Every entry point returns a bool. A rate-limit denial, a low-risk
// intervention request or a failed delivery is a normal "not sent now".
package nudge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/app/experiment"
	"github.com/tutu-network/nudge/internal/app/learning"
	"github.com/tutu-network/nudge/internal/app/message"
	"github.com/tutu-network/nudge/internal/app/model"
	"github.com/tutu-network/nudge/internal/app/pattern"
	"github.com/tutu-network/nudge/internal/app/ratelimit"
	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/queue"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Config configures the orchestrator.
type Config struct {
	UserID             string
	Location           *time.Location
	InterventionDelays map[domain.InterventionTiming]time.Duration
	MinLead            time.Duration // Scheduled instants are at least this far out
}

// DefaultConfig returns production orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		UserID:   "default",
		Location: time.Local,
		InterventionDelays: map[domain.InterventionTiming]time.Duration{
			domain.TimingImmediate: 0,
			domain.TimingGentle:    2 * time.Minute,
			domain.TimingDelayed:   10 * time.Minute,
		},
		MinLead: time.Second,
	}
}

// Deps are the collaborators the orchestrator sequences.
type Deps struct {
	Clock       timer.Clock
	Models      *model.Store
	Tracker     *pattern.Tracker
	Learning    *learning.Engine
	Experiments *experiment.Service
	Generator   *message.Generator
	Limiter     *ratelimit.Limiter
	Queue       *queue.Queue
	Deliverer   domain.Deliverer
}

// Orchestrator is constructed once at startup and passed to every caller.
type Orchestrator struct {
	cfg Config
	Deps
	log *zap.Logger
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Orchestrator{cfg: cfg, Deps: deps, log: log}
}

// outgoing is one nudge ready to send.
type outgoing struct {
	kind     domain.NudgeKind
	priority domain.Priority
	msg      message.Message
	delay    time.Duration
	msgType  domain.MessageType
	tone     string
}

// ─── Entry Points ───────────────────────────────────────────────────────────

// SendNudge sends caller-supplied copy, timed by the pattern tracker.
func (o *Orchestrator) SendNudge(ctx context.Context, title, body string, kind domain.NudgeKind, priority domain.Priority) bool {
	if !kind.Valid() {
		o.log.Warn("unknown nudge kind, using motivational", zap.String("kind", string(kind)))
		kind = domain.KindMotivational
	}
	if !o.allowed(kind) {
		return false
	}
	if title == "" {
		title, body = message.Generic.Title, message.Generic.Body
	}
	return o.send(ctx, outgoing{
		kind:     kind,
		priority: priority,
		msg:      message.Message{Title: title, Body: body},
		delay:    o.Tracker.GetOptimalDelay(),
	})
}

// GenerateMotivationalNudge sends a motivational nudge using the learned
// message type and the active tone variant.
func (o *Orchestrator) GenerateMotivationalNudge(ctx context.Context) bool {
	kind := domain.KindMotivational
	if !o.allowed(kind) {
		return false
	}

	p := o.Tracker.Pattern()
	tod := o.timeOfDay()
	pred := o.Learning.PredictOptimalMessageType(o.cfg.UserID, domain.MessageContext{
		TimeOfDay: tod,
		Priority:  domain.PriorityMedium,
		Streak:    p.CompletionStreak,
	})
	tone := o.Experiments.GetVariant(experiment.MessageTone)
	msg := o.Generator.Generate(message.Context{
		Kind:       kind,
		Streak:     p.CompletionStreak,
		Engagement: p.EngagementScore,
		TimeOfDay:  tod,
		Tone:       tone,
		Type:       pred.Prediction,
	})
	return o.send(ctx, outgoing{
		kind:     kind,
		priority: domain.PriorityMedium,
		msg:      msg,
		delay:    o.Tracker.GetOptimalDelay(),
		msgType:  pred.Prediction,
		tone:     tone,
	})
}

// SendContextualNudge sends a reminder about one task.
func (o *Orchestrator) SendContextualNudge(ctx context.Context, taskTitle string, priority domain.Priority) bool {
	kind := domain.KindContextual
	if !o.allowed(kind) {
		return false
	}

	p := o.Tracker.Pattern()
	tone := o.Experiments.GetVariant(experiment.MessageTone)
	msg := o.Generator.Generate(message.Context{
		Kind:       kind,
		Streak:     p.CompletionStreak,
		Engagement: p.EngagementScore,
		TimeOfDay:  o.timeOfDay(),
		Priority:   priority,
		Tone:       tone,
		TaskTitle:  taskTitle,
	})
	return o.send(ctx, outgoing{
		kind:     kind,
		priority: priority,
		msg:      msg,
		delay:    o.Tracker.GetOptimalDelay(),
		msgType:  domain.MsgReminder,
		tone:     tone,
	})
}

// SendBehavioralIntervention sends an intervention when procrastination risk
// is medium or high. Low risk returns false without touching the limiter.
func (o *Orchestrator) SendBehavioralIntervention(ctx context.Context) bool {
	insight := o.Tracker.AnalyzeBehavior()
	if insight.ProcrastinationRisk == domain.RiskLow {
		o.log.Debug("no intervention: low risk")
		metrics.NudgesSkipped.WithLabelValues(string(domain.KindIntervention), "low_risk").Inc()
		return false
	}

	kind := domain.KindIntervention
	if !o.allowed(kind) {
		return false
	}

	msg := o.Generator.Generate(message.Context{
		Kind:       kind,
		Streak:     insight.Streak,
		Engagement: domain.Clamp(insight.EngagementScore, 0, 1),
		Risk:       insight.ProcrastinationRisk,
	})
	return o.send(ctx, outgoing{
		kind:     kind,
		priority: domain.PriorityHigh,
		msg:      msg,
		delay:    o.cfg.InterventionDelays[insight.InterventionTiming],
		msgType:  domain.MsgGentle,
	})
}

// ─── Sequencing ─────────────────────────────────────────────────────────────

// allowed consults the rate limiter. A denial is recorded as a failed attempt.
func (o *Orchestrator) allowed(kind domain.NudgeKind) bool {
	if o.Limiter.CanSend(kind) {
		return true
	}
	o.Limiter.RecordAttempt(kind, false)
	metrics.NudgesSkipped.WithLabelValues(string(kind), "rate_limited").Inc()
	return false
}

// send delivers n, or queues it when offline or the delivery fails.
func (o *Orchestrator) send(ctx context.Context, n outgoing) bool {
	now := o.Clock.Now()
	if n.delay < o.cfg.MinLead {
		n.delay = o.cfg.MinLead
	}
	scheduledAt := now.Add(n.delay)
	metrics.ScheduleDelay.WithLabelValues(string(n.kind)).Observe(n.delay.Seconds())

	var ok bool
	var err error
	if o.Queue.Online() {
		ok, err = o.deliver(ctx, n.msg, scheduledAt)
	} else {
		err = domain.ErrOffline
	}

	o.Limiter.RecordAttempt(n.kind, ok)
	o.trackExperiments(n, ok)

	if ok {
		metrics.NudgesSent.WithLabelValues(string(n.kind)).Inc()
		o.log.Info("nudge sent",
			zap.String("kind", string(n.kind)),
			zap.String("title", n.msg.Title),
			zap.Time("scheduled_at", scheduledAt))
		return true
	}

	if errors.Is(err, domain.ErrOffline) {
		o.Queue.SetOnline(false)
	}
	id := o.Queue.Enqueue(n.msg.Title, n.msg.Body, n.kind, n.priority, scheduledAt, map[string]string{
		"message_type": string(n.msgType),
		"tone":         n.tone,
	})
	metrics.NudgesSkipped.WithLabelValues(string(n.kind), "queued").Inc()
	o.log.Warn("delivery failed, queued for retry",
		zap.String("kind", string(n.kind)),
		zap.String("queue_id", id),
		zap.Error(err))
	return false
}

// deliver calls the delivery primitive, converting a panic into a failure.
func (o *Orchestrator) deliver(ctx context.Context, msg message.Message, at time.Time) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("deliver panicked: %v", r)
		}
	}()
	ok, err = o.Deliverer.Deliver(ctx, msg.Title, msg.Body, at)
	if err == nil && !ok {
		err = domain.ErrDeliveryRejected
	}
	return ok, err
}

func (o *Orchestrator) trackExperiments(n outgoing, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	if n.tone != "" {
		o.Experiments.TrackMetric(experiment.MessageTone, "delivered", v)
	}
	o.Experiments.TrackMetric(experiment.NotificationFrequency, "delivered", v)
}

func (o *Orchestrator) timeOfDay() domain.TimeOfDay {
	return domain.TimeOfDayFor(o.Clock.Now().In(o.cfg.Location).Hour())
}

// ─── Signals ────────────────────────────────────────────────────────────────

// RecordActivity forwards a user touch to the tracker.
func (o *Orchestrator) RecordActivity() { o.Tracker.UpdateActivity() }

// RecordCompletion forwards a completed task to the tracker.
func (o *Orchestrator) RecordCompletion(priority domain.Priority) {
	o.Tracker.RecordCompletion(priority)
}

// RecordFeedback feeds an outcome to the learning engine, the tracker's
// engagement score and the tone experiment. Invalid input is logged and ignored.
func (o *Orchestrator) RecordFeedback(msgType string, outcome domain.Outcome, fctx *domain.FeedbackContext) bool {
	t, err := domain.ParseMessageType(msgType)
	if err != nil {
		o.log.Warn("feedback ignored", zap.Error(err))
		metrics.FeedbackEvents.WithLabelValues("unknown", "invalid").Inc()
		return false
	}
	if !o.Learning.ProcessFeedback(o.cfg.UserID, t, outcome, fctx) {
		return false
	}
	o.Tracker.RecordResponse(outcome)
	v := 0.0
	if outcome.Positive() {
		v = 1
	}
	o.Experiments.TrackMetric(experiment.MessageTone, "engagement", v)
	return true
}

// ─── Status ─────────────────────────────────────────────────────────────────

// Status is a read-only snapshot of the engine.
type Status struct {
	UserID     string                      `json:"user_id" yaml:"user_id"`
	Now        time.Time                   `json:"now" yaml:"now"`
	QuietTime  bool                        `json:"quiet_time" yaml:"quiet_time"`
	RateLimit  domain.RateLimitStatus      `json:"rate_limit" yaml:"rate_limit"`
	Queue      queue.Stats                 `json:"queue" yaml:"queue"`
	Behavior   domain.BehavioralInsight    `json:"behavior" yaml:"behavior"`
	Prediction domain.PredictiveInsight    `json:"prediction" yaml:"prediction"`
	Streak     int                         `json:"streak" yaml:"streak"`
	Windows    []domain.ProductivityWindow `json:"productivity_windows" yaml:"productivity_windows"`
	Thresholds domain.Thresholds           `json:"thresholds" yaml:"thresholds"`
	Model      domain.ModelMetrics         `json:"model" yaml:"model"`
	// Learned score per message type; unseen types show the default.
	Effectiveness map[domain.MessageType]float64 `json:"effectiveness" yaml:"effectiveness"`
	Experiments   []experiment.Result            `json:"experiments" yaml:"experiments"`
}

// Status returns the current engine state. It changes nothing.
func (o *Orchestrator) Status() Status {
	p := o.Tracker.Pattern()
	eff := make(map[domain.MessageType]float64, len(domain.MessageTypes()))
	for _, t := range domain.MessageTypes() {
		eff[t] = o.Learning.Effectiveness(o.cfg.UserID, t)
	}
	return Status{
		UserID:        o.cfg.UserID,
		Now:           o.Clock.Now(),
		QuietTime:     o.Tracker.IsQuietTime(),
		RateLimit:     o.Limiter.Status(),
		Queue:         o.Queue.Stats(),
		Behavior:      o.Tracker.AnalyzeBehavior(),
		Prediction:    o.Tracker.GetPredictiveInsight(),
		Streak:        p.CompletionStreak,
		Windows:       p.ProductivityWindows,
		Thresholds:    o.Learning.Thresholds(o.cfg.UserID),
		Model:         o.Learning.Metrics(o.cfg.UserID),
		Effectiveness: eff,
		Experiments:   o.Experiments.Results(),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Flush runs every pending debounced write now.
func (o *Orchestrator) Flush() {
	o.Models.Flush()
	o.Tracker.Flush()
}

// Reset clears the user's model, pattern and queued nudges.
func (o *Orchestrator) Reset() error {
	o.Models.Reset(o.cfg.UserID)
	o.Queue.Clear()
	if err := o.Tracker.Reset(); err != nil {
		return fmt.Errorf("reset pattern: %w", err)
	}
	return nil
}

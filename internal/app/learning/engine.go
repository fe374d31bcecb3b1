// Package learning adapts message effectiveness and procrastination
// thresholds to each user's feedback.
//
// Each feedback event becomes a signal in [-1,1]. Effectiveness for the
// message type moves by signal × learning rate, where the rate speeds up when
// the model is often wrong and slows down once it is stable.
package learning

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/app/model"
	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Config tunes the learning engine.
type Config struct {
	BaseRate float64 // Learning rate before adaptation
	MinRate  float64
	MaxRate  float64

	AccuracyWindow   int     // Recent interactions used for "recent accuracy"
	FastMinSamples   int     // Samples needed before learning faster
	FastBelow        float64 // Learn faster when recent accuracy is below this
	SlowMinSamples   int     // Samples needed before learning slower
	SlowAbove        float64 // Learn slower when recent accuracy is above this
	ThresholdEvery   int     // Re-tune thresholds every N interactions
	DefaultScore     float64 // Effectiveness assumed for an unseen type
	FullConfidenceAt int     // Samples for full prediction confidence
}

// DefaultConfig returns production learning defaults.
func DefaultConfig() Config {
	return Config{
		BaseRate:         0.1,
		MinRate:          0.02,
		MaxRate:          0.3,
		AccuracyWindow:   20,
		FastMinSamples:   10,
		FastBelow:        0.4,
		SlowMinSamples:   50,
		SlowAbove:        0.75,
		ThresholdEvery:   20,
		DefaultScore:     0.5,
		FullConfidenceAt: 20,
	}
}

// Signal weights per outcome flag.
const (
	weightCompleted  = 1.0
	weightEngaged    = 0.5
	weightIgnored    = -0.3
	weightFrustrated = -0.8
)

// contextModifiers scale a signal by (1 + Σ modifier) for each matching tag.
var contextModifiers = map[string]float64{
	"high_priority": 0.3,
	"low_priority":  -0.1,
	"morning":       0.1,
	"afternoon":     0,
	"evening":       -0.1,
	"night":         -0.2,
	"on_streak":     0.1,
}

// Threshold steps applied when re-tuning. Lenient moves thresholds up.
var thresholdStep = domain.Thresholds{
	ProcrastinationHigh:   0.5,
	ProcrastinationMedium: 0.25,
	ActivityTimeout:       2,
}

// Engine is the adaptive learning engine.
type Engine struct {
	store *model.Store
	clock timer.Clock
	log   *zap.Logger
	cfg   Config
}

// NewEngine creates a learning engine over the model store.
func NewEngine(store *model.Store, clock timer.Clock, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, clock: clock, log: log, cfg: cfg}
}

// ProcessFeedback learns from one outcome. Malformed input is logged and
// ignored; the return value reports whether the model was updated.
func (e *Engine) ProcessFeedback(userID string, msgType domain.MessageType, outcome domain.Outcome, fctx *domain.FeedbackContext) bool {
	if !msgType.Valid() {
		metrics.FeedbackEvents.WithLabelValues("invalid", "rejected").Inc()
		e.log.Warn("feedback rejected", zap.Error(fmt.Errorf("%w: %q", domain.ErrInvalidMessageType, msgType)))
		return false
	}
	if err := outcome.Validate(); err != nil {
		metrics.FeedbackEvents.WithLabelValues(string(msgType), "rejected").Inc()
		e.log.Warn("feedback rejected", zap.String("message_type", string(msgType)), zap.Error(err))
		return false
	}

	var ctx domain.FeedbackContext
	if fctx != nil {
		if err := fctx.Validate(); err != nil {
			e.log.Warn("feedback context ignored", zap.Error(err))
		} else {
			ctx = *fctx
		}
	}

	now := e.clock.Now()
	signal := Signal(outcome, ctx)

	updated := e.store.Update(userID, func(m *domain.BehavioralModel) {
		rate := e.learningRate(m)
		current, ok := m.MessageEffectiveness[msgType]
		if !ok {
			current = e.cfg.DefaultScore
		}
		m.MessageEffectiveness[msgType] = domain.Clamp(current+signal*rate, 0, 1)

		m.Interactions = append(m.Interactions, domain.Interaction{
			Timestamp:   now,
			MessageType: msgType,
			Outcome:     outcome,
			Signal:      signal,
			Context:     ctx,
		})
		m.Metrics.Record(outcome.Positive(), now)

		if e.cfg.ThresholdEvery > 0 && m.Metrics.TotalPredictions%e.cfg.ThresholdEvery == 0 {
			e.retuneThresholds(m)
		}
	})

	metrics.FeedbackEvents.WithLabelValues(string(msgType), "ok").Inc()
	metrics.ModelAccuracy.WithLabelValues(userID).Set(updated.Metrics.Accuracy)
	e.log.Debug("feedback processed",
		zap.String("user", userID),
		zap.String("message_type", string(msgType)),
		zap.Float64("signal", signal),
		zap.Float64("effectiveness", updated.MessageEffectiveness[msgType]))
	return true
}

// Signal maps an outcome and its context to [-1,1].
func Signal(o domain.Outcome, ctx domain.FeedbackContext) float64 {
	var s float64
	if o.Completed {
		s += weightCompleted
	}
	if o.Engaged {
		s += weightEngaged
	}
	if o.Ignored {
		s += weightIgnored
	}
	if o.Frustrated {
		s += weightFrustrated
	}

	mult := 1.0
	for _, tag := range ctx.Tags() {
		mult += contextModifiers[tag]
	}
	return domain.Clamp(s*mult, -1, 1)
}

// learningRate adapts the base rate to recent accuracy and sample size.
func (e *Engine) learningRate(m *domain.BehavioralModel) float64 {
	n := len(m.Interactions)
	acc := recentAccuracy(m.Interactions, e.cfg.AccuracyWindow)

	rate := e.cfg.BaseRate
	switch {
	case n >= e.cfg.FastMinSamples && acc < e.cfg.FastBelow:
		rate *= 1.5
	case n >= e.cfg.SlowMinSamples && acc > e.cfg.SlowAbove:
		rate *= 0.5
	}
	return domain.Clamp(rate, e.cfg.MinRate, e.cfg.MaxRate)
}

// recentAccuracy is the positive-outcome share of the last window interactions.
func recentAccuracy(in []domain.Interaction, window int) float64 {
	if len(in) == 0 {
		return 0
	}
	if window > 0 && len(in) > window {
		in = in[len(in)-window:]
	}
	pos := 0
	for _, x := range in {
		if x.Outcome.Positive() {
			pos++
		}
	}
	return float64(pos) / float64(len(in))
}

// retuneThresholds loosens thresholds when frustration outnumbers engagement
// and tightens them when engagement dominates 2:1.
func (e *Engine) retuneThresholds(m *domain.BehavioralModel) {
	recent := m.Interactions
	if len(recent) > e.cfg.ThresholdEvery {
		recent = recent[len(recent)-e.cfg.ThresholdEvery:]
	}

	frustrated, engaged := 0, 0
	for _, in := range recent {
		if in.Outcome.Frustrated {
			frustrated++
		}
		if in.Outcome.Positive() {
			engaged++
		}
	}

	var dir float64
	switch {
	case frustrated > engaged:
		dir = 1
	case engaged > 0 && engaged >= 2*frustrated:
		dir = -1
	default:
		return
	}

	before := m.Thresholds
	m.Thresholds = domain.Thresholds{
		ProcrastinationHigh:   before.ProcrastinationHigh + dir*thresholdStep.ProcrastinationHigh,
		ProcrastinationMedium: before.ProcrastinationMedium + dir*thresholdStep.ProcrastinationMedium,
		ActivityTimeout:       before.ActivityTimeout + dir*thresholdStep.ActivityTimeout,
	}.Clamp()

	e.log.Info("thresholds retuned",
		zap.String("user", m.UserID),
		zap.Int("frustrated", frustrated),
		zap.Int("engaged", engaged),
		zap.Float64("high_days", m.Thresholds.ProcrastinationHigh),
		zap.Float64("medium_days", m.Thresholds.ProcrastinationMedium),
		zap.Float64("timeout_hours", m.Thresholds.ActivityTimeout))
}

// PredictOptimalMessageType picks the message type with the best boosted
// effectiveness for ctx.
func (e *Engine) PredictOptimalMessageType(userID string, ctx domain.MessageContext) domain.MessagePrediction {
	m, ok := e.store.Get(userID)
	if !ok {
		m = domain.NewBehavioralModel(userID, e.clock.Now())
	}

	best := domain.MessageType("")
	bestScore := -1.0
	var reasons []string
	for _, t := range domain.MessageTypes() {
		score, seen := m.MessageEffectiveness[t]
		if !seen {
			score = e.cfg.DefaultScore
		}
		var why []string
		if ctx.TimeOfDay == domain.Morning && t == domain.MsgMotivational {
			score *= 1.2
			why = append(why, "morning favors motivational")
		}
		if ctx.Priority == domain.PriorityHigh && t == domain.MsgUrgent {
			score *= 1.3
			why = append(why, "high priority favors urgent")
		}
		if ctx.Streak > 3 && t == domain.MsgCelebration {
			score *= 1.25
			why = append(why, fmt.Sprintf("streak of %d favors celebration", ctx.Streak))
		}
		if score > bestScore {
			best, bestScore, reasons = t, score, why
		}
	}

	samples := m.SampleCount(best)
	full := float64(e.cfg.FullConfidenceAt)
	if full <= 0 {
		full = 20
	}
	confidence := domain.Clamp(math.Min(0.95, float64(samples)/full)*bestScore, 0, 0.95)

	reasons = append([]string{fmt.Sprintf("%s effectiveness %.2f over %d samples", best, bestScore, samples)}, reasons...)
	return domain.MessagePrediction{Prediction: best, Confidence: confidence, Reasoning: reasons}
}

// Thresholds returns the user's personalized thresholds.
func (e *Engine) Thresholds(userID string) domain.Thresholds {
	if m, ok := e.store.Get(userID); ok {
		return m.Thresholds
	}
	return domain.DefaultThresholds()
}

// Metrics returns the user's prediction bookkeeping.
func (e *Engine) Metrics(userID string) domain.ModelMetrics {
	if m, ok := e.store.Get(userID); ok {
		return m.Metrics
	}
	return domain.ModelMetrics{}
}

// Effectiveness returns the learned score for one message type.
func (e *Engine) Effectiveness(userID string, t domain.MessageType) float64 {
	if m, ok := e.store.Get(userID); ok {
		if v, seen := m.MessageEffectiveness[t]; seen {
			return v
		}
	}
	return e.cfg.DefaultScore
}

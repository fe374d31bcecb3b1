// Package domain holds the nudge engine's pure types.
// No infrastructure dependency: storage, clocks and delivery are reached
// through the interfaces in interfaces.go.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Message Types ──────────────────────────────────────────────────────────

// MessageType is the category of copy a nudge uses. The learning engine keeps
// one effectiveness score per type.
type MessageType string

const (
	MsgMotivational MessageType = "motivational"
	MsgUrgent       MessageType = "urgent"
	MsgCelebration  MessageType = "celebration"
	MsgGentle       MessageType = "gentle"
	MsgReminder     MessageType = "reminder"
)

// MessageTypes returns every message type in a fixed order.
// Prediction ties resolve to the earlier entry.
func MessageTypes() []MessageType {
	return []MessageType{MsgMotivational, MsgUrgent, MsgCelebration, MsgGentle, MsgReminder}
}

// Valid reports whether m is a known message type.
func (m MessageType) Valid() bool {
	for _, t := range MessageTypes() {
		if m == t {
			return true
		}
	}
	return false
}

// ParseMessageType normalizes s into a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	m := MessageType(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, s)
	}
	return m, nil
}

// ─── Nudge Kinds ────────────────────────────────────────────────────────────

// NudgeKind distinguishes the orchestrator entry point that produced a nudge.
type NudgeKind string

const (
	KindMotivational NudgeKind = "motivational"
	KindIntervention NudgeKind = "intervention"
	KindContextual   NudgeKind = "contextual"
)

// Valid reports whether k is a known kind.
func (k NudgeKind) Valid() bool {
	switch k {
	case KindMotivational, KindIntervention, KindContextual:
		return true
	}
	return false
}

// ParseNudgeKind normalizes s into a NudgeKind.
func ParseNudgeKind(s string) (NudgeKind, error) {
	k := NudgeKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return k, nil
}

// ─── Priority ───────────────────────────────────────────────────────────────

// Priority is a task or notification priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities: high=2, medium=1, low=0, unknown=-1.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// ParsePriority normalizes s into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}

// ─── Time of Day ────────────────────────────────────────────────────────────

// TimeOfDay buckets an hour of the day.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"   // 05:00–11:59
	Afternoon TimeOfDay = "afternoon" // 12:00–16:59
	Evening   TimeOfDay = "evening"   // 17:00–21:59
	Night     TimeOfDay = "night"     // 22:00–04:59
)

// TimeOfDayFor returns the bucket for hour h (0–23).
func TimeOfDayFor(h int) TimeOfDay {
	switch {
	case h >= 5 && h < 12:
		return Morning
	case h >= 12 && h < 17:
		return Afternoon
	case h >= 17 && h < 22:
		return Evening
	default:
		return Night
	}
}

// Valid reports whether t is a known bucket.
func (t TimeOfDay) Valid() bool {
	switch t {
	case Morning, Afternoon, Evening, Night:
		return true
	}
	return false
}

// ─── Feedback ───────────────────────────────────────────────────────────────

// Outcome is what the user did after a nudge.
type Outcome struct {
	Completed  bool `json:"completed"`
	Engaged    bool `json:"engaged"`
	Ignored    bool `json:"ignored"`
	Frustrated bool `json:"frustrated"`
}

// Validate rejects outcomes that carry no signal or contradict themselves.
func (o Outcome) Validate() error {
	if !o.Completed && !o.Engaged && !o.Ignored && !o.Frustrated {
		return fmt.Errorf("%w: no outcome flag set", ErrInvalidOutcome)
	}
	if o.Ignored && (o.Completed || o.Engaged) {
		return fmt.Errorf("%w: ignored together with completed/engaged", ErrInvalidOutcome)
	}
	return nil
}

// Positive reports whether the outcome counts as a correct prediction.
func (o Outcome) Positive() bool { return o.Completed || o.Engaged }

// FeedbackContext describes the circumstances of a feedback event.
// Zero values mean "unknown" and contribute no modifier.
type FeedbackContext struct {
	Priority  Priority  `json:"priority,omitempty"`
	TimeOfDay TimeOfDay `json:"time_of_day,omitempty"`
	Streak    int       `json:"streak,omitempty"`
}

// Validate checks the optional fields that are set.
func (c FeedbackContext) Validate() error {
	if c.Priority != "" && !c.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, c.Priority)
	}
	if c.TimeOfDay != "" && !c.TimeOfDay.Valid() {
		return fmt.Errorf("%w: time of day %q", ErrInvalidContext, c.TimeOfDay)
	}
	if c.Streak < 0 {
		return fmt.Errorf("%w: negative streak", ErrInvalidContext)
	}
	return nil
}

// Tags returns the context-modifier keys that apply to c.
func (c FeedbackContext) Tags() []string {
	var tags []string
	switch c.Priority {
	case PriorityHigh:
		tags = append(tags, "high_priority")
	case PriorityLow:
		tags = append(tags, "low_priority")
	}
	if c.TimeOfDay != "" {
		tags = append(tags, string(c.TimeOfDay))
	}
	if c.Streak > 3 {
		tags = append(tags, "on_streak")
	}
	return tags
}

// ─── Behavioral Model ───────────────────────────────────────────────────────

// Interaction is one recorded feedback event.
type Interaction struct {
	Timestamp   time.Time       `json:"timestamp"`
	MessageType MessageType     `json:"message_type"`
	Outcome     Outcome         `json:"outcome"`
	Signal      float64         `json:"signal"`
	Context     FeedbackContext `json:"context"`
}

// Thresholds are the personalized procrastination thresholds.
type Thresholds struct {
	ProcrastinationHigh   float64 `json:"procrastination_high_days"`
	ProcrastinationMedium float64 `json:"procrastination_medium_days"`
	ActivityTimeout       float64 `json:"activity_timeout_hours"`
}

// Threshold bounds. Medium never overlaps high.
const (
	MinProcrastinationHigh   = 3.0
	MaxProcrastinationHigh   = 10.0
	MinProcrastinationMedium = 1.0
	MaxProcrastinationMedium = 3.0
	MinActivityTimeout       = 12.0
	MaxActivityTimeout       = 72.0
)

// DefaultThresholds returns the thresholds a new model starts with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ProcrastinationHigh:   5,
		ProcrastinationMedium: 2,
		ActivityTimeout:       24,
	}
}

// Clamp forces every threshold into its bounds.
func (t Thresholds) Clamp() Thresholds {
	t.ProcrastinationHigh = Clamp(t.ProcrastinationHigh, MinProcrastinationHigh, MaxProcrastinationHigh)
	t.ProcrastinationMedium = Clamp(t.ProcrastinationMedium, MinProcrastinationMedium, MaxProcrastinationMedium)
	t.ActivityTimeout = Clamp(t.ActivityTimeout, MinActivityTimeout, MaxActivityTimeout)
	return t
}

// ModelMetrics is prediction bookkeeping.
// Invariant: Accuracy == CorrectPredictions/TotalPredictions, 0 when empty.
type ModelMetrics struct {
	TotalPredictions   int       `json:"total_predictions"`
	CorrectPredictions int       `json:"correct_predictions"`
	Accuracy           float64   `json:"accuracy"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Record counts one prediction and refreshes Accuracy.
func (m *ModelMetrics) Record(correct bool, at time.Time) {
	m.TotalPredictions++
	if correct {
		m.CorrectPredictions++
	}
	m.LastUpdated = at
	m.Normalize()
}

// Normalize repairs the accuracy invariant.
func (m *ModelMetrics) Normalize() {
	if m.TotalPredictions < 0 {
		m.TotalPredictions = 0
	}
	if m.CorrectPredictions < 0 {
		m.CorrectPredictions = 0
	}
	if m.CorrectPredictions > m.TotalPredictions {
		m.CorrectPredictions = m.TotalPredictions
	}
	if m.TotalPredictions == 0 {
		m.Accuracy = 0
		return
	}
	m.Accuracy = float64(m.CorrectPredictions) / float64(m.TotalPredictions)
}

// BehavioralModel is the learned state for one user.
type BehavioralModel struct {
	UserID               string                  `json:"user_id"`
	MessageEffectiveness map[MessageType]float64 `json:"message_effectiveness"`
	Interactions         []Interaction           `json:"interactions"`
	Thresholds           Thresholds              `json:"personalized_thresholds"`
	Metrics              ModelMetrics            `json:"model_metrics"`
	CreatedAt            time.Time               `json:"created_at"`
}

// NewBehavioralModel returns a model with default thresholds.
func NewBehavioralModel(userID string, now time.Time) *BehavioralModel {
	return &BehavioralModel{
		UserID:               userID,
		MessageEffectiveness: make(map[MessageType]float64),
		Thresholds:           DefaultThresholds(),
		Metrics:              ModelMetrics{LastUpdated: now},
		CreatedAt:            now,
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m *BehavioralModel) Clone() *BehavioralModel {
	c := *m
	c.MessageEffectiveness = make(map[MessageType]float64, len(m.MessageEffectiveness))
	for k, v := range m.MessageEffectiveness {
		c.MessageEffectiveness[k] = v
	}
	c.Interactions = append([]Interaction(nil), m.Interactions...)
	return &c
}

// SampleCount returns how many interactions used message type t.
func (m *BehavioralModel) SampleCount(t MessageType) int {
	n := 0
	for _, in := range m.Interactions {
		if in.MessageType == t {
			n++
		}
	}
	return n
}

// ─── Completion Pattern ─────────────────────────────────────────────────────

// HourRange is a [Start, End) range of hours that may wrap midnight (22→7).
type HourRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour h falls in the range.
func (r HourRange) Contains(h int) bool {
	if r.Start == r.End {
		return false
	}
	if r.Start > r.End {
		return h >= r.Start || h < r.End
	}
	return h >= r.Start && h < r.End
}

// CompletionSample is one completed task.
type CompletionSample struct {
	Time     time.Time `json:"time"`
	Hour     int       `json:"hour"`
	Priority Priority  `json:"priority"`
}

// ProductivityWindow is an hour empirically associated with completions.
type ProductivityWindow struct {
	Hour  int     `json:"hour"`
	Count int     `json:"count"`
	Score float64 `json:"score"` // Count / samples
}

// CompletionPattern is the tracker's in-memory view of recent behaviour.
type CompletionPattern struct {
	TrackingSince       time.Time            `json:"tracking_since"`
	ActiveHours         HourRange            `json:"active_hours"`
	QuietHours          HourRange            `json:"quiet_hours"`
	LastActivity        time.Time            `json:"last_activity"`
	LastCompletion      time.Time            `json:"last_completion"`
	EngagementScore     float64              `json:"engagement_score"`
	CompletionStreak    int                  `json:"completion_streak"`
	CompletionHistory   []CompletionSample   `json:"completion_history"`
	ProductivityWindows []ProductivityWindow `json:"productivity_windows"`
}

// ─── Insights ───────────────────────────────────────────────────────────────

// Risk is a procrastination risk level.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// InterventionTiming says how soon an intervention should land.
type InterventionTiming string

const (
	TimingImmediate InterventionTiming = "immediate"
	TimingGentle    InterventionTiming = "gentle"
	TimingDelayed   InterventionTiming = "delayed"
)

// BehavioralInsight is the result of analyzing the current pattern.
type BehavioralInsight struct {
	ProcrastinationRisk   Risk               `json:"procrastination_risk"`
	InterventionTiming    InterventionTiming `json:"intervention_timing"`
	CompletionProbability float64            `json:"completion_probability"`
	EngagementScore       float64            `json:"engagement_score"`
	DaysSinceCompletion   float64            `json:"days_since_completion"`
	HoursSinceActivity    float64            `json:"hours_since_activity"`
	Streak                int                `json:"streak"`
}

// PredictiveInsight is the predicted best hour to nudge.
type PredictiveInsight struct {
	OptimalHour int     `json:"optimal_hour"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// MessageContext is the input to message-type prediction.
type MessageContext struct {
	TimeOfDay TimeOfDay `json:"time_of_day"`
	Priority  Priority  `json:"priority"`
	Streak    int       `json:"streak"`
}

// MessagePrediction is the learning engine's best message type.
type MessagePrediction struct {
	Prediction MessageType `json:"prediction"`
	Confidence float64     `json:"confidence"`
	Reasoning  []string    `json:"reasoning"`
}

// ─── Delivery Queue ─────────────────────────────────────────────────────────

// QueuedNotification is a nudge waiting for (re)delivery.
type QueuedNotification struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Priority    Priority          `json:"priority"`
	Context     map[string]string `json:"context,omitempty"`
	Attempts    int               `json:"attempts"`
	NextRetryAt time.Time         `json:"next_retry_at"`
	ScheduledAt time.Time         `json:"scheduled_at"` // Instant the nudge was timed for
	CreatedAt   time.Time         `json:"created_at"`
	Kind        NudgeKind         `json:"type"`
}

// ─── Rate Limiting ──────────────────────────────────────────────────────────

// Attempt is one logged send attempt.
type Attempt struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      NudgeKind `json:"type"`
	Success   bool      `json:"success"`
}

// RateLimitState is the persisted limiter state.
type RateLimitState struct {
	Attempts             []Attempt `json:"attempts"`
	LastNotificationTime time.Time `json:"last_notification_time"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
}

// RateLimitStatus is a read-only view for observability.
type RateLimitStatus struct {
	WindowUsed          int           `json:"window_used"`
	WindowMax           int           `json:"window_max"`
	Window              time.Duration `json:"window"`
	NextAllowedAt       time.Time     `json:"next_allowed_at"`
	RequiredCooldown    time.Duration `json:"required_cooldown"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// ─── Experiments ────────────────────────────────────────────────────────────

// MetricSum accumulates one metric for one variant.
type MetricSum struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// Mean returns Sum/Count, 0 when empty.
func (m MetricSum) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// ExperimentAssignment is the sticky variant for one experiment.
type ExperimentAssignment struct {
	ExperimentID string                          `json:"experiment_id"`
	Variant      string                          `json:"variant"`
	AssignedAt   time.Time                       `json:"assigned_at"`
	Metrics      map[string]map[string]MetricSum `json:"per_variant_metric_sums"` // variant → metric → sum
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

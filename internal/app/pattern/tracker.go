// Package pattern tracks when a user is active and when they finish tasks,
// and turns that history into delays, predictions and behavioural insights.
package pattern

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/app/experiment"
	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// ModelSource supplies the personalized thresholds and prediction accuracy
// the learning engine maintains.
type ModelSource interface {
	Thresholds(userID string) domain.Thresholds
	Metrics(userID string) domain.ModelMetrics
}

// VariantSource resolves experiment variants.
type VariantSource interface {
	GetVariant(experimentID string) string
}

// Config configures a Tracker.
type Config struct {
	QuietHours  domain.HourRange
	ActiveHours domain.HourRange
	Location    *time.Location

	ActivityStep       float64
	CompletionStep     float64
	IgnoredStep        float64
	FrustratedStep     float64
	EngagementBaseline float64
	EngagementHalfLife time.Duration

	StreakGap        time.Duration // Max gap between completions that keeps a streak
	HistoryCap       int
	WindowDebounce   time.Duration
	MinWindowSamples int
	TopWindows       int

	QuietDelay       time.Duration
	BaseDelays       map[string]time.Duration // frequency variant → base delay
	DefaultBaseDelay time.Duration
	RecentActivity   time.Duration
	AwayAfter        time.Duration
	BusyMultiplier   float64
	MiddleMultiplier float64

	PredictiveMinConfidence float64
	PredictiveMaxHours      int
	PredictiveRecent        int // Histogram covers this many most recent samples
}

// DefaultConfig returns production tracker defaults.
func DefaultConfig() Config {
	return Config{
		QuietHours:         domain.HourRange{Start: 22, End: 7},
		ActiveHours:        domain.HourRange{Start: 8, End: 22},
		Location:           time.Local,
		ActivityStep:       0.05,
		CompletionStep:     0.1,
		IgnoredStep:        0.1,
		FrustratedStep:     0.2,
		EngagementBaseline: 0.5,
		EngagementHalfLife: 24 * time.Hour,
		StreakGap:          36 * time.Hour,
		HistoryCap:         50,
		WindowDebounce:     2 * time.Second,
		MinWindowSamples:   5,
		TopWindows:         3,
		QuietDelay:         8 * time.Hour,
		BaseDelays: map[string]time.Duration{
			experiment.FrequencyHigh:     15 * time.Minute,
			experiment.FrequencyAdaptive: 30 * time.Minute,
			experiment.FrequencyLow:      60 * time.Minute,
		},
		DefaultBaseDelay:        30 * time.Minute,
		RecentActivity:          5 * time.Minute,
		AwayAfter:               2 * time.Hour,
		BusyMultiplier:          3,
		MiddleMultiplier:        1.5,
		PredictiveMinConfidence: 0.7,
		PredictiveMaxHours:      4,
		PredictiveRecent:        10,
	}
}

const windowsKey = "windows"

// Tracker holds one user's completion pattern.
type Tracker struct {
	mu       sync.Mutex
	userID   string
	cfg      Config
	clock    timer.Clock
	log      *zap.Logger
	kv       domain.KVStore
	model    ModelSource
	variants VariantSource
	debounce *timer.Debouncer

	recomputing atomic.Bool
	p           domain.CompletionPattern
	lastDecay   time.Time
	dirty       bool // changed since the last snapshot write
}

// NewTracker creates a tracker for userID and restores its snapshot, if any.
// model and variants may be nil; defaults are used in their place.
func NewTracker(userID string, kv domain.KVStore, model ModelSource, variants VariantSource, clock timer.Clock, cfg Config, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	now := clock.Now()
	t := &Tracker{
		userID:   userID,
		cfg:      cfg,
		clock:    clock,
		log:      log.With(zap.String("user", userID)),
		kv:       kv,
		model:    model,
		variants: variants,
		debounce: timer.NewDebouncer(clock, cfg.WindowDebounce),
		p: domain.CompletionPattern{
			TrackingSince:   now,
			ActiveHours:     cfg.ActiveHours,
			QuietHours:      cfg.QuietHours,
			EngagementScore: cfg.EngagementBaseline,
		},
		lastDecay: now,
	}
	t.load()
	return t
}

// ─── Recording ──────────────────────────────────────────────────────────────

// UpdateActivity records user activity now.
func (t *Tracker) UpdateActivity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.decayLocked(now)
	t.p.LastActivity = now
	t.p.EngagementScore = math.Min(1, t.p.EngagementScore+t.cfg.ActivityStep)
	t.dirty = true
}

// RecordCompletion records a completed task. Productivity windows are
// recomputed once completions go quiet.
func (t *Tracker) RecordCompletion(priority domain.Priority) {
	if !priority.Valid() {
		t.log.Warn("unknown completion priority, using medium", zap.String("priority", string(priority)))
		priority = domain.PriorityMedium
	}

	t.mu.Lock()
	now := t.clock.Now()
	t.decayLocked(now)

	t.p.CompletionHistory = append(t.p.CompletionHistory, domain.CompletionSample{
		Time:     now,
		Hour:     now.In(t.cfg.Location).Hour(),
		Priority: priority,
	})
	if n := len(t.p.CompletionHistory); t.cfg.HistoryCap > 0 && n > t.cfg.HistoryCap {
		t.p.CompletionHistory = append([]domain.CompletionSample(nil), t.p.CompletionHistory[n-t.cfg.HistoryCap:]...)
	}

	if t.p.LastCompletion.IsZero() || now.Sub(t.p.LastCompletion) > t.cfg.StreakGap {
		t.p.CompletionStreak = 1
	} else {
		t.p.CompletionStreak++
	}
	t.p.LastCompletion = now
	t.p.LastActivity = now
	t.p.EngagementScore = math.Min(1, t.p.EngagementScore+t.cfg.CompletionStep)
	t.dirty = true
	t.mu.Unlock()

	t.debounce.Schedule(windowsKey, t.recomputeWindows)
}

// RecordResponse adjusts engagement after the user reacted to a nudge.
// Ignored and frustrated outcomes lower it, positive ones raise it.
func (t *Tracker) RecordResponse(o domain.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decayLocked(t.clock.Now())

	delta := 0.0
	if o.Positive() {
		delta += t.cfg.ActivityStep
	}
	if o.Ignored {
		delta -= t.cfg.IgnoredStep
	}
	if o.Frustrated {
		delta -= t.cfg.FrustratedStep
	}
	t.p.EngagementScore = domain.Clamp(t.p.EngagementScore+delta, 0, 1)
	t.dirty = true
}

// Flush runs any pending window recompute now and writes the snapshot if
// anything changed since the last write. An idle tracker writes nothing.
func (t *Tracker) Flush() {
	if t.debounce.Flush(windowsKey) {
		return
	}
	t.mu.Lock()
	dirty := t.dirty
	t.mu.Unlock()
	if dirty {
		t.persist()
	}
}

// Reset discards the in-memory pattern and its snapshot.
func (t *Tracker) Reset() error {
	t.debounce.Cancel(windowsKey)
	t.mu.Lock()
	now := t.clock.Now()
	t.p = domain.CompletionPattern{
		TrackingSince:   now,
		ActiveHours:     t.cfg.ActiveHours,
		QuietHours:      t.cfg.QuietHours,
		EngagementScore: t.cfg.EngagementBaseline,
	}
	t.lastDecay = now
	t.dirty = false
	t.mu.Unlock()
	return t.kv.Delete(domain.KeyPatternPrefix + t.userID)
}

// recomputeWindows ranks completion hours. A recompute already running is
// not re-entered; the call is put back on the debouncer instead.
func (t *Tracker) recomputeWindows() {
	if !t.recomputing.CompareAndSwap(false, true) {
		t.log.Debug("window recompute already running, rescheduled")
		t.debounce.Schedule(windowsKey, t.recomputeWindows)
		return
	}
	defer t.recomputing.Store(false)

	t.mu.Lock()
	hist := t.p.CompletionHistory
	if len(hist) >= t.cfg.MinWindowSamples {
		var counts [24]int
		for _, s := range hist {
			counts[s.Hour]++
		}
		ranked := rankHours(counts)
		if len(ranked) > t.cfg.TopWindows {
			ranked = ranked[:t.cfg.TopWindows]
		}
		windows := make([]domain.ProductivityWindow, 0, len(ranked))
		for _, h := range ranked {
			windows = append(windows, domain.ProductivityWindow{
				Hour:  h,
				Count: counts[h],
				Score: float64(counts[h]) / float64(len(hist)),
			})
		}
		t.p.ProductivityWindows = windows
	}
	t.mu.Unlock()

	t.persist()
}

// decayLocked pulls engagement toward the baseline with the configured half-life.
func (t *Tracker) decayLocked(now time.Time) {
	elapsed := now.Sub(t.lastDecay)
	t.lastDecay = now
	if elapsed <= 0 || t.cfg.EngagementHalfLife <= 0 {
		return
	}
	factor := math.Pow(0.5, float64(elapsed)/float64(t.cfg.EngagementHalfLife))
	base := t.cfg.EngagementBaseline
	t.p.EngagementScore = domain.Clamp(base+(t.p.EngagementScore-base)*factor, 0, 1)
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Pattern returns a copy of the current pattern.
func (t *Tracker) Pattern() domain.CompletionPattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.decayLocked(t.clock.Now())
	return t.snapshotLocked()
}

// IsQuietTime reports whether the current local hour is inside quiet hours.
func (t *Tracker) IsQuietTime() bool {
	return t.cfg.QuietHours.Contains(t.clock.Now().In(t.cfg.Location).Hour())
}

// GetOptimalDelay returns how long to wait before the next nudge.
func (t *Tracker) GetOptimalDelay() time.Duration {
	if t.IsQuietTime() {
		return t.cfg.QuietDelay
	}

	now := t.clock.Now()
	if in := t.GetPredictiveInsight(); in.Confidence > t.cfg.PredictiveMinConfidence {
		away := (in.OptimalHour - now.In(t.cfg.Location).Hour() + 24) % 24
		if away <= t.cfg.PredictiveMaxHours {
			return time.Duration(away) * time.Hour
		}
	}

	base := t.baseDelay()
	t.mu.Lock()
	last := t.p.LastActivity
	t.mu.Unlock()

	since := now.Sub(last)
	switch {
	case !last.IsZero() && since < t.cfg.RecentActivity:
		return time.Duration(float64(base) * t.cfg.BusyMultiplier)
	case last.IsZero() || since > t.cfg.AwayAfter:
		return base
	default:
		return time.Duration(float64(base) * t.cfg.MiddleMultiplier)
	}
}

func (t *Tracker) baseDelay() time.Duration {
	if t.variants != nil {
		if d, ok := t.cfg.BaseDelays[t.variants.GetVariant(experiment.NotificationFrequency)]; ok {
			return d
		}
	}
	return t.cfg.DefaultBaseDelay
}

// GetPredictiveInsight predicts the hour the user is most likely to act.
func (t *Tracker) GetPredictiveInsight() domain.PredictiveInsight {
	t.mu.Lock()
	hist := append([]domain.CompletionSample(nil), t.p.CompletionHistory...)
	t.mu.Unlock()

	if len(hist) < 3 {
		return domain.PredictiveInsight{OptimalHour: 10, Confidence: 0.3, Reason: "not enough completion history"}
	}

	weekend := isWeekend(t.clock.Now().In(t.cfg.Location))
	var matched []domain.CompletionSample
	for _, s := range hist {
		if isWeekend(s.Time.In(t.cfg.Location)) == weekend {
			matched = append(matched, s)
		}
	}
	relevant, dayMatched := matched, true
	if len(matched) < 5 {
		relevant, dayMatched = hist, false
	}

	recent := relevant
	if len(recent) > t.cfg.PredictiveRecent {
		recent = recent[len(recent)-t.cfg.PredictiveRecent:]
	}
	var counts [24]int
	for _, s := range recent {
		counts[s.Hour]++
	}
	ranked := rankHours(counts)
	pick := ranked[0]
	if counts[pick] == 1 && len(relevant) >= 10 && len(ranked) > 1 {
		pick = ranked[1]
	}

	n := float64(len(recent))
	freq := float64(counts[pick]) / n
	samples := math.Min(float64(len(relevant)), 20) / 20
	expected := n / 24
	significance := 0.0
	if n > expected {
		significance = domain.Clamp((float64(counts[pick])-expected)/(n-expected), 0, 1)
	}
	conf := 0.5*freq + 0.2*samples + 0.2*significance
	if dayMatched {
		conf += 0.05
	}
	conf = math.Min(conf, 0.95)

	dayType := "all days"
	if dayMatched {
		dayType = "weekends"
		if !weekend {
			dayType = "weekdays"
		}
	}
	return domain.PredictiveInsight{
		OptimalHour: pick,
		Confidence:  conf,
		Reason:      fmt.Sprintf("%d of the last %d completions on %s happened at %02d:00", counts[pick], len(recent), dayType, pick),
	}
}

// AnalyzeBehavior classifies procrastination risk and intervention timing.
func (t *Tracker) AnalyzeBehavior() domain.BehavioralInsight {
	th := domain.DefaultThresholds()
	var acc domain.ModelMetrics
	if t.model != nil {
		th = t.model.Thresholds(t.userID)
		acc = t.model.Metrics(t.userID)
	}

	t.mu.Lock()
	now := t.clock.Now()
	t.decayLocked(now)
	since := func(at time.Time) time.Duration {
		if at.IsZero() {
			at = t.p.TrackingSince
		}
		if d := now.Sub(at); d > 0 {
			return d
		}
		return 0
	}
	days := since(t.p.LastCompletion).Hours() / 24
	hours := since(t.p.LastActivity).Hours()
	eng := t.p.EngagementScore
	streak := t.p.CompletionStreak
	t.mu.Unlock()

	risk := domain.RiskLow
	switch {
	case days > th.ProcrastinationHigh:
		risk = domain.RiskHigh
	case days > th.ProcrastinationMedium || hours > th.ActivityTimeout:
		risk = domain.RiskMedium
	}

	timing := domain.TimingGentle
	switch {
	case risk == domain.RiskHigh && eng < 0.3:
		timing = domain.TimingImmediate
	case eng > 0.7:
		timing = domain.TimingDelayed
	}

	penalty := 0.0
	switch risk {
	case domain.RiskHigh:
		penalty = 0.3
	case domain.RiskMedium:
		penalty = 0.15
	}
	prob := eng + math.Min(0.3, float64(streak)*0.05) - penalty
	if acc.TotalPredictions > 0 {
		prob *= 0.5 + 0.5*acc.Accuracy
	}

	return domain.BehavioralInsight{
		ProcrastinationRisk:   risk,
		InterventionTiming:    timing,
		CompletionProbability: domain.Clamp(prob, 0, 0.95),
		EngagementScore:       eng,
		DaysSinceCompletion:   days,
		HoursSinceActivity:    hours,
		Streak:                streak,
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func (t *Tracker) snapshotLocked() domain.CompletionPattern {
	c := t.p
	c.CompletionHistory = append([]domain.CompletionSample(nil), t.p.CompletionHistory...)
	c.ProductivityWindows = append([]domain.ProductivityWindow(nil), t.p.ProductivityWindows...)
	return c
}

func (t *Tracker) persist() {
	t.mu.Lock()
	data, err := json.Marshal(t.snapshotLocked())
	t.dirty = false
	t.mu.Unlock()
	if err != nil {
		t.log.Error("encode pattern", zap.Error(err))
		return
	}
	if err := t.kv.Set(domain.KeyPatternPrefix+t.userID, data); err != nil {
		metrics.StoreErrors.WithLabelValues("pattern", "write").Inc()
		t.log.Error("write pattern", zap.Error(err))
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
	}
}

func (t *Tracker) load() {
	data, ok, err := t.kv.Get(domain.KeyPatternPrefix + t.userID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("pattern", "read").Inc()
		t.log.Error("read pattern", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var p domain.CompletionPattern
	if err := json.Unmarshal(data, &p); err != nil {
		metrics.StoreErrors.WithLabelValues("pattern", "decode").Inc()
		t.log.Warn("pattern snapshot unreadable, starting fresh", zap.Error(err))
		return
	}

	kept := p.CompletionHistory[:0]
	for _, s := range p.CompletionHistory {
		if s.Hour >= 0 && s.Hour < 24 {
			kept = append(kept, s)
		}
	}
	p.CompletionHistory = kept
	if p.TrackingSince.IsZero() {
		p.TrackingSince = t.p.TrackingSince
	}
	p.EngagementScore = domain.Clamp(p.EngagementScore, 0, 1)
	if p.CompletionStreak < 0 {
		p.CompletionStreak = 0
	}
	p.ActiveHours = t.cfg.ActiveHours
	p.QuietHours = t.cfg.QuietHours
	t.p = p
}

// rankHours returns hours with at least one completion, most frequent first,
// earlier hour first on ties.
func rankHours(counts [24]int) []int {
	var hours []int
	for h, c := range counts {
		if c > 0 {
			hours = append(hours, h)
		}
	}
	sort.SliceStable(hours, func(i, j int) bool {
		return counts[hours[i]] > counts[hours[j]]
	})
	return hours
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

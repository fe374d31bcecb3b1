// Package ratelimit gates every send attempt against a rolling-window quota
// and a cooldown that grows exponentially with consecutive failures.
//
// Rules, in order:
//   - successful attempts in the trailing window must be below MaxPerWindow
//     (applies to every kind, interventions included)
//   - interventions only need InterventionCooldown since the last success
//   - everything else needs Cooldown × BackoffMultiplier^ConsecutiveFailures,
//     capped at MaxCooldown
package ratelimit

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Config configures the limiter.
type Config struct {
	MaxPerWindow         int
	Window               time.Duration
	Cooldown             time.Duration
	BackoffMultiplier    float64
	MaxCooldown          time.Duration
	InterventionCooldown time.Duration
	LogRetention         time.Duration // Attempts older than this are pruned
	MaxLogEntries        int
}

// DefaultConfig returns production limiter defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerWindow:         4,
		Window:               60 * time.Minute,
		Cooldown:             15 * time.Minute,
		BackoffMultiplier:    2,
		MaxCooldown:          12 * time.Hour,
		InterventionCooldown: 5 * time.Minute,
		LogRetention:         24 * time.Hour,
		MaxLogEntries:        200,
	}
}

// Limiter is the rate limiter. State is persisted after every attempt.
type Limiter struct {
	mu    sync.Mutex
	kv    domain.KVStore
	clock timer.Clock
	log   *zap.Logger
	cfg   Config
	state domain.RateLimitState
}

// New creates a limiter and loads persisted state. Unreadable state starts
// fresh.
func New(kv domain.KVStore, clock timer.Clock, cfg Config, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Limiter{kv: kv, clock: clock, log: log, cfg: cfg}
	l.load()
	return l
}

// CanSend reports whether a nudge of kind may be sent now.
func (l *Limiter) CanSend(kind domain.NudgeKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if l.windowUsedLocked(now) >= l.cfg.MaxPerWindow {
		l.log.Debug("send denied: window quota reached", zap.String("kind", string(kind)))
		return false
	}

	last := l.state.LastNotificationTime
	if last.IsZero() {
		return true
	}
	since := now.Sub(last)

	if kind == domain.KindIntervention {
		if since < l.cfg.InterventionCooldown {
			l.log.Debug("intervention denied: cooldown", zap.Duration("since_last", since))
			return false
		}
		return true
	}

	if required := l.requiredCooldownLocked(); since < required {
		l.log.Debug("send denied: cooldown",
			zap.String("kind", string(kind)),
			zap.Duration("since_last", since),
			zap.Duration("required", required))
		return false
	}
	return true
}

// RecordAttempt logs an attempt's outcome.
func (l *Limiter) RecordAttempt(kind domain.NudgeKind, success bool) {
	l.mu.Lock()
	now := l.clock.Now()
	l.state.Attempts = append(l.state.Attempts, domain.Attempt{Timestamp: now, Kind: kind, Success: success})
	l.pruneLocked(now)

	if success {
		l.state.ConsecutiveFailures = 0
		l.state.LastNotificationTime = now
	} else {
		l.state.ConsecutiveFailures++
	}
	failures := l.state.ConsecutiveFailures
	data, err := json.Marshal(l.state)
	l.mu.Unlock()

	metrics.ConsecutiveFailures.Set(float64(failures))
	if err != nil {
		l.log.Error("encode rate limit state", zap.Error(err))
		return
	}
	if err := l.kv.Set(domain.KeyRateLimit, data); err != nil {
		metrics.StoreErrors.WithLabelValues("ratelimit", "write").Inc()
		l.log.Error("write rate limit state", zap.Error(err))
	}
}

// Status returns window usage, next allowed time and failure streak.
// NextAllowedAt reflects the general rule; interventions may go sooner.
func (l *Limiter) Status() domain.RateLimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	required := l.requiredCooldownLocked()
	next := now
	if last := l.state.LastNotificationTime; !last.IsZero() && last.Add(required).After(next) {
		next = last.Add(required)
	}
	if l.windowUsedLocked(now) >= l.cfg.MaxPerWindow {
		if free := l.windowFreesAtLocked(now); free.After(next) {
			next = free
		}
	}

	return domain.RateLimitStatus{
		WindowUsed:          l.windowUsedLocked(now),
		WindowMax:           l.cfg.MaxPerWindow,
		Window:              l.cfg.Window,
		NextAllowedAt:       next,
		RequiredCooldown:    required,
		ConsecutiveFailures: l.state.ConsecutiveFailures,
	}
}

// RequiredCooldown returns Cooldown × BackoffMultiplier^failures, capped.
func (l *Limiter) RequiredCooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requiredCooldownLocked()
}

func (l *Limiter) requiredCooldownLocked() time.Duration {
	mult := math.Pow(l.cfg.BackoffMultiplier, float64(l.state.ConsecutiveFailures))
	d := time.Duration(float64(l.cfg.Cooldown) * mult)
	if l.cfg.MaxCooldown > 0 && (d > l.cfg.MaxCooldown || d < 0) {
		d = l.cfg.MaxCooldown
	}
	return d
}

// windowUsedLocked counts successful attempts in the trailing window.
func (l *Limiter) windowUsedLocked(now time.Time) int {
	cutoff := now.Add(-l.cfg.Window)
	n := 0
	for _, a := range l.state.Attempts {
		if a.Success && a.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// windowFreesAtLocked is when the oldest counted success leaves the window.
func (l *Limiter) windowFreesAtLocked(now time.Time) time.Time {
	cutoff := now.Add(-l.cfg.Window)
	for _, a := range l.state.Attempts {
		if a.Success && a.Timestamp.After(cutoff) {
			return a.Timestamp.Add(l.cfg.Window)
		}
	}
	return now
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.LogRetention)
	kept := l.state.Attempts[:0]
	for _, a := range l.state.Attempts {
		if !a.Timestamp.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	l.state.Attempts = kept
	if l.cfg.MaxLogEntries > 0 && len(l.state.Attempts) > l.cfg.MaxLogEntries {
		l.state.Attempts = append([]domain.Attempt(nil), l.state.Attempts[len(l.state.Attempts)-l.cfg.MaxLogEntries:]...)
	}
}

func (l *Limiter) load() {
	data, ok, err := l.kv.Get(domain.KeyRateLimit)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("ratelimit", "read").Inc()
		l.log.Error("read rate limit state", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var st domain.RateLimitState
	if err := json.Unmarshal(data, &st); err != nil {
		metrics.StoreErrors.WithLabelValues("ratelimit", "decode").Inc()
		l.log.Error("rate limit state unreadable, starting fresh", zap.Error(err))
		return
	}
	if st.ConsecutiveFailures < 0 {
		st.ConsecutiveFailures = 0
	}
	l.state = st
	l.pruneLocked(l.clock.Now())
}

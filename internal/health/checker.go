// Package health runs periodic health checks with auto-recovery:
// store reachability, delivery queue backlog and connectivity.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name" yaml:"name"`
	Healthy   bool      `json:"healthy" yaml:"healthy"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`
}

// Pinger is a store that can report reachability.
type Pinger interface {
	Ping() error
}

// QueueProbe is the part of the delivery queue the checks inspect.
type QueueProbe interface {
	Len() int
	Online() bool
	SetOnline(online bool)
}

// Config configures the checker.
type Config struct {
	Interval     time.Duration
	QueueMaxSize int
	BacklogRatio float64 // Unhealthy at or above this fraction of QueueMaxSize
}

// DefaultConfig returns production checker defaults.
func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, QueueMaxSize: 50, BacklogRatio: 0.8}
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      *zap.Logger
}

// NewChecker creates a checker with the standard checks. db may be nil for
// ephemeral runs, in which case the sqlite check is omitted.
func NewChecker(db Pinger, q QueueProbe, cfg Config, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Checker{interval: cfg.Interval, log: log}
	if db != nil {
		c.checks = append(c.checks, Check{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return db.Ping()
			},
			RecoverFn: func(ctx context.Context) error {
				return nil // WAL recovers on next open
			},
		})
	}
	c.checks = append(c.checks,
		Check{
			Name: "queue_backlog",
			CheckFn: func(ctx context.Context) error {
				return checkBacklog(q.Len(), cfg.QueueMaxSize, cfg.BacklogRatio)
			},
		},
		Check{
			Name: "connectivity",
			CheckFn: func(ctx context.Context) error {
				if !q.Online() {
					return fmt.Errorf("delivery target offline")
				}
				return nil
			},
			// Resume the queue; a still-offline target pauses it again on
			// the next failed send.
			RecoverFn: func(ctx context.Context) error {
				q.SetOnline(true)
				return nil
			},
		},
	)
	return c
}

// Add registers an extra check.
func (c *Checker) Add(check Check) {
	c.mu.Lock()
	c.checks = append(c.checks, check)
	c.mu.Unlock()
}

// Run starts the health check loop and returns when ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check, recovering failed ones.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	statuses := make([]Status, len(checks))
	for i, check := range checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			c.log.Warn("health check failed", zap.String("check", check.Name), zap.Error(err))
			if check.RecoverFn != nil {
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.log.Error("recovery failed", zap.String("check", check.Name), zap.Error(rerr))
				}
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkBacklog(n, max int, ratio float64) error {
	if max <= 0 {
		return nil
	}
	if float64(n) >= float64(max)*ratio {
		return fmt.Errorf("delivery queue backlog %d/%d", n, max)
	}
	return nil
}

// Package queue is the durable delivery queue: nudges that could not be
// delivered wait here and are retried with exponential backoff and jitter.
//
// Entries are kept ordered by priority (high first) and, within a priority,
// by insertion order. Each processing pass works from a snapshot of the
// ready entries, so an Enqueue during a pass is never skipped or delivered
// twice; it is picked up by the next pass.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Config configures the queue.
type Config struct {
	MaxAttempts  int           // Attempts before an entry is dropped
	BaseDelay    time.Duration // Backoff base
	Multiplier   float64       // Backoff growth per attempt
	MaxDelay     time.Duration // Cap on backoff before jitter
	JitterRatio  float64       // Up to this fraction of the delay is added
	MaxAge       time.Duration // Entries older than this are purged
	MaxSize      int           // Cap on queue length
	PollInterval time.Duration // Background pass interval
}

// DefaultConfig returns production queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    30 * time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Minute,
		JitterRatio:  0.1,
		MaxAge:       24 * time.Hour,
		MaxSize:      50,
		PollInterval: 30 * time.Second,
	}
}

// Gate is the send policy queued deliveries go through. ratelimit.Limiter
// satisfies it.
type Gate interface {
	CanSend(kind domain.NudgeKind) bool
	RecordAttempt(kind domain.NudgeKind, success bool)
}

// Queue is the delivery queue.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	kv      domain.KVStore
	clock   timer.Clock
	log     *zap.Logger
	deliver domain.Deliverer
	gate    Gate
	rng     *rand.Rand
	entries []domain.QueuedNotification

	pass   sync.Mutex // serializes processing passes
	online atomic.Bool
	wake   chan struct{}

	delivered, retries, exhausted, expired, evicted int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(q *Queue) { q.rng = r }
}

// WithGate makes every queued delivery ask g first and report its outcome.
// A denied entry stays pending without using an attempt.
func WithGate(g Gate) Option {
	return func(q *Queue) { q.gate = g }
}

// New creates a queue and restores persisted entries. The queue starts online.
func New(kv domain.KVStore, deliver domain.Deliverer, clock timer.Clock, cfg Config, log *zap.Logger, opts ...Option) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		cfg:     cfg,
		kv:      kv,
		clock:   clock,
		log:     log,
		deliver: deliver,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	q.online.Store(true)
	q.load()
	return q
}

// ─── Enqueue ────────────────────────────────────────────────────────────────

// Enqueue adds a notification timed for scheduledAt and returns its id. The
// first attempt happens no earlier than scheduledAt; a zero or past instant
// makes it ready for the next pass.
func (q *Queue) Enqueue(title, body string, kind domain.NudgeKind, priority domain.Priority, scheduledAt time.Time, nctx map[string]string) string {
	if !priority.Valid() {
		q.log.Warn("unknown queue priority, using medium", zap.String("priority", string(priority)))
		priority = domain.PriorityMedium
	}
	now := q.clock.Now()
	if scheduledAt.Before(now) {
		scheduledAt = now
	}
	e := domain.QueuedNotification{
		ID:          uuid.NewString(),
		Title:       title,
		Body:        body,
		Priority:    priority,
		Context:     copyContext(nctx),
		NextRetryAt: scheduledAt,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		Kind:        kind,
	}

	q.mu.Lock()
	q.insertLocked(e)
	for q.cfg.MaxSize > 0 && len(q.entries) > q.cfg.MaxSize {
		victim := q.evictLocked()
		q.evicted++
		metrics.QueueDeliveries.WithLabelValues("evicted").Inc()
		q.log.Warn("queue full, evicted entry",
			zap.String("id", victim.ID),
			zap.String("priority", string(victim.Priority)))
	}
	q.mu.Unlock()

	q.persist()
	q.log.Debug("notification queued", zap.String("id", e.ID), zap.String("kind", string(kind)))
	return e.ID
}

// insertLocked places e after every entry of equal or higher priority.
func (q *Queue) insertLocked(e domain.QueuedNotification) {
	rank := e.Priority.Rank()
	i := len(q.entries)
	for i > 0 && q.entries[i-1].Priority.Rank() < rank {
		i--
	}
	q.entries = append(q.entries, domain.QueuedNotification{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
}

// evictLocked drops the oldest entry of the lowest priority present.
func (q *Queue) evictLocked() domain.QueuedNotification {
	victim := 0
	for i, e := range q.entries {
		r := e.Priority.Rank()
		vr := q.entries[victim].Priority.Rank()
		if r < vr || (r == vr && e.CreatedAt.Before(q.entries[victim].CreatedAt)) {
			victim = i
		}
	}
	e := q.entries[victim]
	q.entries = append(q.entries[:victim], q.entries[victim+1:]...)
	return e
}

// ─── Processing ─────────────────────────────────────────────────────────────

// ProcessOnce runs one delivery pass and returns how many entries were
// delivered. It is a no-op while offline.
func (q *Queue) ProcessOnce(ctx context.Context) int {
	q.pass.Lock()
	defer q.pass.Unlock()

	if !q.online.Load() {
		return 0
	}

	now := q.clock.Now()
	q.mu.Lock()
	purged := q.purgeLocked(now)
	var ready []domain.QueuedNotification
	for _, e := range q.entries {
		if !e.NextRetryAt.After(now) && e.Attempts < q.cfg.MaxAttempts {
			ready = append(ready, e)
		}
	}
	q.mu.Unlock()

	if len(ready) == 0 {
		if purged > 0 {
			q.persist()
		}
		return 0
	}

	delivered := 0
	for _, e := range ready {
		if ctx.Err() != nil || !q.online.Load() {
			break
		}
		if q.gate != nil && !q.gate.CanSend(e.Kind) {
			q.log.Debug("queued delivery held by rate limit", zap.String("id", e.ID))
			continue
		}
		ok, err := q.attempt(ctx, e)
		if errors.Is(err, domain.ErrOffline) {
			// Connectivity, not the entry, failed: keep its attempts and stop.
			q.log.Info("delivery target unreachable during pass", zap.String("id", e.ID), zap.Error(err))
			q.SetOnline(false)
			break
		}
		if err != nil {
			q.log.Debug("queued delivery failed", zap.String("id", e.ID), zap.Error(err))
		}
		if q.gate != nil {
			q.gate.RecordAttempt(e.Kind, ok)
		}

		q.mu.Lock()
		i := q.indexLocked(e.ID)
		if i < 0 {
			q.mu.Unlock()
			continue
		}
		if ok {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.delivered++
			delivered++
			q.mu.Unlock()
			metrics.QueueDeliveries.WithLabelValues("delivered").Inc()
			continue
		}

		entry := &q.entries[i]
		entry.Attempts++
		if entry.Attempts >= q.cfg.MaxAttempts {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.exhausted++
			q.mu.Unlock()
			metrics.QueueDeliveries.WithLabelValues("exhausted").Inc()
			q.log.Warn("notification dropped after max attempts",
				zap.String("id", e.ID),
				zap.String("title", e.Title),
				zap.Int("attempts", q.cfg.MaxAttempts))
			continue
		}
		delay := q.backoffLocked(entry.Attempts)
		entry.NextRetryAt = q.clock.Now().Add(delay)
		q.retries++
		q.mu.Unlock()
		metrics.QueueDeliveries.WithLabelValues("retry").Inc()
		q.log.Debug("notification rescheduled", zap.String("id", e.ID), zap.Duration("in", delay))
	}

	q.persist()
	return delivered
}

// attempt calls the delivery primitive with the entry's scheduled instant,
// or now if that has passed. A panic is a failure.
func (q *Queue) attempt(ctx context.Context, e domain.QueuedNotification) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("deliver panicked: %v", r)
		}
	}()
	at := q.clock.Now()
	if e.ScheduledAt.After(at) {
		at = e.ScheduledAt
	}
	return q.deliver.Deliver(ctx, e.Title, e.Body, at)
}

// Backoff returns min(BaseDelay × Multiplier^attempts, MaxDelay) before jitter.
func (q *Queue) Backoff(attempts int) time.Duration {
	d := float64(q.cfg.BaseDelay) * math.Pow(q.cfg.Multiplier, float64(attempts))
	if d > float64(q.cfg.MaxDelay) || math.IsInf(d, 0) {
		d = float64(q.cfg.MaxDelay)
	}
	return time.Duration(d)
}

func (q *Queue) backoffLocked(attempts int) time.Duration {
	d := q.Backoff(attempts)
	if q.cfg.JitterRatio > 0 {
		d += time.Duration(q.rng.Float64() * q.cfg.JitterRatio * float64(d))
	}
	return d
}

// purgeLocked drops entries older than MaxAge and returns how many.
func (q *Queue) purgeLocked(now time.Time) int {
	cutoff := now.Add(-q.cfg.MaxAge)
	kept := q.entries[:0]
	n := 0
	for _, e := range q.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
			q.log.Info("expired notification purged", zap.String("id", e.ID))
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if n > 0 {
		q.expired += int64(n)
		metrics.QueueDeliveries.WithLabelValues("expired").Add(float64(n))
	}
	return n
}

func (q *Queue) indexLocked(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Run processes the queue every PollInterval until ctx is cancelled.
// Coming back online triggers an extra pass immediately.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.ProcessOnce(ctx)
		case <-q.wake:
			q.ProcessOnce(ctx)
		}
	}
}

// SetOnline pauses (false) or resumes (true) processing.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.log.Info("connectivity restored, processing queue")
		select {
		case q.wake <- struct{}{}:
		default:
		}
	} else if !online && was {
		q.log.Info("offline, queue paused")
	}
}

// Online reports whether processing is enabled.
func (q *Queue) Online() bool { return q.online.Load() }

// ─── Inspection ─────────────────────────────────────────────────────────────

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queue in processing order.
func (q *Queue) Entries() []domain.QueuedNotification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.QueuedNotification, len(q.entries))
	for i, e := range q.entries {
		e.Context = copyContext(e.Context)
		out[i] = e
	}
	return out
}

// Clear drops every entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
	q.persist()
}

// Stats holds queue statistics.
type Stats struct {
	Pending   int   `json:"pending" yaml:"pending"`
	MaxSize   int   `json:"max_size" yaml:"max_size"`
	Online    bool  `json:"online" yaml:"online"`
	Delivered int64 `json:"delivered" yaml:"delivered"`
	Retries   int64 `json:"retries" yaml:"retries"`
	Exhausted int64 `json:"exhausted" yaml:"exhausted"` // Dropped after MaxAttempts
	Expired   int64 `json:"expired" yaml:"expired"`
	Evicted   int64 `json:"evicted" yaml:"evicted"`
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.entries),
		MaxSize:   q.cfg.MaxSize,
		Online:    q.online.Load(),
		Delivered: q.delivered,
		Retries:   q.retries,
		Exhausted: q.exhausted,
		Expired:   q.expired,
		Evicted:   q.evicted,
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func (q *Queue) persist() {
	q.mu.Lock()
	data, err := json.Marshal(q.entries)
	n := len(q.entries)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
	if err != nil {
		q.log.Error("encode delivery queue", zap.Error(err))
		return
	}
	if err := q.kv.Set(domain.KeyDeliveryQueue, data); err != nil {
		metrics.StoreErrors.WithLabelValues("queue", "write").Inc()
		q.log.Error("write delivery queue", zap.Error(err))
	}
}

func (q *Queue) load() {
	data, ok, err := q.kv.Get(domain.KeyDeliveryQueue)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue", "read").Inc()
		q.log.Error("read delivery queue", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var stored []domain.QueuedNotification
	if err := json.Unmarshal(data, &stored); err != nil {
		metrics.StoreErrors.WithLabelValues("queue", "decode").Inc()
		q.log.Warn("delivery queue unreadable, starting empty", zap.Error(err))
		return
	}
	for _, e := range stored {
		if e.ID == "" {
			continue
		}
		if !e.Priority.Valid() {
			e.Priority = domain.PriorityMedium
		}
		if e.ScheduledAt.IsZero() {
			e.ScheduledAt = e.CreatedAt
		}
		q.insertLocked(e)
	}
	metrics.QueueDepth.Set(float64(len(q.entries)))
}

func copyContext(c map[string]string) map[string]string {
	if c == nil {
		return nil
	}
	out := make(map[string]string, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

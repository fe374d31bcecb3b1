package queue

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/memkv"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

// recorder is a scripted delivery primitive.
type recorder struct {
	mu     sync.Mutex
	titles []string
	ats    []time.Time
	result func(title string) (bool, error)
}

func (r *recorder) Deliver(_ context.Context, title, _ string, at time.Time) (bool, error) {
	r.mu.Lock()
	r.titles = append(r.titles, title)
	r.ats = append(r.ats, at)
	fn := r.result
	r.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(title)
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func newQueue(t *testing.T, cfg Config, d domain.Deliverer) (*Queue, *timer.Fake, *memkv.Store) {
	t.Helper()
	kv := memkv.New()
	clk := timer.NewFake(epoch)
	return New(kv, d, clk, cfg, nil, WithRand(rand.New(rand.NewPCG(1, 2)))), clk, kv
}

func titles(entries []domain.QueuedNotification) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Title
	}
	return out
}

// ─── Ordering ───────────────────────────────────────────────────────────────

func TestEnqueue_PriorityThenInsertionOrder(t *testing.T) {
	q, _, _ := newQueue(t, DefaultConfig(), &recorder{})
	q.Enqueue("m1", "", domain.KindMotivational, domain.PriorityMedium, time.Time{}, nil)
	q.Enqueue("l1", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)
	q.Enqueue("h1", "", domain.KindIntervention, domain.PriorityHigh, time.Time{}, nil)
	q.Enqueue("m2", "", domain.KindContextual, domain.PriorityMedium, time.Time{}, nil)
	q.Enqueue("h2", "", domain.KindIntervention, domain.PriorityHigh, time.Time{}, nil)

	assert.Equal(t, []string{"h1", "h2", "m1", "m2", "l1"}, titles(q.Entries()))
}

func TestProcessOnce_HighBeforeEarlierMedium(t *testing.T) {
	rec := &recorder{}
	q, _, _ := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("medium", "", domain.KindMotivational, domain.PriorityMedium, time.Time{}, nil)
	q.Enqueue("high", "", domain.KindIntervention, domain.PriorityHigh, time.Time{}, nil)

	assert.Equal(t, 2, q.ProcessOnce(context.Background()))
	assert.Equal(t, []string{"high", "medium"}, rec.calls())
	assert.Zero(t, q.Len())
}

func TestEnqueue_InvalidPriorityBecomesMedium(t *testing.T) {
	q, _, _ := newQueue(t, DefaultConfig(), &recorder{})
	q.Enqueue("x", "", domain.KindMotivational, "critical", time.Time{}, map[string]string{"task": "t1"})
	e := q.Entries()
	require.Len(t, e, 1)
	assert.Equal(t, domain.PriorityMedium, e[0].Priority)
	assert.Equal(t, "t1", e[0].Context["task"])
	assert.NotEmpty(t, e[0].ID)
}

func TestEnqueue_EvictsOldestLowestPriority(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 3
	q, clk, _ := newQueue(t, cfg, &recorder{})
	q.Enqueue("low-old", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)
	clk.Advance(time.Second)
	q.Enqueue("low-new", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)
	clk.Advance(time.Second)
	q.Enqueue("high", "", domain.KindIntervention, domain.PriorityHigh, time.Time{}, nil)
	clk.Advance(time.Second)
	q.Enqueue("medium", "", domain.KindContextual, domain.PriorityMedium, time.Time{}, nil)

	assert.Equal(t, []string{"high", "medium", "low-new"}, titles(q.Entries()))
	assert.Equal(t, int64(1), q.Stats().Evicted)
}

// ─── Retry ──────────────────────────────────────────────────────────────────

func TestProcessOnce_BackoffWithJitter(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { return false, nil }}
	q, clk, _ := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("x", "", domain.KindMotivational, domain.PriorityMedium, time.Time{}, nil)

	q.ProcessOnce(context.Background())
	e := q.Entries()[0]
	assert.Equal(t, 1, e.Attempts)
	delay := e.NextRetryAt.Sub(epoch)
	assert.GreaterOrEqual(t, delay, 60*time.Second, "30s × 2¹")
	assert.LessOrEqual(t, delay, 66*time.Second, "at most 10% jitter")

	// Not ready yet: no further call.
	clk.Advance(30 * time.Second)
	q.ProcessOnce(context.Background())
	assert.Len(t, rec.calls(), 1)
}

func TestBackoff_Capped(t *testing.T) {
	q, _, _ := newQueue(t, DefaultConfig(), &recorder{})
	assert.Equal(t, 30*time.Second, q.Backoff(0))
	assert.Equal(t, 4*time.Minute, q.Backoff(3))
	assert.Equal(t, 30*time.Minute, q.Backoff(10))
	assert.Equal(t, 30*time.Minute, q.Backoff(5000))
}

func TestProcessOnce_DropsAfterMaxAttempts(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { return false, errors.New("boom") }}
	q, clk, _ := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("doomed", "", domain.KindMotivational, domain.PriorityHigh, time.Time{}, nil)

	for i := 0; i < 10; i++ {
		q.ProcessOnce(context.Background())
		clk.Advance(time.Hour)
	}
	assert.Len(t, rec.calls(), 5, "never retried after max attempts")
	assert.Zero(t, q.Len())
	assert.Equal(t, int64(1), q.Stats().Exhausted)
}

func TestProcessOnce_PanicIsAFailure(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { panic("primitive exploded") }}
	q, _, _ := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("x", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)

	assert.NotPanics(t, func() { q.ProcessOnce(context.Background()) })
	assert.Equal(t, 1, q.Entries()[0].Attempts)
}

func TestProcessOnce_PurgesOldEntries(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { return false, nil }}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 100
	q, clk, _ := newQueue(t, cfg, rec)
	q.Enqueue("stale", "", domain.KindMotivational, domain.PriorityHigh, time.Time{}, nil)

	clk.Advance(24*time.Hour + time.Second)
	q.ProcessOnce(context.Background())
	assert.Zero(t, q.Len())
	assert.Empty(t, rec.calls())
	assert.Equal(t, int64(1), q.Stats().Expired)
}

func TestProcessOnce_EnqueueDuringPassWaitsForNextPass(t *testing.T) {
	rec := &recorder{}
	q, _, _ := newQueue(t, DefaultConfig(), rec)
	rec.result = func(title string) (bool, error) {
		if title == "first" {
			q.Enqueue("late", "", domain.KindIntervention, domain.PriorityHigh, time.Time{}, nil)
		}
		return true, nil
	}
	q.Enqueue("first", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)

	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	assert.Equal(t, []string{"first"}, rec.calls())
	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	assert.Equal(t, []string{"first", "late"}, rec.calls())
}

// ─── Connectivity ───────────────────────────────────────────────────────────

func TestProcessOnce_PausedWhileOffline(t *testing.T) {
	rec := &recorder{}
	q, _, _ := newQueue(t, DefaultConfig(), rec)
	q.SetOnline(false)
	q.Enqueue("x", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)

	assert.Zero(t, q.ProcessOnce(context.Background()))
	assert.Empty(t, rec.calls())
	assert.False(t, q.Stats().Online)
}

func TestRun_ComingOnlineTriggersPass(t *testing.T) {
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	q := New(memkv.New(), rec, timer.Real(), cfg, nil)
	q.SetOnline(false)
	q.Enqueue("x", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	q.SetOnline(true)
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"x"}, rec.calls())

	cancel()
	require.NoError(t, <-done)
}

// ─── Persistence ────────────────────────────────────────────────────────────

func TestQueue_SurvivesRestart(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { return false, nil }}
	q, clk, kv := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("low", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)
	q.Enqueue("high", "", domain.KindIntervention, domain.PriorityHigh, time.Time{}, nil)
	q.ProcessOnce(context.Background())

	restored := New(kv, rec, clk, DefaultConfig(), nil)
	entries := restored.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"high", "low"}, titles(entries))
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, domain.KindIntervention, entries[0].Kind)
}

func TestQueue_CorruptBlobStartsEmpty(t *testing.T) {
	kv := memkv.New()
	require.NoError(t, kv.Set(domain.KeyDeliveryQueue, []byte("[{")))
	q := New(kv, &recorder{}, timer.NewFake(epoch), DefaultConfig(), nil)
	assert.Zero(t, q.Len())
}

func TestQueue_Clear(t *testing.T) {
	q, _, kv := newQueue(t, DefaultConfig(), &recorder{})
	q.Enqueue("x", "", domain.KindMotivational, domain.PriorityLow, time.Time{}, nil)
	q.Clear()
	assert.Zero(t, q.Len())
	data, ok, err := kv.Get(domain.KeyDeliveryQueue)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, "null", string(data))
}

// ─── Connectivity & Gate ────────────────────────────────────────────────────

func TestProcessOnce_OfflineErrorPausesWithoutUsingAttempts(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { return false, domain.ErrOffline }}
	q, _, _ := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("a", "", domain.KindMotivational, domain.PriorityHigh, time.Time{}, nil)
	q.Enqueue("b", "", domain.KindMotivational, domain.PriorityMedium, time.Time{}, nil)

	assert.Equal(t, 0, q.ProcessOnce(context.Background()))
	assert.False(t, q.Online())
	assert.Equal(t, []string{"a"}, rec.calls(), "pass stops at the first offline error")
	for _, e := range q.Entries() {
		assert.Equal(t, 0, e.Attempts, e.Title)
	}
}

func TestProcessOnce_RepeatedOfflinePassesNeverDrop(t *testing.T) {
	rec := &recorder{result: func(string) (bool, error) { return false, domain.ErrOffline }}
	q, clk, _ := newQueue(t, DefaultConfig(), rec)
	q.Enqueue("a", "", domain.KindContextual, domain.PriorityMedium, time.Time{}, nil)

	for i := 0; i < 20; i++ {
		q.SetOnline(true)
		q.ProcessOnce(context.Background())
		clk.Advance(time.Minute)
	}
	require.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.Entries()[0].Attempts)
	assert.Zero(t, q.Stats().Exhausted)

	rec.mu.Lock()
	rec.result = nil
	rec.mu.Unlock()
	q.SetOnline(true)
	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
}

// gateStub denies kinds listed in deny and records outcomes.
type gateStub struct {
	deny     map[domain.NudgeKind]bool
	outcomes []bool
}

func (g *gateStub) CanSend(k domain.NudgeKind) bool { return !g.deny[k] }
func (g *gateStub) RecordAttempt(_ domain.NudgeKind, ok bool) {
	g.outcomes = append(g.outcomes, ok)
}

func TestProcessOnce_GateHoldsDeniedEntries(t *testing.T) {
	rec := &recorder{}
	g := &gateStub{deny: map[domain.NudgeKind]bool{domain.KindMotivational: true}}
	q := New(memkv.New(), rec, timer.NewFake(epoch), DefaultConfig(), nil, WithGate(g))
	q.Enqueue("held", "", domain.KindMotivational, domain.PriorityHigh, time.Time{}, nil)
	q.Enqueue("sent", "", domain.KindContextual, domain.PriorityMedium, time.Time{}, nil)

	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	assert.Equal(t, []string{"sent"}, rec.calls())
	assert.Equal(t, []bool{true}, g.outcomes)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, "held", q.Entries()[0].Title)
	assert.Equal(t, 0, q.Entries()[0].Attempts)
}

func TestEnqueue_FutureScheduleWaitsAndKeepsInstant(t *testing.T) {
	rec := &recorder{}
	q, clk, _ := newQueue(t, DefaultConfig(), rec)
	when := epoch.Add(3 * time.Hour)
	q.Enqueue("later", "", domain.KindMotivational, domain.PriorityMedium, when, nil)

	assert.Equal(t, 0, q.ProcessOnce(context.Background()))
	assert.Empty(t, rec.calls())

	clk.Set(when)
	assert.Equal(t, 1, q.ProcessOnce(context.Background()))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.ats, 1)
	assert.True(t, rec.ats[0].Equal(when))
}

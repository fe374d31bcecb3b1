package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/memkv"
	"github.com/tutu-network/nudge/internal/infra/sqlite"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

var epoch = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *memkv.Store, *timer.Fake) {
	t.Helper()
	kv := memkv.New()
	clk := timer.NewFake(epoch)
	return NewStore(kv, clk, DefaultConfig(), nil), kv, clk
}

func TestStore_LazyCreateWithDefaults(t *testing.T) {
	s, _, _ := newStore(t)

	_, ok := s.Get("alice")
	assert.False(t, ok)

	m := s.Update("alice", func(*domain.BehavioralModel) {})
	assert.Equal(t, "alice", m.UserID)
	assert.Equal(t, domain.DefaultThresholds(), m.Thresholds)
	assert.Equal(t, epoch, m.CreatedAt)
	assert.Zero(t, m.Metrics.Accuracy)
}

func TestStore_DebouncedWritesCoalesce(t *testing.T) {
	s, kv, clk := newStore(t)

	for i := 0; i < 10; i++ {
		s.Update("alice", func(m *domain.BehavioralModel) {
			m.Metrics.Record(true, clk.Now())
		})
		clk.Advance(50 * time.Millisecond)
	}
	assert.Zero(t, kv.Writes(), "writes wait for the quiet period")

	clk.Advance(time.Second)
	assert.Equal(t, 1, kv.Writes(), "ten updates coalesce into one write")

	data, ok, err := kv.Get(domain.KeyBehavioralModels)
	require.NoError(t, err)
	require.True(t, ok)
	var stored map[string]*domain.BehavioralModel
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, 10, stored["alice"].Metrics.TotalPredictions, "last write wins with the full state")
}

func TestStore_FlushForcesWrite(t *testing.T) {
	s, kv, _ := newStore(t)
	s.Update("alice", func(*domain.BehavioralModel) {})
	s.Update("bob", func(*domain.BehavioralModel) {})

	s.Flush()
	assert.Equal(t, 2, kv.Writes())
}

func TestStore_ReloadFromSQLite(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clk := timer.NewFake(epoch)

	s := NewStore(db, clk, DefaultConfig(), nil)
	s.Update("alice", func(m *domain.BehavioralModel) {
		m.MessageEffectiveness[domain.MsgUrgent] = 0.8
	})
	s.Flush()

	reopened := NewStore(db, clk, DefaultConfig(), nil)
	m, ok := reopened.Get("alice")
	require.True(t, ok)
	assert.InDelta(t, 0.8, m.MessageEffectiveness[domain.MsgUrgent], 1e-9)
}

func TestStore_CorruptedBlobDegradesToEmpty(t *testing.T) {
	kv := memkv.New()
	require.NoError(t, kv.Set(domain.KeyBehavioralModels, []byte("{not json")))

	s := NewStore(kv, timer.NewFake(epoch), DefaultConfig(), nil)
	_, ok := s.Get("alice")
	assert.False(t, ok)

	m := s.Update("alice", func(*domain.BehavioralModel) {})
	assert.Equal(t, "alice", m.UserID)
}

func TestStore_StorageFailuresDoNotPropagate(t *testing.T) {
	kv := memkv.New()
	kv.FailReads = errors.New("disk gone")
	kv.FailWrites = errors.New("quota exceeded")

	s := NewStore(kv, timer.NewFake(epoch), DefaultConfig(), nil)
	assert.NotPanics(t, func() {
		s.Update("alice", func(*domain.BehavioralModel) {})
		s.Flush()
	})
	_, ok := s.Get("alice")
	assert.True(t, ok, "in-memory state survives a failed write")
}

func TestStore_RetentionDropsStaleModels(t *testing.T) {
	s, _, clk := newStore(t)
	s.Update("stale", func(*domain.BehavioralModel) {})
	clk.Advance(60 * 24 * time.Hour)
	s.Update("fresh", func(m *domain.BehavioralModel) { m.Metrics.LastUpdated = clk.Now() })
	clk.Advance(31 * 24 * time.Hour)
	s.Flush()
	s.Update("fresh", func(m *domain.BehavioralModel) { m.Metrics.LastUpdated = clk.Now() })
	s.Flush()

	_, ok := s.Get("stale")
	assert.False(t, ok, "idle for 91 days")
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestStore_ResetKeepsOtherUsers(t *testing.T) {
	s, kv, clk := newStore(t)
	s.Update("alice", func(*domain.BehavioralModel) {})
	s.Update("bob", func(*domain.BehavioralModel) {})
	s.Flush()

	s.Reset("alice")
	_, ok := s.Get("alice")
	assert.False(t, ok)

	reloaded := NewStore(kv, clk, DefaultConfig(), nil)
	_, ok = reloaded.Get("alice")
	assert.False(t, ok)
	_, ok = reloaded.Get("bob")
	assert.True(t, ok)
}

func TestValidate_RepairsInvariants(t *testing.T) {
	m := &domain.BehavioralModel{
		MessageEffectiveness: map[domain.MessageType]float64{
			domain.MsgUrgent:        1.7,
			domain.MsgGentle:        -0.2,
			domain.MessageType("x"): 0.5,
		},
		Thresholds: domain.Thresholds{ProcrastinationHigh: 40, ProcrastinationMedium: 0.1, ActivityTimeout: 1},
		Metrics:    domain.ModelMetrics{TotalPredictions: 4, CorrectPredictions: 9, Accuracy: 3},
	}
	for i := 0; i < 250; i++ {
		m.Interactions = append(m.Interactions, domain.Interaction{Timestamp: epoch, MessageType: domain.MsgUrgent})
	}
	m.Interactions[0].Timestamp = epoch.Add(-40 * 24 * time.Hour)

	Validate(m, DefaultConfig(), epoch)

	assert.Equal(t, 1.0, m.MessageEffectiveness[domain.MsgUrgent])
	assert.Equal(t, 0.0, m.MessageEffectiveness[domain.MsgGentle])
	assert.NotContains(t, m.MessageEffectiveness, domain.MessageType("x"))
	assert.Equal(t, domain.MaxProcrastinationHigh, m.Thresholds.ProcrastinationHigh)
	assert.Equal(t, domain.MinProcrastinationMedium, m.Thresholds.ProcrastinationMedium)
	assert.Equal(t, domain.MinActivityTimeout, m.Thresholds.ActivityTimeout)
	assert.Equal(t, 1.0, m.Metrics.Accuracy)
	assert.Len(t, m.Interactions, 200)
}

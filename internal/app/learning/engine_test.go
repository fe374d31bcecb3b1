package learning

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/nudge/internal/app/model"
	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/memkv"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

var epoch = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *model.Store, *timer.Fake) {
	t.Helper()
	clk := timer.NewFake(epoch)
	store := model.NewStore(memkv.New(), clk, model.DefaultConfig(), nil)
	return NewEngine(store, clk, DefaultConfig(), nil), store, clk
}

var (
	completed  = domain.Outcome{Completed: true}
	engaged    = domain.Outcome{Engaged: true}
	ignored    = domain.Outcome{Ignored: true}
	frustrated = domain.Outcome{Frustrated: true}
)

// ─── Signal ─────────────────────────────────────────────────────────────────

func TestSignal(t *testing.T) {
	cases := []struct {
		name string
		o    domain.Outcome
		ctx  domain.FeedbackContext
		want float64
	}{
		{"completed", completed, domain.FeedbackContext{}, 1.0},
		{"engaged", engaged, domain.FeedbackContext{}, 0.5},
		{"ignored", ignored, domain.FeedbackContext{}, -0.3},
		{"frustrated", frustrated, domain.FeedbackContext{}, -0.8},
		{"engaged high priority", engaged, domain.FeedbackContext{Priority: domain.PriorityHigh}, 0.65},
		{"engaged evening", engaged, domain.FeedbackContext{TimeOfDay: domain.Evening}, 0.45},
		{"completed+engaged caps at 1", domain.Outcome{Completed: true, Engaged: true}, domain.FeedbackContext{}, 1.0},
		{"frustrated+ignored floors at -1", domain.Outcome{Ignored: true, Frustrated: true}, domain.FeedbackContext{}, -1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Signal(tc.o, tc.ctx), 1e-9)
		})
	}
}

// ─── ProcessFeedback ────────────────────────────────────────────────────────

func TestProcessFeedback_RejectsMalformedInput(t *testing.T) {
	e, store, _ := newEngine(t)

	assert.False(t, e.ProcessFeedback("alice", domain.MessageType("shouting"), engaged, nil))
	assert.False(t, e.ProcessFeedback("alice", domain.MsgUrgent, domain.Outcome{}, nil))
	assert.False(t, e.ProcessFeedback("alice", domain.MsgUrgent, domain.Outcome{Ignored: true, Completed: true}, nil))

	_, ok := store.Get("alice")
	assert.False(t, ok, "rejected feedback must not create a model")
}

func TestProcessFeedback_InvalidContextFallsBackToDefault(t *testing.T) {
	e, store, _ := newEngine(t)
	bad := &domain.FeedbackContext{Priority: "extreme"}

	require.True(t, e.ProcessFeedback("alice", domain.MsgGentle, engaged, bad))
	m, _ := store.Get("alice")
	assert.Equal(t, domain.FeedbackContext{}, m.Interactions[0].Context)
	assert.InDelta(t, 0.5+0.5*0.1, m.MessageEffectiveness[domain.MsgGentle], 1e-9)
}

func TestProcessFeedback_UpdatesEffectivenessAndMetrics(t *testing.T) {
	e, store, _ := newEngine(t)

	require.True(t, e.ProcessFeedback("alice", domain.MsgUrgent, completed, nil))
	require.True(t, e.ProcessFeedback("alice", domain.MsgUrgent, ignored, nil))

	m, ok := store.Get("alice")
	require.True(t, ok)
	assert.InDelta(t, 0.5+0.1-0.03, m.MessageEffectiveness[domain.MsgUrgent], 1e-9)
	assert.Len(t, m.Interactions, 2)
	assert.Equal(t, 2, m.Metrics.TotalPredictions)
	assert.Equal(t, 1, m.Metrics.CorrectPredictions)
	assert.InDelta(t, 0.5, m.Metrics.Accuracy, 1e-9)
}

func TestProcessFeedback_EffectivenessStaysInUnitRange(t *testing.T) {
	e, store, clk := newEngine(t)
	rng := rand.New(rand.NewPCG(7, 11))
	outcomes := []domain.Outcome{completed, engaged, ignored, frustrated, {Completed: true, Engaged: true}}
	priorities := []domain.Priority{"", domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh}

	for i := 0; i < 1000; i++ {
		typ := domain.MessageTypes()[rng.IntN(5)]
		ctx := &domain.FeedbackContext{Priority: priorities[rng.IntN(4)], Streak: rng.IntN(8)}
		e.ProcessFeedback("alice", typ, outcomes[rng.IntN(len(outcomes))], ctx)
		clk.Advance(time.Minute)

		if i%97 == 0 {
			m, _ := store.Get("alice")
			for typ, v := range m.MessageEffectiveness {
				require.GreaterOrEqual(t, v, 0.0, typ)
				require.LessOrEqual(t, v, 1.0, typ)
			}
			want := float64(m.Metrics.CorrectPredictions) / float64(m.Metrics.TotalPredictions)
			require.InDelta(t, want, m.Metrics.Accuracy, 1e-12)
		}
	}

	m, _ := store.Get("alice")
	assert.LessOrEqual(t, len(m.Interactions), 200)
	th := m.Thresholds
	assert.True(t, th == th.Clamp(), "thresholds must stay within bounds")
}

// ─── Learning Rate ──────────────────────────────────────────────────────────

func TestLearningRate_Adapts(t *testing.T) {
	e, _, _ := newEngine(t)
	mk := func(n int, o domain.Outcome) *domain.BehavioralModel {
		m := domain.NewBehavioralModel("u", epoch)
		for i := 0; i < n; i++ {
			m.Interactions = append(m.Interactions, domain.Interaction{Outcome: o})
		}
		return m
	}

	assert.InDelta(t, 0.1, e.learningRate(mk(5, ignored)), 1e-9, "too few samples to adapt")
	assert.InDelta(t, 0.15, e.learningRate(mk(12, ignored)), 1e-9, "often wrong: learn faster")
	assert.InDelta(t, 0.1, e.learningRate(mk(30, engaged)), 1e-9, "accurate but small sample")
	assert.InDelta(t, 0.05, e.learningRate(mk(60, engaged)), 1e-9, "stable: learn slower")
}

// ─── Threshold Re-tuning ────────────────────────────────────────────────────

func TestThresholds_LenientWhenFrustrated(t *testing.T) {
	e, _, clk := newEngine(t)
	for i := 0; i < 20; i++ {
		e.ProcessFeedback("alice", domain.MsgUrgent, frustrated, nil)
		clk.Advance(time.Minute)
	}
	th := e.Thresholds("alice")
	assert.InDelta(t, 5.5, th.ProcrastinationHigh, 1e-9)
	assert.InDelta(t, 2.25, th.ProcrastinationMedium, 1e-9)
	assert.InDelta(t, 26, th.ActivityTimeout, 1e-9)
}

func TestThresholds_AggressiveWhenEngaged(t *testing.T) {
	e, _, clk := newEngine(t)
	for i := 0; i < 20; i++ {
		o := engaged
		if i%5 == 0 {
			o = frustrated
		}
		e.ProcessFeedback("alice", domain.MsgGentle, o, nil)
		clk.Advance(time.Minute)
	}
	th := e.Thresholds("alice")
	assert.InDelta(t, 4.5, th.ProcrastinationHigh, 1e-9, "16 engaged vs 4 frustrated")
	assert.InDelta(t, 1.75, th.ProcrastinationMedium, 1e-9)
	assert.InDelta(t, 22, th.ActivityTimeout, 1e-9)
}

func TestThresholds_ClampAtBounds(t *testing.T) {
	e, _, clk := newEngine(t)
	for i := 0; i < 20*40; i++ {
		e.ProcessFeedback("alice", domain.MsgUrgent, frustrated, nil)
		clk.Advance(time.Minute)
	}
	th := e.Thresholds("alice")
	assert.Equal(t, domain.MaxProcrastinationHigh, th.ProcrastinationHigh)
	assert.Equal(t, domain.MaxProcrastinationMedium, th.ProcrastinationMedium)
	assert.Equal(t, domain.MaxActivityTimeout, th.ActivityTimeout)
}

// ─── Prediction ─────────────────────────────────────────────────────────────

func TestPredict_ColdStart(t *testing.T) {
	e, _, _ := newEngine(t)
	p := e.PredictOptimalMessageType("nobody", domain.MessageContext{TimeOfDay: domain.Afternoon})
	assert.Equal(t, domain.MsgMotivational, p.Prediction, "ties resolve to the first type")
	assert.Zero(t, p.Confidence)
	assert.NotEmpty(t, p.Reasoning)
}

func TestPredict_ContextBoosts(t *testing.T) {
	e, _, _ := newEngine(t)

	p := e.PredictOptimalMessageType("u", domain.MessageContext{Priority: domain.PriorityHigh})
	assert.Equal(t, domain.MsgUrgent, p.Prediction)

	p = e.PredictOptimalMessageType("u", domain.MessageContext{Streak: 5})
	assert.Equal(t, domain.MsgCelebration, p.Prediction)

	p = e.PredictOptimalMessageType("u", domain.MessageContext{TimeOfDay: domain.Morning})
	assert.Equal(t, domain.MsgMotivational, p.Prediction)
}

func TestPredict_LearnedTypeWinsWithConfidence(t *testing.T) {
	e, _, clk := newEngine(t)
	for i := 0; i < 10; i++ {
		e.ProcessFeedback("alice", domain.MsgGentle, completed, nil)
		clk.Advance(time.Minute)
	}
	p := e.PredictOptimalMessageType("alice", domain.MessageContext{TimeOfDay: domain.Afternoon})
	require.Equal(t, domain.MsgGentle, p.Prediction)

	eff := e.Effectiveness("alice", domain.MsgGentle)
	assert.InDelta(t, 0.5*eff, p.Confidence, 1e-9, "10/20 samples × score")
	assert.LessOrEqual(t, p.Confidence, 0.95)
}

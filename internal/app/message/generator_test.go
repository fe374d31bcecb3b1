package message

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/nudge/internal/app/experiment"
	"github.com/tutu-network/nudge/internal/domain"
)

func newGen() *Generator {
	return NewGenerator(rand.New(rand.NewPCG(3, 4)), nil)
}

func TestStreakLevelFor(t *testing.T) {
	assert.Equal(t, StreakLow, StreakLevelFor(0))
	assert.Equal(t, StreakLow, StreakLevelFor(2))
	assert.Equal(t, StreakMedium, StreakLevelFor(3))
	assert.Equal(t, StreakMedium, StreakLevelFor(5))
	assert.Equal(t, StreakHigh, StreakLevelFor(6))
}

func TestGenerate_MotivationalDrawsFromStreakAndTone(t *testing.T) {
	g := newGen()
	ctx := Context{Kind: domain.KindMotivational, Streak: 7, Engagement: 0.8, Tone: experiment.TonePlayful}

	for i := 0; i < 20; i++ {
		m := g.Generate(ctx)
		require.Contains(t, []string{"Legend status", "Streak wizard"}, m.Title)
		assert.Contains(t, m.Body, "7")
		assert.NotContains(t, m.Body, "{streak}")
	}
}

func TestGenerate_DirectToneSoftenedForDisengagedUsers(t *testing.T) {
	g := newGen()
	ctx := Context{Kind: domain.KindMotivational, Streak: 1, Engagement: 0.1, Tone: experiment.ToneDirect}

	for i := 0; i < 20; i++ {
		m := g.Generate(ctx)
		assert.Contains(t, []string{"Small steps count", "Fresh start"}, m.Title)
	}
}

func TestGenerate_UnknownToneFallsBackToEncouraging(t *testing.T) {
	m := newGen().Generate(Context{Kind: domain.KindMotivational, Streak: 4, Engagement: 0.5, Tone: "sarcastic"})
	assert.Contains(t, []string{"4 in a row", "Nice rhythm"}, m.Title)
}

func TestGenerate_ContextualUsesPriorityAndTime(t *testing.T) {
	m := newGen().Generate(Context{
		Kind:      domain.KindContextual,
		Priority:  domain.PriorityHigh,
		TimeOfDay: domain.Morning,
		TaskTitle: "File taxes",
	})
	assert.Equal(t, "Start with the big one", m.Title)
	assert.True(t, strings.HasPrefix(m.Body, "File taxes"))
}

func TestGenerate_Intervention(t *testing.T) {
	m := newGen().Generate(Context{Kind: domain.KindIntervention, Risk: domain.RiskHigh})
	assert.Contains(t, []string{"Let's get unstuck", "Time to reset"}, m.Title)
}

func TestGenerate_CelebrationOverride(t *testing.T) {
	m := newGen().Generate(Context{Kind: domain.KindMotivational, Streak: 4, Engagement: 0.5, Type: domain.MsgCelebration})
	assert.Contains(t, []string{"Look at you go", "Streak celebration"}, m.Title)
}

func TestGenerate_InvalidInputFallsBackToGeneric(t *testing.T) {
	g := newGen()
	cases := []Context{
		{Kind: "carrier_pigeon"},
		{Kind: domain.KindMotivational, Streak: -1},
		{Kind: domain.KindMotivational, Engagement: 1.5},
		{Kind: domain.KindContextual, Priority: "urgent!!", TimeOfDay: domain.Morning},
		{Kind: domain.KindContextual, Priority: domain.PriorityLow},
		{Kind: domain.KindIntervention, Risk: domain.RiskLow},
	}
	for _, c := range cases {
		assert.Equal(t, Generic, g.Generate(c), "%+v", c)
	}
}

func TestLibrary_Complete(t *testing.T) {
	for _, lvl := range []StreakLevel{StreakLow, StreakMedium, StreakHigh} {
		for _, tone := range allTones() {
			assert.NotEmpty(t, motivational[lvl][tone], "%s/%s", lvl, tone)
		}
	}
	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh} {
		for _, tod := range []domain.TimeOfDay{domain.Morning, domain.Afternoon, domain.Evening, domain.Night} {
			assert.NotEmpty(t, contextual[p][tod], "%s/%s", p, tod)
		}
	}
}

func allTones() []string {
	return experiment.DefaultExperiments()[experiment.MessageTone]
}

// Package message turns nudge context into a (title, body) pair drawn from a
// fixed copy library.
package message

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/app/experiment"
	"github.com/tutu-network/nudge/internal/domain"
)

// StreakLevel buckets a completion streak.
type StreakLevel string

const (
	StreakLow    StreakLevel = "low"    // ≤ 2
	StreakMedium StreakLevel = "medium" // ≤ 5
	StreakHigh   StreakLevel = "high"   // > 5
)

// StreakLevelFor buckets n.
func StreakLevelFor(n int) StreakLevel {
	switch {
	case n <= 2:
		return StreakLow
	case n <= 5:
		return StreakMedium
	default:
		return StreakHigh
	}
}

// Message is a rendered nudge.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Generic is the fallback pair for input that fails validation.
var Generic = Message{Title: "Task reminder", Body: "You have tasks waiting for you."}

// Context is the generator input.
type Context struct {
	Kind       domain.NudgeKind
	Streak     int
	Engagement float64
	TimeOfDay  domain.TimeOfDay
	Priority   domain.Priority
	Tone       string             // message_tone variant
	Risk       domain.Risk        // interventions only
	Type       domain.MessageType // learned message type, optional
	TaskTitle  string             // contextual only
}

// Validate checks the fields the chosen kind needs.
func (c Context) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidKind, c.Kind)
	}
	if c.Streak < 0 || c.Engagement < 0 || c.Engagement > 1 {
		return fmt.Errorf("%w: streak=%d engagement=%.2f", domain.ErrInvalidContext, c.Streak, c.Engagement)
	}
	switch c.Kind {
	case domain.KindContextual:
		if !c.Priority.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidPriority, c.Priority)
		}
		if !c.TimeOfDay.Valid() {
			return fmt.Errorf("%w: time of day %q", domain.ErrInvalidContext, c.TimeOfDay)
		}
	case domain.KindIntervention:
		if c.Risk != domain.RiskMedium && c.Risk != domain.RiskHigh {
			return fmt.Errorf("%w: intervention risk %q", domain.ErrInvalidContext, c.Risk)
		}
	}
	return nil
}

// Generator renders messages. Random choice among equally ranked candidates
// uses an injectable source.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
	log *zap.Logger
}

// NewGenerator creates a generator. A nil rng uses a randomly seeded source.
func NewGenerator(rng *rand.Rand, log *zap.Logger) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{rng: rng, log: log}
}

// Generate renders ctx. Invalid input yields Generic.
func (g *Generator) Generate(ctx Context) Message {
	if err := ctx.Validate(); err != nil {
		g.log.Warn("message context invalid, using generic reminder", zap.Error(err))
		return Generic
	}

	var candidates []Message
	switch ctx.Kind {
	case domain.KindMotivational:
		candidates = motivational[StreakLevelFor(ctx.Streak)][g.tone(ctx)]
		if ctx.Type == domain.MsgCelebration && ctx.Streak > 3 {
			candidates = celebration
		}
	case domain.KindContextual:
		candidates = contextual[ctx.Priority][ctx.TimeOfDay]
	case domain.KindIntervention:
		candidates = intervention[ctx.Risk]
	}
	if len(candidates) == 0 {
		return Generic
	}

	g.mu.Lock()
	m := candidates[g.rng.IntN(len(candidates))]
	g.mu.Unlock()

	return render(m, ctx)
}

// tone resolves the tone variant. Disengaged users never get the direct
// tone.
func (g *Generator) tone(ctx Context) string {
	tone := ctx.Tone
	switch tone {
	case experiment.ToneEncouraging, experiment.ToneDirect, experiment.TonePlayful:
	default:
		tone = experiment.ToneEncouraging
	}
	if tone == experiment.ToneDirect && ctx.Engagement < 0.3 {
		tone = experiment.ToneEncouraging
	}
	return tone
}

// render substitutes {streak} and {task}.
func render(m Message, ctx Context) Message {
	task := strings.TrimSpace(ctx.TaskTitle)
	if task == "" {
		task = "your next task"
	}
	r := strings.NewReplacer("{streak}", fmt.Sprint(ctx.Streak), "{task}", task)
	return Message{Title: r.Replace(m.Title), Body: r.Replace(m.Body)}
}

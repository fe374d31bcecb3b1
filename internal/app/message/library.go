package message

import (
	"github.com/tutu-network/nudge/internal/app/experiment"
	"github.com/tutu-network/nudge/internal/domain"
)

// ─── Copy Library ───────────────────────────────────────────────────────────

// motivational is indexed by [streak level][tone].
var motivational = map[StreakLevel]map[string][]Message{
	StreakLow: {
		experiment.ToneEncouraging: {
			{"Small steps count", "Pick one quick task and get the ball rolling."},
			{"Fresh start", "Every streak starts with a single task. Ready?"},
		},
		experiment.ToneDirect: {
			{"Time to start", "Open your list and finish one task now."},
			{"One task", "Choose a task. Do it. Done."},
		},
		experiment.TonePlayful: {
			{"Your tasks miss you", "They've been waiting patiently. Say hi to one?"},
			{"Warm-up round", "Knock out an easy one to stretch those productivity muscles."},
		},
	},
	StreakMedium: {
		experiment.ToneEncouraging: {
			{"{streak} in a row", "You're building momentum. Keep it going today."},
			{"Nice rhythm", "{streak} tasks strong. One more keeps the streak alive."},
		},
		experiment.ToneDirect: {
			{"Keep the streak", "{streak} done. Finish the next one before it slips."},
			{"Don't stop now", "Streak at {streak}. Next task, please."},
		},
		experiment.TonePlayful: {
			{"On a roll", "{streak} tasks and counting. Who's unstoppable? You."},
			{"Combo x{streak}", "Keep the combo going for bonus bragging rights."},
		},
	},
	StreakHigh: {
		experiment.ToneEncouraging: {
			{"{streak}-task streak!", "Your consistency is paying off. Keep showing up."},
			{"Seriously impressive", "{streak} in a row. You've made this a habit."},
		},
		experiment.ToneDirect: {
			{"Protect the streak", "{streak} and counting. Don't break it today."},
			{"Stay on it", "Streak: {streak}. Finish today's task."},
		},
		experiment.TonePlayful: {
			{"Legend status", "{streak} straight. The to-do list fears you."},
			{"Streak wizard", "{streak} tasks deep. Cast another one?"},
		},
	},
}

// celebration replaces motivational copy when the learned type is celebration.
var celebration = []Message{
	{"Look at you go", "{streak} completions in a row. Take a moment to enjoy it."},
	{"Streak celebration", "{streak} tasks done back to back. That's worth celebrating."},
}

// contextual is indexed by [priority][time of day].
var contextual = map[domain.Priority]map[domain.TimeOfDay][]Message{
	domain.PriorityHigh: {
		domain.Morning:   {{"Start with the big one", "{task} is high priority. Tackle it while you're fresh."}},
		domain.Afternoon: {{"High priority waiting", "{task} still needs you this afternoon."}},
		domain.Evening:   {{"Before the day ends", "{task} is high priority. A focused half hour could close it."}},
		domain.Night:     {{"Tomorrow's first move", "{task} is high priority. Plan it for first thing."}},
	},
	domain.PriorityMedium: {
		domain.Morning:   {{"Morning plan", "{task} would fit nicely into your morning."}},
		domain.Afternoon: {{"Afternoon check-in", "Got a moment for {task}?"}},
		domain.Evening:   {{"Evening wrap-up", "{task} could be a satisfying way to close the day."}},
		domain.Night:     {{"Queued for tomorrow", "{task} will be waiting when you're ready."}},
	},
	domain.PriorityLow: {
		domain.Morning:   {{"Quick win", "{task} is a quick one if you have a spare minute."}},
		domain.Afternoon: {{"When you have a minute", "{task} is on your list, no rush."}},
		domain.Evening:   {{"Low-key reminder", "{task} whenever it suits you."}},
		domain.Night:     {{"No rush", "{task} can wait until tomorrow."}},
	},
}

// intervention is indexed by procrastination risk.
var intervention = map[domain.Risk][]Message{
	domain.RiskMedium: {
		{"Checking in", "It's been a little while. Want to pick something small from your list?"},
		{"Gentle nudge", "Your tasks are still here when you're ready. Five minutes is enough."},
	},
	domain.RiskHigh: {
		{"Let's get unstuck", "It's been a few days. Choose the easiest task and start there."},
		{"Time to reset", "No judgement. Pick one task, set a 10 minute timer, go."},
	},
}

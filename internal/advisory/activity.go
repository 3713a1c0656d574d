package advisory

import (
	"strings"

	"github.com/kjstillabower/rain-advisory-service/internal/models"
)

// Activity is an activity tag supplied by the client.
type Activity string

const (
	ActivityNone        Activity = "none"
	ActivityRun         Activity = "run"
	ActivityHangLaundry Activity = "hang_laundry"
	ActivityPicnic      Activity = "picnic"
	ActivityBikeCommute Activity = "bike_commute"
)

// Scores returned by Score.
const (
	ScoreBad   = 0
	ScoreFair  = 1
	ScoreIdeal = 2
)

const (
	NoActivityText = "No activity selected."
	ErrorText      = "Error analyzing"
)

// ParseActivity normalizes a client tag. Empty and unknown tags map to ActivityNone.
func ParseActivity(s string) Activity {
	a := Activity(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := activityRules[a]; ok {
		return a
	}
	return ActivityNone
}

// Known reports whether a has a rule chain.
func (a Activity) Known() bool {
	_, ok := activityRules[a]
	return ok
}

// conditions are the block fields the rules look at.
type conditions struct {
	rainMM    float64
	feelsLike float64
	humidity  float64
	wind      float64
	pop       float64
}

type rule struct {
	when  func(c conditions) bool
	text  string
	score int
}

type ruleChain struct {
	rules []rule
	ideal string
}

// activityRules holds the ordered rule chain per activity; the first matching
// rule wins and ideal applies when none match.
var activityRules = map[Activity]ruleChain{
	ActivityRun: {
		rules: []rule{
			{func(c conditions) bool { return c.rainMM > 0.5 }, "Bad for a run (Rain)", ScoreBad},
			{func(c conditions) bool { return c.feelsLike > 32 }, "Challenging (Heat)", ScoreFair},
			{func(c conditions) bool { return c.feelsLike < 5 }, "Challenging (Cold)", ScoreFair},
		},
		ideal: "It's a great day for a run!",
	},
	ActivityHangLaundry: {
		rules: []rule{
			{func(c conditions) bool { return c.rainMM > 0 }, "Don't hang laundry (Rain)", ScoreBad},
			{func(c conditions) bool { return c.humidity > 85 }, "Not ideal (High humidity)", ScoreFair},
			{func(c conditions) bool { return c.wind > 30 }, "Risky (High winds)", ScoreFair},
		},
		ideal: "Perfect day to hang laundry!",
	},
	ActivityPicnic: {
		rules: []rule{
			{func(c conditions) bool { return c.rainMM > 0.1 }, "Bad for a picnic (Rain)", ScoreBad},
			{func(c conditions) bool { return c.wind > 25 }, "Not ideal (Too windy)", ScoreFair},
			{func(c conditions) bool { return c.feelsLike > 35 || c.feelsLike < 10 }, "Uncomfortable (Temp)", ScoreFair},
		},
		ideal: "Looks like a great day for a picnic!",
	},
	ActivityBikeCommute: {
		rules: []rule{
			{func(c conditions) bool { return c.rainMM > 1 }, "Bad for biking (Heavy rain)", ScoreBad},
			{func(c conditions) bool { return c.wind > 35 }, "Difficult (Strong winds)", ScoreFair},
			{func(c conditions) bool { return c.pop > 0.5 }, "Risky (High chance of rain)", ScoreFair},
		},
		ideal: "Looks clear for your commute!",
	},
}

// Score evaluates block for activity and returns a recommendation with a score
// in {0,1,2}. An incomplete block yields ErrorText with score 0; an unknown
// activity yields NoActivityText with score 0. Score never fails.
func Score(activity Activity, block models.ForecastBlock) (string, int) {
	if !block.Complete() {
		return ErrorText, ScoreBad
	}
	chain, ok := activityRules[activity]
	if !ok {
		return NoActivityText, ScoreBad
	}
	c := conditions{
		rainMM:    block.RainMM(),
		feelsLike: block.Main.FeelsLike,
		humidity:  block.Main.Humidity,
		wind:      block.Wind.Speed,
		pop:       block.Pop,
	}
	for _, r := range chain.rules {
		if r.when(c) {
			return r.text, r.score
		}
	}
	return chain.ideal, ScoreIdeal
}

// Package intervention maps doomscores to discrete escalation levels and
// decides when a display should fire. The mapping is a closed transition
// table over sensitivity-scaled thresholds; hysteresis lives in the trigger
// rule, not the mapping.
package intervention

import "fmt"

// Level is the escalation tier of the on-page response.
type Level int

const (
	None     Level = iota // no intervention
	Subtle                // border tint, peripheral cue
	Notify                // dismissible time-check notification
	Pause                 // full-screen breathing pause
	Redirect              // countdown redirect to a calm site
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Subtle:
		return "subtle"
	case Notify:
		return "notify"
	case Pause:
		return "pause"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Sensitivity scales the score thresholds. Low sensitivity raises them,
// high lowers them.
type Sensitivity string

const (
	Low    Sensitivity = "low"
	Medium Sensitivity = "medium"
	High   Sensitivity = "high"
)

// Multiplier returns the threshold multiplier for s. Unknown values behave
// as medium.
func (s Sensitivity) Multiplier() float64 {
	switch s {
	case Low:
		return 1.2
	case High:
		return 0.8
	default:
		return 1.0
	}
}

// bands is the transition table, checked highest first. A score lands in the
// first band whose scaled base threshold it reaches.
var bands = []struct {
	Base  float64
	Level Level
}{
	{85, Redirect},
	{70, Pause},
	{50, Notify},
	{30, Subtle},
}

// LevelFor maps (score, sensitivity) to a level. Pure.
func LevelFor(score int, sens Sensitivity) Level {
	m := sens.Multiplier()
	for _, b := range bands {
		if float64(score) >= b.Base*m {
			return b.Level
		}
	}
	return None
}

// Decide returns the level for score and whether a display should fire.
// The trigger rule is hysteresis by level identity: a non-zero level fires
// only when it differs from the last shown level, so a stable score never
// re-fires while any change of band, downward included, does. The learning
// phase suppresses all triggering; callers must not update their last-shown
// level when trigger is false.
func Decide(score int, sens Sensitivity, last Level, learningPhase bool) (level Level, trigger bool) {
	level = LevelFor(score, sens)
	if learningPhase {
		return level, false
	}
	return level, level > None && level != last
}

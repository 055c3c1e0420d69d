// Package score turns accumulated session signals into a 0-100 doomscore.
// The arithmetic is pure and reproducible given a fixed sentiment oracle;
// oracle failures degrade a sample's contribution to zero instead of failing
// the session pipeline.
package score

import (
	"context"
	"math"
	"time"

	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
)

const (
	// Factor weights in the combined score.
	timeWeight       = 0.4
	negativityWeight = 0.3
	compulsionWeight = 0.3

	// Time factor saturates at 30 minutes on a domain.
	saturationMinutes = 30.0

	// rapidScrollThreshold is the velocity (position units per millisecond)
	// above which a scroll transition counts as rapid.
	rapidScrollThreshold = 2.0

	// minScrollEvents is the floor under which scroll behavior carries no
	// compulsion signal.
	minScrollEvents = 5
)

// SentimentOracle scores the negativity of one text sample in [0,1].
// Implementations reach an external service and are treated as opaque.
type SentimentOracle interface {
	Negativity(ctx context.Context, text string) (float64, error)
}

// Engine computes doomscores for session snapshots.
type Engine struct {
	oracle SentimentOracle
	logger logging.Logger
}

// NewEngine returns an Engine using the given oracle. A nil oracle is valid:
// every sample then contributes zero negativity.
func NewEngine(oracle SentimentOracle, logger logging.Logger) *Engine {
	return &Engine{
		oracle: oracle,
		logger: logger.With(logging.Field{Key: "component", Value: "score"}),
	}
}

// Compute returns the combined doomscore for a session snapshot. Sessions
// with no content samples always score zero, regardless of time spent or
// scroll activity.
func (e *Engine) Compute(ctx context.Context, timeSpent time.Duration, contentSamples []string, scrollEvents []model.ScrollEvent) int {
	if len(contentSamples) == 0 {
		return 0
	}

	tf := TimeFactor(timeSpent)
	nf := e.negativityFactor(ctx, contentSamples)
	cf := CompulsionFactor(scrollEvents)

	return int(math.Round((tf*timeWeight + nf*negativityWeight + cf*compulsionWeight) * 100))
}

// TimeFactor maps time spent to [0,1], saturating at 30 minutes.
func TimeFactor(timeSpent time.Duration) float64 {
	return math.Min(timeSpent.Minutes()/saturationMinutes, 1)
}

// CompulsionFactor derives a [0,1] compulsion signal from scroll dynamics.
// Fewer than five events carry no signal. The average velocity is the summed
// transition velocity divided by the event count, not the transition count;
// that keeps parity with the recorded scoring behavior this replaces.
func CompulsionFactor(events []model.ScrollEvent) float64 {
	if len(events) < minScrollEvents {
		return 0
	}

	rapidScrolls := 0
	totalVelocity := 0.0
	for i := 1; i < len(events); i++ {
		timeDiff := events[i].Timestamp.Sub(events[i-1].Timestamp)
		if timeDiff <= 0 {
			continue
		}
		positionDiff := math.Abs(events[i].Position - events[i-1].Position)
		velocity := positionDiff / (float64(timeDiff) / float64(time.Millisecond))
		totalVelocity += velocity
		if velocity > rapidScrollThreshold {
			rapidScrolls++
		}
	}

	avgVelocity := totalVelocity / float64(len(events))
	rapidScrollRatio := float64(rapidScrolls) / float64(len(events))

	return math.Min(avgVelocity*0.3+rapidScrollRatio*0.7, 1)
}

// negativityFactor averages per-sample oracle scores; an unreachable oracle
// contributes zero for that sample.
func (e *Engine) negativityFactor(ctx context.Context, samples []string) float64 {
	if len(samples) == 0 {
		return 0
	}

	sum := 0.0
	for _, sample := range samples {
		if e.oracle == nil {
			continue
		}
		negativity, err := e.oracle.Negativity(ctx, sample)
		if err != nil {
			e.logger.Warn("sentiment oracle unavailable", logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		sum += clamp01(negativity)
	}
	return sum / float64(len(samples))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

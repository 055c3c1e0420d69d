package score

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/testutil"
)

// eventsAt builds n scroll events spaced at interval with the given position
// step per event.
func eventsAt(n int, interval time.Duration, step float64) []model.ScrollEvent {
	events := make([]model.ScrollEvent, n)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range events {
		events[i] = model.ScrollEvent{
			Timestamp: base.Add(time.Duration(i) * interval),
			Position:  float64(i) * step,
		}
	}
	return events
}

func TestComputeNoContentSamplesScoresZero(t *testing.T) {
	engine := NewEngine(&testutil.DummyOracle{Negativity64: 1}, &testutil.DummyLogger{})

	got := engine.Compute(context.Background(), 2*time.Hour, nil, eventsAt(50, time.Second, 5000))
	if got != 0 {
		t.Fatalf("Compute with no content samples = %d, want 0", got)
	}
}

func TestTimeFactor(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want float64
	}{
		{"zero", 0, 0},
		{"half saturation", 15 * time.Minute, 0.5},
		{"at saturation", 30 * time.Minute, 1},
		{"beyond saturation", 2 * time.Hour, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeFactor(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("TimeFactor(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestComputeTimeOnlySaturates(t *testing.T) {
	// Neutral oracle, too few scroll events for a compulsion signal: the
	// score is the time factor alone.
	engine := NewEngine(&testutil.DummyOracle{}, &testutil.DummyLogger{})

	got := engine.Compute(context.Background(), time.Hour, []string{"some sampled text"}, nil)
	if got != 40 {
		t.Fatalf("Compute(1h, neutral content) = %d, want 40", got)
	}
}

func TestComputeNegativityOnly(t *testing.T) {
	engine := NewEngine(&testutil.DummyOracle{Negativity64: 1}, &testutil.DummyLogger{})

	got := engine.Compute(context.Background(), 0, []string{"doom", "gloom"}, nil)
	if got != 30 {
		t.Fatalf("Compute(0s, fully negative content) = %d, want 30", got)
	}
}

func TestComputeOracleFailureContributesZero(t *testing.T) {
	oracle := &testutil.DummyOracle{Err: errors.New("connection refused")}
	engine := NewEngine(oracle, &testutil.DummyLogger{})

	got := engine.Compute(context.Background(), 0, []string{"text"}, nil)
	if got != 0 {
		t.Fatalf("Compute with failing oracle = %d, want 0", got)
	}
}

func TestCompulsionFactorFewEventsNoSignal(t *testing.T) {
	if got := CompulsionFactor(eventsAt(4, time.Second, 10000)); got != 0 {
		t.Fatalf("CompulsionFactor(4 events) = %v, want 0", got)
	}
}

func TestCompulsionFactorAveragesOverEventCount(t *testing.T) {
	// Five events, four transitions of 1000px per second: each transition
	// velocity is 1.0 px/ms, none rapid. The average divides the summed
	// transition velocities by the event count, so 4.0/5 = 0.8 and the
	// factor is 0.8*0.3 = 0.24.
	events := eventsAt(5, time.Second, 1000)

	got := CompulsionFactor(events)
	if math.Abs(got-0.24) > 1e-9 {
		t.Fatalf("CompulsionFactor = %v, want 0.24", got)
	}
}

func TestCompulsionFactorRapidScrollingSaturates(t *testing.T) {
	// 3000px per second is 3.0 px/ms per transition, all rapid:
	// avg 12/5 = 2.4, ratio 4/5 = 0.8, 2.4*0.3 + 0.8*0.7 = 1.28, clamped.
	events := eventsAt(5, time.Second, 3000)

	got := CompulsionFactor(events)
	if got != 1 {
		t.Fatalf("CompulsionFactor(rapid) = %v, want 1", got)
	}
}

func TestCompulsionFactorSkipsZeroTimeDeltas(t *testing.T) {
	events := eventsAt(5, time.Second, 1000)
	// Duplicate timestamp: transition must be skipped, not divide by zero.
	events[2].Timestamp = events[1].Timestamp

	got := CompulsionFactor(events)
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("CompulsionFactor with duplicate timestamps = %v", got)
	}
}

func TestNilOracleScoresZeroNegativity(t *testing.T) {
	engine := NewEngine(nil, &testutil.DummyLogger{})

	got := engine.Compute(context.Background(), 0, []string{"text"}, nil)
	if got != 0 {
		t.Fatalf("Compute with nil oracle = %d, want 0", got)
	}
}

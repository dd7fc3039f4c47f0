package trust

import (
	"testing"

	"github.com/kestrelbot/kestrel/pkg/config"
)

type staticSource struct {
	cfg *config.Config
}

func (s staticSource) Current() *config.Config { return s.cfg }

func newEvaluator(known map[string]float64, def float64) *Evaluator {
	cfg := config.DefaultConfig()
	cfg.Trust.Default = def
	cfg.Trust.Known = known
	return NewEvaluator(staticSource{cfg: cfg})
}

func TestLevelFromScoreThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  Level
	}{
		{0.0, LevelLow},
		{0.3, LevelLow},
		{0.4, LevelLow},
		{0.41, LevelModerate},
		{0.7, LevelModerate},
		{0.71, LevelHigh},
		{0.89, LevelHigh},
		{0.9, LevelTrusted},
		{1.0, LevelTrusted},
	}
	for _, tc := range cases {
		if got := LevelFromScore(tc.score); got != tc.want {
			t.Errorf("LevelFromScore(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestLevelMonotonic(t *testing.T) {
	prev := LevelLow
	for i := 0; i <= 100; i++ {
		level := LevelFromScore(float64(i) / 100)
		if level < prev {
			t.Fatalf("level decreased at score %v: %s < %s", float64(i)/100, level, prev)
		}
		prev = level
	}
}

func TestScoreUsesOverride(t *testing.T) {
	e := newEvaluator(map[string]float64{"skye": 1.0}, 0.3)
	if got := e.Score("skye"); got != 1.0 {
		t.Fatalf("Score(skye) = %v, want 1.0", got)
	}
	if got := e.Level("skye"); got != LevelTrusted {
		t.Fatalf("Level(skye) = %s, want trusted", got)
	}
}

func TestScoreFallsBackToDefault(t *testing.T) {
	e := newEvaluator(map[string]float64{"skye": 1.0}, 0.3)
	if got := e.Score("unknown"); got != 0.3 {
		t.Fatalf("Score(unknown) = %v, want 0.3", got)
	}
	if got := e.Level("unknown"); got != LevelLow {
		t.Fatalf("Level(unknown) = %s, want low", got)
	}
}

func TestScoreCaseInsensitive(t *testing.T) {
	e := newEvaluator(map[string]float64{"skye": 0.8}, 0.3)
	if got := e.Score("SKYE"); got != 0.8 {
		t.Fatalf("Score(SKYE) = %v, want 0.8", got)
	}
}

func TestScoreClampsOutOfRange(t *testing.T) {
	e := newEvaluator(map[string]float64{"broken": 1.5}, 0.3)
	if got := e.Score("broken"); got != 1.0 {
		t.Fatalf("Score(broken) = %v, want clamped 1.0", got)
	}
}

func TestInstructionsDistinctPerLevel(t *testing.T) {
	seen := map[string]Level{}
	for _, level := range []Level{LevelLow, LevelModerate, LevelHigh, LevelTrusted} {
		text := Instructions(level)
		if text == "" {
			t.Fatalf("Instructions(%s) is empty", level)
		}
		if other, dup := seen[text]; dup {
			t.Fatalf("Instructions(%s) identical to Instructions(%s)", level, other)
		}
		seen[text] = level
	}
}

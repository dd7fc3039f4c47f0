// Package trust scores message authors and buckets the score into discrete
// levels that drive behavioral gating. Scoring is pure: trust state changes
// only through configuration reloads, never as a side effect of evaluation.
package trust

import (
	"strings"

	"github.com/kestrelbot/kestrel/pkg/config"
)

// Level is the ordered trust bucket derived from a score.
type Level int

const (
	LevelLow Level = iota
	LevelModerate
	LevelHigh
	LevelTrusted
)

func (l Level) String() string {
	switch l {
	case LevelTrusted:
		return "trusted"
	case LevelHigh:
		return "high"
	case LevelModerate:
		return "moderate"
	default:
		return "low"
	}
}

// LevelFromScore applies the fixed thresholds. The buckets are deliberately
// asymmetric: trusted requires near-certainty while low is the wide default,
// so unverified authors land in the most restrictive behavior.
func LevelFromScore(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelTrusted
	case score > 0.7:
		return LevelHigh
	case score > 0.4:
		return LevelModerate
	default:
		return LevelLow
	}
}

// Source supplies the active configuration snapshot.
type Source interface {
	Current() *config.Config
}

type Evaluator struct {
	source Source
}

func NewEvaluator(source Source) *Evaluator {
	return &Evaluator{source: source}
}

// Score returns the author's configured override, or the configured default
// for unknown authors. Lookup is case-insensitive. Results are clamped to
// [0,1] so a hand-edited config cannot leak an out-of-range score.
func (e *Evaluator) Score(author string) float64 {
	cfg := e.source.Current()
	needle := strings.ToLower(strings.TrimSpace(author))
	if needle != "" {
		if score, ok := cfg.Trust.Known[needle]; ok {
			return clamp01(score)
		}
		for name, score := range cfg.Trust.Known {
			if strings.ToLower(name) == needle {
				return clamp01(score)
			}
		}
	}
	return clamp01(cfg.Trust.Default)
}

// Level is a convenience for LevelFromScore(Score(author)).
func (e *Evaluator) Level(author string) Level {
	return LevelFromScore(e.Score(author))
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

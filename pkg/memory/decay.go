package memory

import (
	"math"
	"time"

	"github.com/kestrelbot/kestrel/pkg/config"
)

// DecayPolicy holds the salience constants for one configuration snapshot.
type DecayPolicy struct {
	halfLives map[string]time.Duration
	Floor     float64
	Increment float64
	Cap       float64
}

const fallbackTag = "default"

func PolicyFromConfig(cfg config.MemoryConfig) DecayPolicy {
	halfLives := make(map[string]time.Duration, len(cfg.HalfLifeHours))
	for tag, hours := range cfg.HalfLifeHours {
		halfLives[tag] = time.Duration(hours * float64(time.Hour))
	}
	return DecayPolicy{
		halfLives: halfLives,
		Floor:     cfg.RetentionFloor,
		Increment: cfg.ReinforcementIncrement,
		Cap:       cfg.WeightCap,
	}
}

// HalfLife returns the decay half-life for a tag. Unknown tags decay at the
// default tier's rate; zero means the tier never decays.
func (p DecayPolicy) HalfLife(tag string) time.Duration {
	if hl, ok := p.halfLives[tag]; ok {
		return hl
	}
	if hl, ok := p.halfLives[fallbackTag]; ok {
		return hl
	}
	return 7 * 24 * time.Hour
}

// effectiveWeight folds elapsed-time decay into an entry's weight:
// weight * 2^(-elapsed/halfLife), anchored at the later of the entry's
// recall and decay timestamps. Pure; callers decide whether to persist.
func (p DecayPolicy) effectiveWeight(e Entry, now time.Time) float64 {
	hl := p.HalfLife(e.Tag)
	if hl <= 0 {
		return e.Weight
	}
	anchor := e.DecayedAt
	if e.LastRecalledAt.After(anchor) {
		anchor = e.LastRecalledAt
	}
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		return e.Weight
	}
	return e.Weight * math.Exp2(-float64(elapsed)/float64(hl))
}

// corrupt reports an invariant violation that warrants eviction.
func corrupt(e Entry) bool {
	return e.Weight < 0 || math.IsNaN(e.Weight) || math.IsInf(e.Weight, 0)
}

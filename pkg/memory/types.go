package memory

import "time"

// Entry is a single memory record. Content is immutable after insertion;
// superseded memories are new entries. Only weight and the recall/decay
// anchors mutate, and they always move together.
type Entry struct {
	ID             string
	Content        string
	Tag            string
	ContentHash    string
	CreatedAt      time.Time
	Weight         float64
	LastRecalledAt time.Time
	// DecayedAt is the time decay was last folded into Weight. It trails
	// LastRecalledAt so repeated sweeps never double-penalize an entry.
	DecayedAt time.Time
}

// RecallQuery selects entries by tag and/or lexical match against content.
type RecallQuery struct {
	Text       string
	Tag        string
	MaxResults int
}

// SweepStats summarizes one decay sweep.
type SweepStats struct {
	Scanned int
	Decayed int
	Evicted int
	Corrupt int
}

// TagStat is a per-tag count/weight aggregate for inspection tooling.
type TagStat struct {
	Tag         string
	Count       int
	TotalWeight float64
}

package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kestrelbot/kestrel/pkg/config"
)

type staticSource struct {
	cfg *config.Config
}

func (s staticSource) Current() *config.Config { return s.cfg }

func newTestService(t *testing.T, mutate func(*config.Config)) (*Service, *time.Time) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := NewService(t.TempDir(), staticSource{cfg: cfg})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc.nowFn = func() time.Time { return *clock }
	return svc, clock
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestInsertRejectsEmptyContent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.Insert(context.Background(), "   ", "default"); err != ErrEmptyContent {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestInsertStartsAtFullWeight(t *testing.T) {
	svc, _ := newTestService(t, nil)
	e, err := svc.Insert(context.Background(), "the deploy key lives in the vault", "crucial")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if e.Weight != 1.0 {
		t.Fatalf("new entry weight = %v, want 1.0", e.Weight)
	}
	if e.Tag != "crucial" {
		t.Fatalf("tag = %q, want crucial", e.Tag)
	}
	if e.ID == "" {
		t.Fatal("entry ID is empty")
	}
}

func TestInsertDeduplicatesByContent(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.Insert(ctx, "Skye prefers short answers", "default")
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	// Within the cooldown window: same entry back, no store round trip.
	second, err := svc.Insert(ctx, "Skye prefers short answers", "default")
	if err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate got new ID %s, want %s", second.ID, first.ID)
	}

	// Past the cooldown the persistent hash index still deduplicates.
	*clock = clock.Add(time.Minute)
	third, err := svc.Insert(ctx, "skye prefers short answers", "default")
	if err != nil {
		t.Fatalf("late duplicate insert failed: %v", err)
	}
	if third.ID != first.ID {
		t.Fatalf("late duplicate got new ID %s, want %s", third.ID, first.ID)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	if total != 1 {
		t.Fatalf("stored entries = %d, want 1", total)
	}
}

func TestDecayHalvesWeightPerHalfLife(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "scratch note about the meeting", "ephemeral"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Ephemeral half-life is 24h; two days later the weight is a quarter.
	sweepAt := clock.Add(48 * time.Hour)
	stats, err := svc.DecaySweep(ctx, sweepAt)
	if err != nil {
		t.Fatalf("DecaySweep failed: %v", err)
	}
	if stats.Decayed != 1 {
		t.Fatalf("decayed = %d, want 1", stats.Decayed)
	}

	entries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !approx(entries[0].Weight, 0.25) {
		t.Fatalf("weight after two half-lives = %v, want 0.25", entries[0].Weight)
	}
}

func TestDecaySweepIsIdempotent(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "short lived observation", "ephemeral"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	sweepAt := clock.Add(12 * time.Hour)
	if _, err := svc.DecaySweep(ctx, sweepAt); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	entries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	before := entries[0].Weight

	stats, err := svc.DecaySweep(ctx, sweepAt)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if stats.Decayed != 0 {
		t.Fatalf("second sweep decayed %d entries, want 0", stats.Decayed)
	}
	entries, err = svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !approx(entries[0].Weight, before) {
		t.Fatalf("weight changed across idempotent sweep: %v -> %v", before, entries[0].Weight)
	}
}

func TestCoreMemoriesNeverDecay(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "operator name is Skye", "core"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stats, err := svc.DecaySweep(ctx, clock.Add(365*24*time.Hour))
	if err != nil {
		t.Fatalf("DecaySweep failed: %v", err)
	}
	if stats.Decayed != 0 || stats.Evicted != 0 {
		t.Fatalf("core entry touched by sweep: %+v", stats)
	}
	entries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if entries[0].Weight != 1.0 {
		t.Fatalf("core weight = %v, want 1.0", entries[0].Weight)
	}
}

func TestSweepEvictsBelowRetentionFloor(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "transient detail", "ephemeral"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Five 24h half-lives bring 1.0 down to ~0.031, under the 0.05 floor.
	stats, err := svc.DecaySweep(ctx, clock.Add(5*24*time.Hour))
	if err != nil {
		t.Fatalf("DecaySweep failed: %v", err)
	}
	if stats.Evicted != 1 {
		t.Fatalf("evicted = %d, want 1", stats.Evicted)
	}
	entries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after eviction = %d, want 0", len(entries))
	}
}

func TestRecallReinforcesReturnedEntries(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "the backup job runs at midnight", "ephemeral"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	*clock = clock.Add(24 * time.Hour)
	got, err := svc.Recall(ctx, RecallQuery{Text: "backup job"})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recalled %d entries, want 1", len(got))
	}
	// One half-life of decay (0.5) plus the reinforcement increment.
	if !approx(got[0].Weight, 0.6) {
		t.Fatalf("reinforced weight = %v, want 0.6", got[0].Weight)
	}
	if !got[0].LastRecalledAt.Equal(*clock) {
		t.Fatalf("LastRecalledAt = %v, want %v", got[0].LastRecalledAt, *clock)
	}

	entries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !approx(entries[0].Weight, 0.6) {
		t.Fatalf("persisted weight = %v, want 0.6", entries[0].Weight)
	}
}

func TestRecallReinforcementRespectsCap(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "fresh fact about the fleet", "core"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := svc.Recall(ctx, RecallQuery{Text: "fleet"})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if got[0].Weight != 1.0 {
		t.Fatalf("weight above cap: %v", got[0].Weight)
	}
}

func TestRecallRanksByEffectiveWeight(t *testing.T) {
	svc, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "alpha cluster runs postgres", "core"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := svc.Insert(ctx, "alpha cluster had a blip today", "ephemeral"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	*clock = clock.Add(24 * time.Hour)
	got, err := svc.Recall(ctx, RecallQuery{Text: "alpha cluster"})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recalled %d entries, want 2", len(got))
	}
	if got[0].Tag != "core" {
		t.Fatalf("highest ranked tag = %q, want core", got[0].Tag)
	}
	if got[0].Weight < got[1].Weight {
		t.Fatalf("results out of order: %v before %v", got[0].Weight, got[1].Weight)
	}
}

func TestRecallHonorsMaxResults(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	contents := []string{
		"rollout one finished cleanly",
		"rollout two needed a retry",
		"rollout three was cancelled",
	}
	for _, c := range contents {
		if _, err := svc.Insert(ctx, c, "default"); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := svc.Recall(ctx, RecallQuery{Text: "rollout", MaxResults: 2})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("recalled %d entries, want 2", len(got))
	}
}

func TestRecallOnEmptyStore(t *testing.T) {
	svc, _ := newTestService(t, nil)
	got, err := svc.Recall(context.Background(), RecallQuery{Text: "anything at all"})
	if err != nil {
		t.Fatalf("Recall on empty store errored: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("recalled %d entries from empty store", len(got))
	}
}

func TestRecallFiltersByTag(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Insert(ctx, "pager escalation order", "crucial"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := svc.Insert(ctx, "pager made a noise earlier", "ephemeral"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := svc.Recall(ctx, RecallQuery{Text: "pager", Tag: "crucial"})
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(got) != 1 || got[0].Tag != "crucial" {
		t.Fatalf("tag filter leaked: %+v", got)
	}
}

func TestPurgeRemovesEntry(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	e, err := svc.Insert(ctx, "disposable fact", "default")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := svc.Purge(ctx, e.ID); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	entries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after purge = %d, want 0", len(entries))
	}
}

func TestHalfLifeFallsBackToDefault(t *testing.T) {
	pol := PolicyFromConfig(config.DefaultConfig().Memory)
	if hl := pol.HalfLife("unmapped-tag"); hl != 168*time.Hour {
		t.Fatalf("fallback half-life = %v, want 168h", hl)
	}
	if hl := pol.HalfLife("core"); hl != 0 {
		t.Fatalf("core half-life = %v, want 0", hl)
	}
}

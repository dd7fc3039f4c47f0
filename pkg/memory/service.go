package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/oklog/ulid/v2"

	"github.com/kestrelbot/kestrel/pkg/config"
	"github.com/kestrelbot/kestrel/pkg/logger"
)

// ConfigSource supplies the active configuration snapshot; the service reads
// policy constants fresh on every operation so hot reloads take effect
// without restarts.
type ConfigSource interface {
	Current() *config.Config
}

// Service owns memory entry lifetime: insertion, weighted recall with
// reinforcement, and decay sweeps. All writes are serialized through the
// store; weight and recall timestamps always update together.
type Service struct {
	store  *SQLiteStore
	source ConfigSource
	nowFn  func() time.Time

	mu sync.Mutex
	// recent short-circuits rapid duplicate inserts (content hash -> entry).
	recent map[string]recentInsert
	// volatile holds entries whose persistence failed; they stay queryable
	// for the remainder of the process lifetime.
	volatile []Entry

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type recentInsert struct {
	entry Entry
	at    time.Time
}

// NewService opens the store under workspace/state and starts the background
// decay sweeper.
func NewService(workspace string, source ConfigSource) (*Service, error) {
	dbPath := filepath.Join(workspace, "state", "memory.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		store:  store,
		source: source,
		nowFn:  time.Now,
		recent: map[string]recentInsert{},
		stopCh: make(chan struct{}),
	}
	svc.wg.Add(1)
	go svc.runSweeper()
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *Service) policy() DecayPolicy {
	return PolicyFromConfig(s.source.Current().Memory)
}

// Insert records a new memory with initial weight 1.0. Duplicate content
// reinforces the existing entry instead of creating a copy. A persistence
// failure is non-fatal: the entry is kept in process memory and a warning
// logged.
func (s *Service) Insert(ctx context.Context, content, tag string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, ErrEmptyContent
	}
	tag = normalizeTag(tag)
	now := s.nowFn()
	hash := contentHash(content)
	pol := s.policy()
	cooldown := time.Duration(s.source.Current().Memory.DedupCooldownSeconds) * time.Second

	s.mu.Lock()
	if rec, ok := s.recent[hash]; ok && now.Sub(rec.at) < cooldown {
		s.mu.Unlock()
		logger.DebugCF("memory", "Duplicate insert within cooldown", map[string]interface{}{"id": rec.entry.ID})
		return rec.entry, nil
	}
	s.mu.Unlock()

	if existing, ok, err := s.store.GetByHash(ctx, hash); err == nil && ok {
		existing.Weight = minFloat(pol.effectiveWeight(existing, now)+pol.Increment, pol.Cap)
		existing.LastRecalledAt = now
		existing.DecayedAt = now
		if err := s.store.UpdateSalience(ctx, []Entry{existing}); err != nil {
			logger.WarnCF("memory", "Failed to bump duplicate memory", map[string]interface{}{"error": err.Error(), "id": existing.ID})
		}
		s.remember(hash, existing, now)
		return existing, nil
	}

	entry := Entry{
		ID:             ulid.Make().String(),
		Content:        content,
		Tag:            tag,
		ContentHash:    hash,
		CreatedAt:      now,
		Weight:         1.0,
		LastRecalledAt: now,
		DecayedAt:      now,
	}

	if err := s.store.InsertEntry(ctx, entry); err != nil {
		// Keep the entry alive in-process; durable storage catches up on the
		// next successful insert of equivalent content.
		logger.WarnCF("memory", "Memory persistence failed, keeping entry in process", map[string]interface{}{
			"error": err.Error(),
			"id":    entry.ID,
		})
		s.mu.Lock()
		s.volatile = append(s.volatile, entry)
		s.mu.Unlock()
	}
	s.remember(hash, entry, now)
	return entry, nil
}

func (s *Service) remember(hash string, e Entry, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent[hash] = recentInsert{entry: e, at: now}
	if len(s.recent) > 256 {
		for h, rec := range s.recent {
			if now.Sub(rec.at) > time.Minute {
				delete(s.recent, h)
			}
		}
	}
}

// Recall selects entries matching the query, ranked by effective weight
// (decay applied lazily at read time) with recency breaking ties, and
// reinforces every returned entry. An empty store yields an empty slice,
// never an error.
func (s *Service) Recall(ctx context.Context, q RecallQuery) ([]Entry, error) {
	now := s.nowFn()
	pol := s.policy()
	max := q.MaxResults
	if max <= 0 {
		max = s.source.Current().Memory.MaxRecallItems
	}
	if max <= 0 {
		max = 8
	}

	tokens := tokenize(q.Text)
	candidates, err := s.store.Candidates(ctx, normalizeTagFilter(q.Tag), tokens, max*8)
	if err != nil {
		return nil, err
	}
	candidates = append(candidates, s.volatileMatches(q.Tag, tokens)...)

	type scored struct {
		entry Entry
		eff   float64
	}
	evict := []string{}
	kept := make([]scored, 0, len(candidates))
	for _, e := range candidates {
		if corrupt(e) {
			logger.ErrorCF("memory", "Evicting corrupt memory entry", map[string]interface{}{"id": e.ID, "weight": e.Weight})
			evict = append(evict, e.ID)
			continue
		}
		eff := pol.effectiveWeight(e, now)
		if eff < pol.Floor {
			evict = append(evict, e.ID)
			continue
		}
		kept = append(kept, scored{entry: e, eff: eff})
	}
	if len(evict) > 0 {
		if err := s.store.DeleteEntries(ctx, evict); err != nil {
			logger.WarnCF("memory", "Failed to evict entries during recall", map[string]interface{}{"error": err.Error()})
		}
		s.dropVolatile(evict)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].eff == kept[j].eff {
			return kept[i].entry.LastRecalledAt.After(kept[j].entry.LastRecalledAt)
		}
		return kept[i].eff > kept[j].eff
	})
	if len(kept) > max {
		kept = kept[:max]
	}

	// Reinforce: recalled entries stay salient. Weight and recall time move
	// together in one transaction.
	out := make([]Entry, 0, len(kept))
	for _, sc := range kept {
		e := sc.entry
		e.Weight = minFloat(sc.eff+pol.Increment, pol.Cap)
		e.LastRecalledAt = now
		e.DecayedAt = now
		out = append(out, e)
	}
	if err := s.store.UpdateSalience(ctx, persistedOnly(out, s.volatileIDs())); err != nil {
		logger.WarnCF("memory", "Failed to persist recall reinforcement", map[string]interface{}{"error": err.Error()})
	}
	s.updateVolatile(out)
	return out, nil
}

// DecaySweep folds elapsed-time decay into every entry and evicts entries
// below the retention floor or with corrupted state. Running it twice with
// the same now is a no-op the second time: decay anchors advance to now on
// the first pass.
func (s *Service) DecaySweep(ctx context.Context, now time.Time) (SweepStats, error) {
	pol := s.policy()
	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		return SweepStats{}, err
	}
	entries = append(entries, s.volatileSnapshot()...)

	stats := SweepStats{Scanned: len(entries)}
	updates := []Entry{}
	evict := []string{}
	for _, e := range entries {
		if corrupt(e) {
			logger.ErrorCF("memory", "Evicting corrupt memory entry", map[string]interface{}{"id": e.ID, "weight": e.Weight})
			evict = append(evict, e.ID)
			stats.Corrupt++
			continue
		}
		eff := pol.effectiveWeight(e, now)
		if eff < pol.Floor {
			evict = append(evict, e.ID)
			stats.Evicted++
			continue
		}
		if eff != e.Weight {
			e.Weight = eff
			e.DecayedAt = now
			updates = append(updates, e)
			stats.Decayed++
		}
	}

	if err := s.store.UpdateSalience(ctx, persistedOnly(updates, s.volatileIDs())); err != nil {
		return stats, err
	}
	if err := s.store.DeleteEntries(ctx, evict); err != nil {
		return stats, err
	}
	s.updateVolatile(updates)
	s.dropVolatile(evict)
	return stats, nil
}

// Purge removes an entry unconditionally.
func (s *Service) Purge(ctx context.Context, id string) error {
	s.dropVolatile([]string{id})
	return s.store.DeleteEntries(ctx, []string{id})
}

func (s *Service) Stats(ctx context.Context) ([]TagStat, error) {
	return s.store.Stats(ctx)
}

func (s *Service) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.store.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	return append(entries, s.volatileSnapshot()...), nil
}

// runSweeper evaluates the configured cron schedule and runs due sweeps.
func (s *Service) runSweeper() {
	defer s.wg.Done()

	gron := gronx.New()
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	var lastRun time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			schedule := strings.TrimSpace(s.source.Current().Memory.SweepSchedule)
			if schedule == "" {
				continue
			}
			now := s.nowFn()
			if now.Truncate(time.Minute).Equal(lastRun) {
				continue
			}
			due, err := gron.IsDue(schedule, now)
			if err != nil || !due {
				continue
			}
			lastRun = now.Truncate(time.Minute)
			stats, err := s.DecaySweep(context.Background(), now)
			if err != nil {
				logger.WarnCF("memory", "Decay sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			logger.InfoCF("memory", "Decay sweep completed", map[string]interface{}{
				"scanned": stats.Scanned,
				"decayed": stats.Decayed,
				"evicted": stats.Evicted,
				"corrupt": stats.Corrupt,
			})
		}
	}
}

func (s *Service) volatileSnapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.volatile))
	copy(out, s.volatile)
	return out
}

func (s *Service) volatileIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(s.volatile))
	for _, e := range s.volatile {
		ids[e.ID] = struct{}{}
	}
	return ids
}

func (s *Service) volatileMatches(tag string, tokens []string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag = normalizeTagFilter(tag)
	out := []Entry{}
	for _, e := range s.volatile {
		if tag != "" && e.Tag != tag {
			continue
		}
		if len(tokens) > 0 && !containsAnyToken(e.Content, tokens) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) updateVolatile(updates []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.volatile {
		for _, u := range updates {
			if s.volatile[i].ID == u.ID {
				s.volatile[i] = u
			}
		}
	}
}

func (s *Service) dropVolatile(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.volatile[:0]
	for _, e := range s.volatile {
		drop := false
		for _, id := range ids {
			if e.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, e)
		}
	}
	s.volatile = kept
}

func persistedOnly(entries []Entry, volatileIDs map[string]struct{}) []Entry {
	if len(volatileIDs) == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := volatileIDs[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}

func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return fallbackTag
	}
	return tag
}

func normalizeTagFilter(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := map[string]struct{}{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if len(f) < 2 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func containsAnyToken(content string, tokens []string) bool {
	lower := strings.ToLower(content)
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

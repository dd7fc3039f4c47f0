package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable backing for memory entries.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			tag TEXT NOT NULL DEFAULT 'default',
			content_hash TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			last_recalled_at_ms INTEGER NOT NULL,
			decayed_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memories_hash_idx ON memories(content_hash);`,
		`CREATE INDEX IF NOT EXISTS memories_tag_idx ON memories(tag, weight DESC, last_recalled_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, content, tag, content_hash, created_at_ms, weight, last_recalled_at_ms, decayed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, e.Tag, e.ContentHash,
		e.CreatedAt.UnixMilli(), e.Weight, e.LastRecalledAt.UnixMilli(), e.DecayedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, tag, content_hash, created_at_ms, weight, last_recalled_at_ms, decayed_at_ms
		FROM memories WHERE content_hash = ? LIMIT 1`, hash)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get memory by hash: %w", err)
	}
	return e, true, nil
}

// Candidates returns entries matching a tag and/or any lexical token, plus
// every entry when the query has no filters. Ranking happens in the service
// after decay is applied.
func (s *SQLiteStore) Candidates(ctx context.Context, tag string, tokens []string, limit int) ([]Entry, error) {
	where := []string{}
	args := []interface{}{}

	if tag != "" {
		where = append(where, "tag = ?")
		args = append(args, tag)
	}
	if len(tokens) > 0 {
		likes := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			likes = append(likes, "content LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(tok)+"%")
		}
		where = append(where, "("+strings.Join(likes, " OR ")+")")
	}

	query := `SELECT id, content, tag, content_hash, created_at_ms, weight, last_recalled_at_ms, decayed_at_ms FROM memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY weight DESC, last_recalled_at_ms DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory candidates: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *SQLiteStore) ListEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, tag, content_hash, created_at_ms, weight, last_recalled_at_ms, decayed_at_ms
		FROM memories ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// UpdateSalience persists a batch of weight/anchor updates atomically so no
// reader observes a weight without its matching timestamps.
func (s *SQLiteStore) UpdateSalience(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin salience update: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memories SET weight = ?, last_recalled_at_ms = ?, decayed_at_ms = ? WHERE id = ?`,
			e.Weight, e.LastRecalledAt.UnixMilli(), e.DecayedAt.UnixMilli(), e.ID,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update salience %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit salience update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete memory %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) ([]TagStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, COUNT(*), SUM(weight) FROM memories GROUP BY tag ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	out := []TagStat{}
	for rows.Next() {
		var st TagStat
		if err := rows.Scan(&st.Tag, &st.Count, &st.TotalWeight); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var createdMS, recalledMS, decayedMS int64
	if err := row.Scan(&e.ID, &e.Content, &e.Tag, &e.ContentHash, &createdMS, &e.Weight, &recalledMS, &decayedMS); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.UnixMilli(createdMS)
	e.LastRecalledAt = time.UnixMilli(recalledMS)
	e.DecayedAt = time.UnixMilli(decayedMS)
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

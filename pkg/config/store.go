package config

import (
	"fmt"
	"sync/atomic"
)

// Store holds the active configuration snapshot. Reconfiguration swaps in a
// complete validated snapshot; concurrent readers always observe either the
// old or the new configuration, never a partial merge.
type Store struct {
	path string
	cur  atomic.Pointer[Config]
}

func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.cur.Store(cfg)
	return s
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (s *Store) Current() *Config {
	return s.cur.Load()
}

// Reload loads and validates the config file and swaps it in. On any failure
// the previous snapshot stays active and the error is returned for the caller
// to log; a bad hot reload must never take down the running agent.
func (s *Store) Reload() error {
	cfg, err := LoadConfig(s.path)
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}
	s.cur.Store(cfg)
	return nil
}

// Swap installs an already-validated snapshot (used by tests and operator
// tooling that edits trust overrides in place).
func (s *Store) Swap(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cur.Store(cfg)
	return nil
}

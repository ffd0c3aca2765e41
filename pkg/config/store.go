package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zx6217/geminirelay/pkg/cache"
)

// SettingsStore guards the live Settings document and persists every
// mutation to disk. Readers get value copies, never pointers into the
// store.
type SettingsStore struct {
	mu   sync.RWMutex
	path string
	cur  Settings
}

// NewSettingsStore loads the persisted document at path, falling back to
// seed when none exists yet.
func NewSettingsStore(path string, seed Settings) (*SettingsStore, error) {
	s := &SettingsStore{path: path, cur: seed}
	err := cache.LoadJSON(path, &s.cur)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

func (s *SettingsStore) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// Update applies fn to a copy of the current settings and persists the
// result. The in-memory document only changes when both fn and the disk
// write succeed.
func (s *SettingsStore) Update(fn func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := cache.SaveJSON(s.path, &next); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}
	s.cur = next
	return nil
}

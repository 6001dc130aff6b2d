package prefs

import (
	"context"
	"sync"

	"github.com/sonet-app/timeline/internal/timeline"
)

// MemoryStore implements timeline.PreferencesStore in process. Used when no
// postgres DSN is configured and in tests.
type MemoryStore struct {
	mu    sync.RWMutex
	prefs map[string]timeline.Preferences
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: make(map[string]timeline.Preferences)}
}

func (s *MemoryStore) Get(_ context.Context, viewerID string) (*timeline.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prefs[viewerID]; ok {
		out := p
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) Set(_ context.Context, viewerID string, p timeline.Preferences) error {
	s.mu.Lock()
	s.prefs[viewerID] = p
	s.mu.Unlock()
	return nil
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in a process-local map.
type MemoryStore struct {
	mu      sync.RWMutex
	windows map[string][]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]time.Time)}
}

// Load implements WindowStore.
func (s *MemoryStore) Load(ctx context.Context, clientID string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]time.Time(nil), s.windows[clientID]...), nil
}

// Save implements WindowStore. ttl is not needed locally; Sweep handles expiry.
func (s *MemoryStore) Save(ctx context.Context, clientID string, times []time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[clientID] = append([]time.Time(nil), times...)
	return nil
}

// Reset implements WindowStore.
func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string][]time.Time)
	return nil
}

// Len returns the number of tracked client identifiers.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Sweep drops every client whose newest timestamp is at or before cutoff.
// Returns the number of clients removed.
func (s *MemoryStore) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, times := range s.windows {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(s.windows, id)
			removed++
		}
	}
	return removed
}

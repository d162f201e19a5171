package server

import (
	"context"
	"sync"
	"time"

	"shielded/model"
)

// Store keeps sanitized artifacts in memory until they expire. Nothing is
// ever written to disk.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]storeEntry
}

type storeEntry struct {
	out     *model.OutputFile
	expires time.Time
}

func NewStore(ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{ttl: ttl, now: now, entries: make(map[string]storeEntry)}
}

func (s *Store) Put(id string, out *model.OutputFile) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires := s.now().Add(s.ttl)
	s.entries[id] = storeEntry{out: out, expires: expires}
	return expires
}

// Get returns the artifact unless it is missing or expired.
func (s *Store) Get(id string) (*model.OutputFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(entry.expires) {
		delete(s.entries, id)
		return nil, false
	}
	return entry.out, true
}

// Sweep drops expired artifacts and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, entry := range s.entries {
		if !now.Before(entry.expires) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunJanitor sweeps every interval until ctx is done.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

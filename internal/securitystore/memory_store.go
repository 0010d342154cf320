package securitystore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with mutexed maps and an injectable
// clock so tests can move time.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*counterEntry
	claims    map[string]time.Time
	locations map[string]map[string]time.Time
	now       func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore returns an empty MemoryStore using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:  make(map[string]*counterEntry),
		claims:    make(map[string]time.Time),
		locations: make(map[string]map[string]time.Time),
		now:       time.Now,
	}
}

// SetClock replaces the clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	entry, ok := s.counters[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(window)}
		s.counters[key] = entry
	}
	entry.count++
	return entry.count, entry.expiresAt.Sub(now), nil
}

func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	if expiry, ok := s.claims[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Seen(ctx context.Context, userID, location string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	set, ok := s.locations[userID]
	if !ok {
		return false, nil
	}
	expiry, ok := set[location]
	if !ok || !now.Before(expiry) {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Remember(ctx context.Context, userID, location string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.locations[userID]
	if !ok {
		set = make(map[string]time.Time)
		s.locations[userID] = set
	}
	set[location] = s.now().Add(ttl)
	return nil
}

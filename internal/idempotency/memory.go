package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value    string
	expireAt time.Time
}

// MemoryStore is an in-process TokenStore for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Issue(ctx context.Context, key string) (string, error) {
	_ = ctx
	value := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expireAt: s.now().Add(s.ttl)}
	return value, nil
}

func (s *MemoryStore) ConsumeIfMatches(ctx context.Context, key, expected string) (bool, error) {
	_ = ctx
	if key == "" || expected == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || s.now().After(entry.expireAt) {
		delete(s.entries, key)
		return false, nil
	}
	if entry.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// SetNow overrides the clock, for expiry tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

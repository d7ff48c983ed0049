package service

import (
	"context"
	"sync"
	"time"
)

// MemoryNonceStore is an in-process NonceStore for tests.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryNonceStore{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryNonceStore) Remember(ctx context.Context, accessKey, nonce string) (bool, error) {
	_ = ctx
	key := accessKey + ":" + nonce
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expireAt, ok := s.seen[key]; ok && now.Before(expireAt) {
		return false, nil
	}
	s.seen[key] = now.Add(s.ttl)
	return true, nil
}

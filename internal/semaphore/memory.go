package semaphore

import (
	"context"
	"fmt"
	"sync"
)

// MemorySemaphore is an in-process Semaphore for tests and single-node
// setups.
type MemorySemaphore struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

func NewMemorySemaphore(maxConcurrent int) *MemorySemaphore {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &MemorySemaphore{
		counts: make(map[string]int),
		max:    maxConcurrent,
	}
}

func (s *MemorySemaphore) TryAcquire(ctx context.Context, accountID, apiDigestID string) (*Permit, error) {
	_ = ctx
	key := fmt.Sprintf("%s:%s", accountID, apiDigestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[key] >= s.max {
		return nil, ErrLimitExceeded
	}
	s.counts[key]++
	return &Permit{
		key: key,
		release: func(ctx context.Context, key string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.counts[key] > 0 {
				s.counts[key]--
			}
			return nil
		},
	}, nil
}

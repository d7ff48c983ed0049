// Package semaphore bounds concurrent quota consumption per
// (account, api-digest) pair with a distributed counting semaphore.
package semaphore

import (
	"context"
	"errors"
)

// ErrLimitExceeded reports that no permit is available. Acquisition never
// queues; callers surface this as a rate-limited rejection.
var ErrLimitExceeded = errors.New("semaphore limit exceeded")

// Semaphore hands out permits up to a configured concurrency bound.
type Semaphore interface {
	TryAcquire(ctx context.Context, accountID, apiDigestID string) (*Permit, error)
}

// Permit represents one held slot. Release returns it; releasing twice is a
// no-op.
type Permit struct {
	key      string
	released bool
	release  func(ctx context.Context, key string) error
}

func (p *Permit) Release(ctx context.Context) error {
	if p == nil || p.released {
		return nil
	}
	p.released = true
	return p.release(ctx, p.key)
}

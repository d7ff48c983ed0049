// Package idempotency implements single-use consumption tokens guarding
// message side effects against redelivery.
package idempotency

import (
	"context"
	"errors"
)

// ErrStoreUnavailable reports that the backing cache could not be reached.
// Callers must treat it as "not yet consumed" and retry, never as consumed.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// TokenStore issues and consumes single-use tokens. A token may be consumed
// at most once; issuing again under the same key invalidates any earlier
// value still held by a consumer.
type TokenStore interface {
	// Issue stores a fresh random value under key with the configured TTL
	// and returns it.
	Issue(ctx context.Context, key string) (string, error)
	// ConsumeIfMatches atomically deletes key if its current value equals
	// expected, reporting whether the delete happened. The check and delete
	// execute as one operation against the cache.
	ConsumeIfMatches(ctx context.Context, key, expected string) (bool, error)
}

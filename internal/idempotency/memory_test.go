package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeIfMatchesOnce(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	value, err := store.Issue(ctx, "order-1:deduct")
	require.NoError(t, err)
	require.NotEmpty(t, value)

	ok, err := store.ConsumeIfMatches(ctx, "order-1:deduct", value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ConsumeIfMatches(ctx, "order-1:deduct", value)
	require.NoError(t, err)
	assert.False(t, ok, "second consume must fail")
}

func TestConsumeWrongValue(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	value, err := store.Issue(ctx, "order-2:deduct")
	require.NoError(t, err)

	ok, err := store.ConsumeIfMatches(ctx, "order-2:deduct", "stale-value")
	require.NoError(t, err)
	assert.False(t, ok)

	// The real value is still consumable.
	ok, err = store.ConsumeIfMatches(ctx, "order-2:deduct", value)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReissueInvalidatesEarlierValue(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	first, err := store.Issue(ctx, "order-3:deduct")
	require.NoError(t, err)
	second, err := store.Issue(ctx, "order-3:deduct")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	ok, err := store.ConsumeIfMatches(ctx, "order-3:deduct", first)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ConsumeIfMatches(ctx, "order-3:deduct", second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumeAfterExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	value, err := store.Issue(ctx, "order-4:deduct")
	require.NoError(t, err)

	store.SetNow(func() time.Time { return time.Now().Add(2 * time.Minute) })

	ok, err := store.ConsumeIfMatches(ctx, "order-4:deduct", value)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()

	value, err := store.Issue(ctx, "order-5:deduct")
	require.NoError(t, err)

	const workers = 32
	var wins int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeIfMatches(ctx, "order-5:deduct", value)
			if err == nil && ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
}

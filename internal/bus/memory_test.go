package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutPerGroup(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var groupA, groupB int64
	b.Subscribe("orders", "a", func(ctx context.Context, env Envelope) error {
		atomic.AddInt64(&groupA, 1)
		return nil
	})
	b.Subscribe("orders", "b", func(ctx context.Context, env Envelope) error {
		atomic.AddInt64(&groupB, 1)
		return nil
	})

	require.NoError(t, b.Publish(ctx, "orders", Envelope{OrderSn: "o-1"}))
	assert.Equal(t, int64(1), groupA)
	assert.Equal(t, int64(1), groupB)
}

func TestFailedHandlerParksForRedelivery(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var attempts int64
	accepting := false
	b.Subscribe("orders", "a", func(ctx context.Context, env Envelope) error {
		atomic.AddInt64(&attempts, 1)
		if !accepting {
			return errors.New("not ready")
		}
		return nil
	})

	require.NoError(t, b.Publish(ctx, "orders", Envelope{OrderSn: "o-1"}))
	assert.Equal(t, 1, b.FailedCount())
	assert.Equal(t, int64(memoryMaxAttempts), attempts)

	accepting = true
	assert.Equal(t, 0, b.RedeliverFailed(ctx))
	assert.Equal(t, 0, b.FailedCount())
}

func TestPreparedInvisibleUntilCommit(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var delivered int64
	b.Subscribe("orders", "a", func(ctx context.Context, env Envelope) error {
		atomic.AddInt64(&delivered, 1)
		return nil
	})

	msg, err := b.Prepare(ctx, "orders", Envelope{OrderSn: "o-1", TxID: "tx-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), delivered)
	assert.Equal(t, 1, b.PreparedCount())

	require.NoError(t, b.Commit(ctx, msg))
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, 0, b.PreparedCount())

	// Committing twice does not deliver twice.
	require.NoError(t, b.Commit(ctx, msg))
	assert.Equal(t, int64(1), delivered)
}

func TestRollbackNeverDelivers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var delivered int64
	b.Subscribe("orders", "a", func(ctx context.Context, env Envelope) error {
		atomic.AddInt64(&delivered, 1)
		return nil
	})

	msg, err := b.Prepare(ctx, "orders", Envelope{OrderSn: "o-1", TxID: "tx-1"})
	require.NoError(t, err)
	require.NoError(t, b.Rollback(ctx, msg))
	assert.Equal(t, int64(0), delivered)
	assert.Equal(t, 0, b.PreparedCount())
}

func TestResolvePendingAsksChecker(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var delivered int64
	b.Subscribe("orders", "a", func(ctx context.Context, env Envelope) error {
		atomic.AddInt64(&delivered, 1)
		return nil
	})

	answers := map[string]TxState{"tx-commit": TxCommit, "tx-rollback": TxRollback}
	b.RegisterChecker(func(ctx context.Context, txID string) (TxState, error) {
		return answers[txID], nil
	})

	_, err := b.Prepare(ctx, "orders", Envelope{OrderSn: "o-1", TxID: "tx-commit"})
	require.NoError(t, err)
	_, err = b.Prepare(ctx, "orders", Envelope{OrderSn: "o-2", TxID: "tx-rollback"})
	require.NoError(t, err)

	require.NoError(t, b.ResolvePending(ctx))
	assert.Equal(t, int64(1), delivered)
	assert.Equal(t, 0, b.PreparedCount())
}

func TestResolvePendingKeepsUnknownStaged(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	b.RegisterChecker(func(ctx context.Context, txID string) (TxState, error) {
		return TxUnknown, nil
	})

	_, err := b.Prepare(ctx, "orders", Envelope{OrderSn: "o-1", TxID: "tx-1"})
	require.NoError(t, err)

	assert.ErrorIs(t, b.ResolvePending(ctx), ErrTxUnresolved)
	assert.Equal(t, 1, b.PreparedCount())
}

package coordstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

func tx(nonce uint64) models.QueuedTransaction {
	return models.QueuedTransaction{Nonce: nonce, SenderAddress: "0xabc"}
}

func TestSenderKeyRoundTrip(t *testing.T) {
	key := SenderKey(137, "0xabc")
	assert.Equal(t, "137:0xabc", key)

	chainID, sender, ok := SplitSenderKey(key)
	require.True(t, ok)
	assert.Equal(t, int64(137), chainID)
	assert.Equal(t, "0xabc", sender)

	_, _, ok = SplitSenderKey("garbage")
	assert.False(t, ok)
}

func TestPendingRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	pending, err := store.GetPending(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, store.SetPending(ctx, "s1", []models.QueuedTransaction{tx(1), tx(2)}))
	pending, err = store.GetPending(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Empty list removes the key entirely
	require.NoError(t, store.SetPending(ctx, "s1", nil))
	senders, err := store.ListSendersWithPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, senders)
}

func TestSetPendingIfUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// From empty
	ok, err := store.SetPendingIfUnchanged(ctx, "s1", nil, []models.QueuedTransaction{tx(1)})
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale snapshot loses
	ok, err = store.SetPendingIfUnchanged(ctx, "s1", nil, []models.QueuedTransaction{tx(2)})
	require.NoError(t, err)
	assert.False(t, ok)

	// Fresh snapshot wins
	current, err := store.GetPending(ctx, "s1")
	require.NoError(t, err)
	ok, err = store.SetPendingIfUnchanged(ctx, "s1", current, []models.QueuedTransaction{tx(1), tx(2)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockIsSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	acquired, err := store.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.ReleaseLock(ctx, "s1"))
	acquired, err = store.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestSweepExpiredLocks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	acquired, err := store.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, store.SetLockStart(ctx, "s1"))

	// Young lock survives
	released, err := store.SweepExpiredLocks(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, released)

	time.Sleep(20 * time.Millisecond)
	released, err = store.SweepExpiredLocks(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, released)

	acquired, err = store.AcquireLock(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, acquired, "sender is lockable again after sweep")
}

func TestBroadcastedMarker(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.IsBroadcasted(ctx, "tx1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.MarkBroadcasted(ctx, "tx1", "0xbeef"))
	hash, ok, err := store.IsBroadcasted(ctx, "tx1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0xbeef", hash)
}

func TestTryBeginProcessing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	began, err := store.TryBeginProcessing(ctx, "tx1")
	require.NoError(t, err)
	assert.True(t, began)

	began, err = store.TryBeginProcessing(ctx, "tx1")
	require.NoError(t, err)
	assert.False(t, began)

	require.NoError(t, store.EndProcessing(ctx, "tx1"))
	began, err = store.TryBeginProcessing(ctx, "tx1")
	require.NoError(t, err)
	assert.True(t, began)
}

func TestIncrementRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for want := 1; want <= 3; want++ {
		count, err := store.IncrementRetry(ctx, "msg1")
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}
}

func TestFailedNoncePool(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.SmallestFailedNonce(ctx, 137, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.AddFailedNonce(ctx, 137, "0xabc", 9))
	require.NoError(t, store.AddFailedNonce(ctx, 137, "0xabc", 7))
	require.NoError(t, store.AddFailedNonce(ctx, 137, "0xabc", 8))

	smallest, ok, err := store.SmallestFailedNonce(ctx, 137, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), smallest)

	require.NoError(t, store.RemoveFailedNonce(ctx, 137, "0xabc", 7))
	smallest, ok, err = store.SmallestFailedNonce(ctx, 137, "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(8), smallest)

	// Pools are per (chain, sender)
	_, ok, err = store.SmallestFailedNonce(ctx, 1, "0xabc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.GetCursor(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetCursor(ctx, "s1", 42))
	cursor, ok, err := store.GetCursor(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), cursor)
}

package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), gormConfig)
	require.NoError(t, err)

	store, err := NewWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRequest(t *testing.T, store *Store, requestID, batchID string) {
	t.Helper()
	require.NoError(t, store.db.Create(&TransactionRequest{
		RequestID: requestID,
		BatchID:   batchID,
		Status:    StatusSigned,
		SignedTx:  "0xsigned_" + requestID,
	}).Error)
}

func TestUpdateStatus(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "req1", "")

	require.NoError(t, store.UpdateStatus("req1", StatusBroadcasting))

	var request TransactionRequest
	require.NoError(t, store.db.Where("request_id = ?", "req1").First(&request).Error)
	assert.Equal(t, StatusBroadcasting, request.Status)
}

func TestUpdateStatusWithError(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "req1", "")

	require.NoError(t, store.UpdateStatusWithError("req1", StatusFailed, "nonce too low"))

	var request TransactionRequest
	require.NoError(t, store.db.Where("request_id = ?", "req1").First(&request).Error)
	assert.Equal(t, StatusFailed, request.Status)
	assert.Equal(t, "nonce too low", request.ErrorMessage)
}

func TestUpdateBatchStatus(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "req1", "batch1")
	seedRequest(t, store, "req2", "batch1")
	seedRequest(t, store, "req3", "batch2")

	require.NoError(t, store.UpdateBatchStatus("batch1", StatusBroadcasted))

	var count int64
	require.NoError(t, store.db.Model(&TransactionRequest{}).
		Where("status = ?", StatusBroadcasted).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestRequestIDsInBatch(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "req1", "batch1")
	seedRequest(t, store, "req2", "batch1")

	ids, err := store.RequestIDsInBatch("batch1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"req1", "req2"}, ids)
}

func TestGetLatestSignedTx(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "req1", "")

	signedTx, err := store.GetLatestSignedTx("req1")
	require.NoError(t, err)
	assert.Equal(t, "0xsigned_req1", signedTx)

	_, err = store.GetLatestSignedTx("missing")
	assert.Error(t, err)
}

func TestSaveSentTransactionUpserts(t *testing.T) {
	store := newTestStore(t)

	first := &SentTransaction{
		RequestID:     "req1",
		OriginalHash:  "0xaaa",
		BroadcastHash: "0xaaa",
		ChainID:       137,
		Sender:        "0xsender",
		Nonce:         7,
		BroadcastedAt: time.Now(),
	}
	require.NoError(t, store.SaveSentTransaction(first))

	// Redelivery writes again with the same original hash
	second := &SentTransaction{
		RequestID:     "req1",
		OriginalHash:  "0xaaa",
		BroadcastHash: "0xaaa",
		ChainID:       137,
		Sender:        "0xsender",
		Nonce:         7,
		BroadcastedAt: time.Now(),
	}
	require.NoError(t, store.SaveSentTransaction(second))

	var count int64
	require.NoError(t, store.db.Model(&SentTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestIsSent(t *testing.T) {
	store := newTestStore(t)

	sent, err := store.IsSent("0xaaa")
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, store.SaveSentTransaction(&SentTransaction{
		OriginalHash:  "0xaaa",
		BroadcastHash: "0xaaa",
		ChainID:       137,
		BroadcastedAt: time.Now(),
	}))

	sent, err = store.IsSent("0xaaa")
	require.NoError(t, err)
	assert.True(t, sent)

	// A failed transaction no longer counts as sent
	require.NoError(t, store.MarkAsFailed("0xaaa"))
	sent, err = store.IsSent("0xaaa")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestMarkAsConfirmed(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveSentTransaction(&SentTransaction{
		OriginalHash:  "0xaaa",
		BroadcastHash: "0xaaa",
		ChainID:       137,
		BroadcastedAt: time.Now(),
	}))
	require.NoError(t, store.MarkAsConfirmed("0xaaa", 555))

	var tx SentTransaction
	require.NoError(t, store.db.Where("original_hash = ?", "0xaaa").First(&tx).Error)
	assert.True(t, tx.Confirmed)
	assert.Equal(t, uint64(555), tx.BlockNumber)
}

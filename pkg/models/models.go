package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TxKind distinguishes single withdrawals from batched ones
type TxKind string

const (
	// KindSingle is a withdrawal for one request
	KindSingle TxKind = "SINGLE"
	// KindBatch is a withdrawal covering multiple requests
	KindBatch TxKind = "BATCH"
)

// ChainContext identifies the network a transaction targets
type ChainContext struct {
	Chain   string `json:"chain"`
	Network string `json:"network"`
	ChainID int64  `json:"chainId"`
}

// QueuedTransaction is one pending submission in a sender's queue.
// The signed payload is the authoritative source of every derived field.
type QueuedTransaction struct {
	SignedPayload string       `json:"signedPayload"`
	TxHash        string       `json:"txHash"`
	Nonce         uint64       `json:"nonce"`
	SenderAddress string       `json:"senderAddress"`
	ChainContext  ChainContext `json:"chainContext"`
	RequestID     string       `json:"requestId"`
	Kind          TxKind       `json:"kind"`
	BatchID       string       `json:"batchId,omitempty"`
	EnqueuedAt    time.Time    `json:"enqueuedAt"`
	Priority      int          `json:"priority"`
}

// Key returns the idempotency key for this transaction. The transaction
// hash is preferred since it is stable across redeliveries.
func (q *QueuedTransaction) Key() string {
	if q.TxHash != "" {
		return q.TxHash
	}
	return q.RequestID + "_" + strings.ToLower(q.SenderAddress)
}

// SignedTxMessage is the canonical form of an upstream queue message.
// Producers send slightly different shapes; normalization happens once
// at the worker boundary and only this form enters the engine.
type SignedTxMessage struct {
	RequestID     string  `json:"requestId"`
	Kind          TxKind  `json:"kind"`
	BatchID       string  `json:"batchId,omitempty"`
	SignedPayload string  `json:"signedPayload"`
	Chain         string  `json:"chain"`
	Network       string  `json:"network"`
	ChainID       int64   `json:"chainId,omitempty"`
	Nonce         *uint64 `json:"nonce,omitempty"`
	Priority      int     `json:"priority,omitempty"`
}

// BroadcastResult is emitted downstream once per processed transaction
type BroadcastResult struct {
	ID            string         `json:"id"`
	Kind          TxKind         `json:"kind"`
	RequestID     string         `json:"requestId,omitempty"`
	BatchID       string         `json:"batchId,omitempty"`
	OriginalHash  string         `json:"originalHash"`
	BroadcastHash string         `json:"broadcastHash,omitempty"`
	Status        ResultStatus   `json:"status"`
	Error         string         `json:"error,omitempty"`
	BroadcastedAt *time.Time     `json:"broadcastedAt,omitempty"`
	BlockNumber   uint64         `json:"blockNumber,omitempty"`
	Chain         string         `json:"chain"`
	Network       string         `json:"network"`
	Metadata      ResultMetadata `json:"metadata,omitempty"`
}

// ResultStatus is the terminal status carried by a BroadcastResult
type ResultStatus string

const (
	// StatusBroadcasted means the transaction was accepted by the chain RPC
	StatusBroadcasted ResultStatus = "broadcasted"
	// StatusFailed means the transaction permanently failed
	StatusFailed ResultStatus = "failed"
)

// ResultMetadata carries optional context on a BroadcastResult
type ResultMetadata struct {
	AffectedRequests []string `json:"affectedRequests,omitempty"`
	RetryCount       int      `json:"retryCount,omitempty"`
	SentToDLQ        bool     `json:"sentToDLQ,omitempty"`
}

// NonceGapInfo describes a detected gap between the expected nonce and
// the head of a sender's pending queue
type NonceGapInfo struct {
	HasGap   bool     `json:"hasGap"`
	Expected uint64   `json:"expected"`
	Actual   uint64   `json:"actual"`
	Gap      uint64   `json:"gap"`
	Missing  []uint64 `json:"missing"`
}

// DLQError describes why a message was dead-lettered
type DLQError struct {
	Type    string      `json:"type"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
	Details *DLQDetails `json:"details,omitempty"`
}

// DLQDetails holds structured context attached to a DLQError
type DLQDetails struct {
	NonceGapInfo *NonceGapInfo `json:"nonceGapInfo,omitempty"`
}

// DLQMeta records when and after how many attempts a message was dead-lettered
type DLQMeta struct {
	Timestamp    time.Time `json:"timestamp"`
	AttemptCount int       `json:"attemptCount"`
}

// DLQEnvelope wraps an original upstream message for the dead-letter queue
type DLQEnvelope struct {
	Original json.RawMessage `json:"original"`
	Error    DLQError        `json:"error"`
	Meta     DLQMeta         `json:"meta"`
}

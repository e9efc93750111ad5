package noncemanager

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

// PeekedMessage is an upstream message surfaced without consuming it
type PeekedMessage struct {
	Body          string
	ReceiptHandle string
}

// UpstreamPeeker lets the manager look into the upstream queue while
// hunting for transactions that would close a gap
type UpstreamPeeker interface {
	Peek(ctx context.Context, max int) ([]PeekedMessage, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

func chainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

// bufferSizeLocked totals buffered transactions across senders. Caller
// holds m.mu.
func (m *Manager) bufferSizeLocked() int {
	total := 0
	for _, buffer := range m.reorder {
		total += len(buffer)
	}
	return total
}

// gapInfo computes the descriptor for a gap between the expected nonce and
// the actual queue head
func gapInfo(expected, actual uint64) models.NonceGapInfo {
	info := models.NonceGapInfo{
		HasGap:   actual > expected,
		Expected: expected,
		Actual:   actual,
	}
	if !info.HasGap {
		return info
	}
	info.Gap = actual - expected
	info.Missing = make([]uint64, 0, info.Gap)
	for nonce := expected; nonce < actual; nonce++ {
		info.Missing = append(info.Missing, nonce)
	}
	return info
}

// NonceGapInfo reports the current gap between the expected nonce and the
// head of a sender's pending queue
func (m *Manager) NonceGapInfo(ctx context.Context, chainID int64, sender string) (models.NonceGapInfo, error) {
	expected, err := m.ExpectedNonce(ctx, chainID, sender)
	if err != nil {
		return models.NonceGapInfo{}, err
	}

	pending, err := m.store.GetPending(ctx, coordstore.SenderKey(chainID, sender))
	if err != nil {
		return models.NonceGapInfo{}, err
	}
	if len(pending) == 0 {
		return models.NonceGapInfo{Expected: expected}, nil
	}
	return gapInfo(expected, pending[0].Nonce), nil
}

// enterGap records the gap state for a sender and starts the gap timer if
// one is not already running. Caller still holds the processing lock.
func (m *Manager) enterGap(ctx context.Context, chainID int64, sender, key string, head models.QueuedTransaction, expected uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reorder[key]; !ok {
		m.reorder[key] = make(map[uint64]models.QueuedTransaction)
	}
	m.reorder[key][head.Nonce] = head
	metrics.ReorderBufferSize.Set(float64(m.bufferSizeLocked()))

	if _, waiting := m.waiting[key]; waiting {
		return
	}
	m.waiting[key] = waitingState{expectedNonce: expected, since: time.Now()}

	timerCtx, cancel := context.WithCancel(context.Background())
	m.gapCancel[key] = cancel
	go m.runGapTimer(timerCtx, chainID, sender, key)

	m.logger.NoticeWithChain(chainID, "Gap detected for %s: waiting for nonce %d, head is %d",
		sender, expected, head.Nonce)
}

// OnNonceTooHigh is the entry point for a chain-rejected future nonce: the
// transaction goes back into the reorder buffer and the gap timer starts
func (m *Manager) OnNonceTooHigh(ctx context.Context, tx models.QueuedTransaction, expected uint64) error {
	key := senderKey(&tx)
	m.enterGap(ctx, tx.ChainContext.ChainID, tx.SenderAddress, key, tx, expected)
	m.invalidateCursor(key)
	return m.store.ReleaseLock(ctx, key)
}

// runGapTimer periodically re-checks whether a gap resolved itself. When
// the total timeout expires the gap is handed to the recovery collaborator.
func (m *Manager) runGapTimer(ctx context.Context, chainID int64, sender, key string) {
	ticker := time.NewTicker(m.gapCheckInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(m.gapTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if wait, ok := m.waiting[key]; ok {
			metrics.GapWaitSeconds.Set(time.Since(wait.since).Seconds())
		}
		m.mu.Unlock()

		checkCtx, cancel := context.WithTimeout(context.Background(), nonceFetchTimeout)
		expected, err := m.expectedNonce(checkCtx, chainID, sender, true)
		cancel()
		if err != nil {
			m.logger.ErrorWithChain(chainID, "Gap check for %s could not determine nonce: %v", sender, err)
			continue
		}

		if m.gapReachable(key, expected) {
			m.closeGap(chainID, sender, key)
			return
		}

		if time.Now().After(deadline) {
			m.signalGapTimeout(chainID, sender, key, expected)
			return
		}
	}
}

// gapReachable reports whether the awaited nonce is now available in the
// reorder buffer or the wait has become moot
func (m *Manager) gapReachable(key string, expected uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	wait, waiting := m.waiting[key]
	if !waiting {
		return true
	}
	if expected > wait.expectedNonce {
		// The chain moved past the gap on its own
		return true
	}
	_, buffered := m.reorder[key][expected]
	return buffered
}

func (m *Manager) closeGap(chainID int64, sender, key string) {
	m.mu.Lock()
	delete(m.waiting, key)
	delete(m.gapCancel, key)
	m.mu.Unlock()
	m.logger.InfoWithChain(chainID, "Gap for %s resolved", sender)
}

// signalGapTimeout discards the wait and notifies the recovery collaborator.
// The engine does not build replacement transactions itself.
func (m *Manager) signalGapTimeout(chainID int64, sender, key string, expected uint64) {
	m.mu.Lock()
	var actual uint64
	for nonce := range m.reorder[key] {
		if actual == 0 || nonce < actual {
			actual = nonce
		}
	}
	delete(m.waiting, key)
	delete(m.gapCancel, key)
	m.mu.Unlock()

	info := gapInfo(expected, actual)
	m.logger.ErrorWithChain(chainID, "Gap for %s timed out: expected %d, stuck at %d", sender, expected, actual)

	if m.onGapTimeout != nil {
		m.onGapTimeout(GapSignal{ChainID: chainID, Sender: sender, Info: info})
	}
}

// WaitingSince returns the open gap marker for a sender, if any
func (m *Manager) WaitingSince(chainID int64, sender string) (uint64, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wait, ok := m.waiting[coordstore.SenderKey(chainID, sender)]
	if !ok {
		return 0, time.Time{}, false
	}
	return wait.expectedNonce, wait.since, true
}

// SearchUpstreamForMissing peeks into the upstream queue for transactions
// that would close a gap. Matching messages are admitted into the sender's
// queue and their upstream handles deleted.
func (m *Manager) SearchUpstreamForMissing(ctx context.Context, peeker UpstreamPeeker, chainID int64, sender string, missing []uint64) (int, error) {
	if peeker == nil || len(missing) == 0 {
		return 0, nil
	}

	wanted := make(map[uint64]bool, len(missing))
	for _, nonce := range missing {
		wanted[nonce] = true
	}

	peeked, err := peeker.Peek(ctx, 10)
	if err != nil {
		return 0, err
	}

	admitted := 0
	for _, message := range peeked {
		var msg models.SignedTxMessage
		if err := json.Unmarshal([]byte(message.Body), &msg); err != nil {
			continue
		}

		decoded, err := broadcaster.DecodeSignedTx(msg.SignedPayload)
		if err != nil {
			continue
		}
		if decoded.Sender != sender || decoded.ChainID != chainID || !wanted[decoded.Nonce] {
			continue
		}

		tx := models.QueuedTransaction{
			SignedPayload: msg.SignedPayload,
			TxHash:        decoded.Hash,
			Nonce:         decoded.Nonce,
			SenderAddress: decoded.Sender,
			ChainContext: models.ChainContext{
				Chain:   msg.Chain,
				Network: msg.Network,
				ChainID: decoded.ChainID,
			},
			RequestID:  msg.RequestID,
			Kind:       msg.Kind,
			BatchID:    msg.BatchID,
			EnqueuedAt: time.Now(),
			Priority:   msg.Priority,
		}
		if err := m.Insert(ctx, tx); err != nil {
			m.logger.ErrorWithChain(chainID, "Failed to admit rescanned nonce %d for %s: %v", decoded.Nonce, sender, err)
			continue
		}
		if err := peeker.DeleteMessage(ctx, message.ReceiptHandle); err != nil {
			m.logger.ErrorWithChain(chainID, "Failed to delete rescanned upstream message: %v", err)
		}
		admitted++
	}

	if admitted > 0 {
		m.logger.InfoWithChain(chainID, "Admitted %d missing transactions for %s from upstream rescan", admitted, sender)
	}
	return admitted, nil
}

package noncemanager

import (
	"context"
	"sort"
	"time"

	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

// Outcome describes what ProcessNext found at the head of a queue
type Outcome int

const (
	// OutcomeReady means the head matches the expected nonce; the caller
	// holds the lock and must finish with one of the OnBroadcast callbacks
	OutcomeReady Outcome = iota
	// OutcomeGap means the head is future-dated; the lock was released
	OutcomeGap
	// OutcomeLocked means another worker holds the sender's lock
	OutcomeLocked
	// OutcomeEmpty means the sender has nothing pending
	OutcomeEmpty
)

// ProcessResult is the typed outcome of ProcessNext. Business conditions
// are values here, never errors.
type ProcessResult struct {
	Outcome  Outcome
	Tx       *models.QueuedTransaction
	Expected uint64
	GapInfo  *models.NonceGapInfo
}

// ProcessNext acquires the sender's processing lock and inspects the queue
// head. On OutcomeReady the lock stays held; every other outcome releases
// it before returning.
func (m *Manager) ProcessNext(ctx context.Context, chainID int64, sender string) (ProcessResult, error) {
	key := coordstore.SenderKey(chainID, sender)

	// Stale locks from crashed workers are cleared before trying to acquire
	if released, err := m.store.SweepExpiredLocks(ctx, m.lockTimeout); err == nil && len(released) > 0 {
		metrics.LocksSwept.Add(float64(len(released)))
		m.logger.Notice("Released %d expired processing locks", len(released))
	}

	acquired, err := m.store.AcquireLock(ctx, key)
	if err != nil {
		return ProcessResult{}, err
	}
	if !acquired {
		return ProcessResult{Outcome: OutcomeLocked}, nil
	}
	if err := m.store.SetLockStart(ctx, key); err != nil {
		_ = m.store.ReleaseLock(ctx, key)
		return ProcessResult{}, err
	}

	// The lock is the mutation gate: re-read cursor and pending from the
	// store rather than trusting this worker's cache
	expected, err := m.expectedNonce(ctx, chainID, sender, true)
	if err != nil {
		_ = m.store.ReleaseLock(ctx, key)
		return ProcessResult{}, err
	}

	for {
		pending, err := m.store.GetPending(ctx, key)
		if err != nil {
			_ = m.store.ReleaseLock(ctx, key)
			return ProcessResult{}, err
		}
		if len(pending) == 0 {
			_ = m.store.ReleaseLock(ctx, key)
			return ProcessResult{Outcome: OutcomeEmpty, Expected: expected}, nil
		}

		head := pending[0]

		switch {
		case head.Nonce == expected:
			_ = m.store.SetLastProcessed(ctx, key, time.Now())
			return ProcessResult{Outcome: OutcomeReady, Tx: &head, Expected: expected}, nil

		case head.Nonce > expected:
			info := gapInfo(expected, head.Nonce)
			m.enterGap(ctx, chainID, sender, key, head, expected)
			_ = m.store.ReleaseLock(ctx, key)
			metrics.NonceGaps.WithLabelValues(chainLabel(chainID)).Inc()
			return ProcessResult{Outcome: OutcomeGap, Tx: &head, Expected: expected, GapInfo: &info}, nil

		default:
			// Stale head: the chain already consumed this nonce
			m.logger.NoticeWithChain(chainID, "Discarding stale nonce %d for %s (expected %d)",
				head.Nonce, sender, expected)
			if err := m.store.SetPending(ctx, key, pending[1:]); err != nil {
				_ = m.store.ReleaseLock(ctx, key)
				return ProcessResult{}, err
			}
		}
	}
}

// OnBroadcastSuccess advances the cursor past the broadcast nonce, removes
// the item from pending, drains any now-reachable reorder buffer entries,
// and releases the lock
func (m *Manager) OnBroadcastSuccess(ctx context.Context, chainID int64, sender string, nonce uint64) error {
	key := coordstore.SenderKey(chainID, sender)

	if err := m.store.SetCursor(ctx, key, nonce); err != nil {
		_ = m.store.ReleaseLock(ctx, key)
		return err
	}
	m.cacheCursor(key, nonce)

	// A reused pool nonce is spent now
	if err := m.store.RemoveFailedNonce(ctx, chainID, sender, nonce); err != nil {
		m.logger.ErrorWithChain(chainID, "Failed to clear pooled nonce %d for %s: %v", nonce, sender, err)
	}

	if err := m.removeFromPending(ctx, key, nonce); err != nil {
		_ = m.store.ReleaseLock(ctx, key)
		return err
	}

	m.drainReorderBuffer(chainID, sender, key, nonce)

	_ = m.store.SetLastProcessed(ctx, key, time.Now())
	return m.store.ReleaseLock(ctx, key)
}

// OnBroadcastTransient releases the lock and leaves pending untouched; the
// worker loop retries later
func (m *Manager) OnBroadcastTransient(ctx context.Context, chainID int64, sender string) error {
	key := coordstore.SenderKey(chainID, sender)
	m.invalidateCursor(key)
	return m.store.ReleaseLock(ctx, key)
}

// OnBroadcastPermanent removes the failed item from pending and returns its
// nonce to the reuse pool
func (m *Manager) OnBroadcastPermanent(ctx context.Context, chainID int64, sender string, nonce uint64) error {
	key := coordstore.SenderKey(chainID, sender)

	if err := m.removeFromPending(ctx, key, nonce); err != nil {
		_ = m.store.ReleaseLock(ctx, key)
		return err
	}
	if err := m.store.AddFailedNonce(ctx, chainID, sender, nonce); err != nil {
		_ = m.store.ReleaseLock(ctx, key)
		return err
	}

	m.logger.NoticeWithChain(chainID, "Returned nonce %d for %s to the failed pool", nonce, sender)
	return m.store.ReleaseLock(ctx, key)
}

// removeFromPending drops the entry with the given nonce from the sender's
// persisted pending list
func (m *Manager) removeFromPending(ctx context.Context, key string, nonce uint64) error {
	pending, err := m.store.GetPending(ctx, key)
	if err != nil {
		return err
	}

	remaining := pending[:0]
	for _, tx := range pending {
		if tx.Nonce != nonce {
			remaining = append(remaining, tx)
		}
	}
	return m.store.SetPending(ctx, key, remaining)
}

// drainReorderBuffer clears buffered entries the cursor has caught up to
// and closes the wait when the next expected nonce is at hand
func (m *Manager) drainReorderBuffer(chainID int64, sender, key string, cursor uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buffer := m.reorder[key]
	for nonce := range buffer {
		if nonce <= cursor {
			delete(buffer, nonce)
		}
	}
	metrics.ReorderBufferSize.Set(float64(m.bufferSizeLocked()))

	wait, waiting := m.waiting[key]
	if !waiting {
		return
	}
	if wait.expectedNonce <= cursor+1 {
		delete(m.waiting, key)
		if cancel, ok := m.gapCancel[key]; ok {
			cancel()
			delete(m.gapCancel, key)
		}
		m.logger.InfoWithChain(chainID, "Gap for %s satisfied at cursor %d", sender, cursor)
	}
}

// SendersWithWork returns senders that have pending work, ordered for
// fairness: unlocked senders first, then longest queue, then least
// recently processed
func (m *Manager) SendersWithWork(ctx context.Context) ([]string, error) {
	senders, err := m.store.ListSendersWithPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, nil
	}

	locked, err := m.store.ListSendersWithLocks(ctx)
	if err != nil {
		return nil, err
	}
	lockedSet := make(map[string]bool, len(locked))
	for _, sender := range locked {
		lockedSet[sender] = true
	}

	type candidate struct {
		sender        string
		locked        bool
		pendingLen    int
		lastProcessed time.Time
	}

	candidates := make([]candidate, 0, len(senders))
	for _, sender := range senders {
		pending, err := m.store.GetPending(ctx, sender)
		if err != nil {
			return nil, err
		}
		lastProcessed, err := m.store.GetLastProcessed(ctx, sender)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{
			sender:        sender,
			locked:        lockedSet[sender],
			pendingLen:    len(pending),
			lastProcessed: lastProcessed,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].locked != candidates[j].locked {
			return !candidates[i].locked
		}
		if candidates[i].pendingLen != candidates[j].pendingLen {
			return candidates[i].pendingLen > candidates[j].pendingLen
		}
		return candidates[i].lastProcessed.Before(candidates[j].lastProcessed)
	})

	ordered := make([]string, len(candidates))
	for i, c := range candidates {
		ordered[i] = c.sender
	}
	return ordered, nil
}

// SweepExpiredLocks releases locks older than the configured timeout and
// reports the senders that became eligible again
func (m *Manager) SweepExpiredLocks(ctx context.Context) ([]string, error) {
	released, err := m.store.SweepExpiredLocks(ctx, m.lockTimeout)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		metrics.LocksSwept.Add(float64(len(released)))
		metrics.ExpiredLockRecoveries.Add(float64(len(released)))
		// Another worker may have advanced these senders; drop our caches
		for _, sender := range released {
			m.invalidateCursor(sender)
		}
	}
	return released, nil
}

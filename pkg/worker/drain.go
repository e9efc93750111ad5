package worker

import (
	"context"
	"strconv"
	"time"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
	"github.com/payout-hq/tx-broadcaster/pkg/noncemanager"
	"github.com/payout-hq/tx-broadcaster/pkg/retrypolicy"
	"github.com/payout-hq/tx-broadcaster/pkg/statestore"
)

// drainSender broadcasts a sender's queue head for as long as the head
// matches the expected nonce. A gap, a lock held elsewhere, or a transient
// failure ends the loop; the periodic drain re-enters later.
func (s *Service) drainSender(ctx context.Context, chainID int64, sender string) {
	key := coordstore.SenderKey(chainID, sender)
	if !s.tryStartDrain(key) {
		return
	}
	defer s.endDrain(key)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := s.nonceManager.ProcessNext(ctx, chainID, sender)
		if err != nil {
			s.logger.ErrorWithChain(chainID, "Cannot process queue for %s: %v", sender, err)
			return
		}

		switch result.Outcome {
		case noncemanager.OutcomeLocked, noncemanager.OutcomeEmpty:
			return

		case noncemanager.OutcomeGap:
			// Before settling into the gapped state, see whether the missing
			// transactions are sitting unconsumed upstream
			admitted, err := s.nonceManager.SearchUpstreamForMissing(
				ctx, s.peeker(), chainID, sender, result.GapInfo.Missing)
			if err != nil {
				s.logger.ErrorWithChain(chainID, "Upstream rescan for %s failed: %v", sender, err)
			}
			if admitted > 0 {
				continue
			}
			return

		case noncemanager.OutcomeReady:
			if !s.broadcastReady(ctx, result.Tx, result.Expected) {
				return
			}
		}
	}
}

// peeker adapts the upstream queue to the nonce manager's rescan interface
func (s *Service) peeker() noncemanager.UpstreamPeeker {
	return upstreamPeeker{upstream: s.upstream}
}

type upstreamPeeker struct {
	upstream UpstreamQueue
}

func (p upstreamPeeker) Peek(ctx context.Context, max int) ([]noncemanager.PeekedMessage, error) {
	messages, err := p.upstream.Peek(ctx, max)
	if err != nil {
		return nil, err
	}
	peeked := make([]noncemanager.PeekedMessage, len(messages))
	for i, message := range messages {
		peeked[i] = noncemanager.PeekedMessage{
			Body:          message.Body,
			ReceiptHandle: message.ReceiptHandle,
		}
	}
	return peeked, nil
}

func (p upstreamPeeker) DeleteMessage(ctx context.Context, receiptHandle string) error {
	return p.upstream.DeleteMessage(ctx, receiptHandle)
}

// broadcastReady submits one ready transaction. The caller's processing
// lock is always resolved through one of the nonce manager callbacks.
// Returns true when the drain loop should continue with the next nonce.
func (s *Service) broadcastReady(ctx context.Context, tx *models.QueuedTransaction, expected uint64) bool {
	chainID := tx.ChainContext.ChainID
	txKey := tx.Key()
	startTime := time.Now()

	began, err := s.store.TryBeginProcessing(ctx, txKey)
	if err != nil {
		s.logger.ErrorWithChain(chainID, "Store error claiming %s: %v", txKey, err)
		_ = s.nonceManager.OnBroadcastTransient(ctx, chainID, tx.SenderAddress)
		return false
	}
	if !began {
		// A crashed worker left its claim behind, or the transaction already
		// went out. The broadcasted marker decides.
		if hash, ok, _ := s.store.IsBroadcasted(ctx, txKey); ok {
			s.completeDuplicate(ctx, tx, hash)
			return true
		}
		s.logger.NoticeWithChain(chainID, "Transaction %s is claimed elsewhere, backing off", txKey)
		_ = s.nonceManager.OnBroadcastTransient(ctx, chainID, tx.SenderAddress)
		return false
	}
	defer func() {
		if err := s.store.EndProcessing(ctx, txKey); err != nil {
			s.logger.ErrorWithChain(chainID, "Failed to release claim on %s: %v", txKey, err)
		}
	}()

	// Idempotency: a redelivered transaction that already went out is
	// completed without another RPC call
	if hash, ok, err := s.store.IsBroadcasted(ctx, txKey); err == nil && ok {
		s.completeDuplicate(ctx, tx, hash)
		return true
	}

	s.markBroadcasting(ctx, tx)

	outcome := s.broadcastWithRetries(ctx, tx)

	metrics.BroadcastDuration.WithLabelValues(strconv.FormatInt(chainID, 10)).
		Observe(time.Since(startTime).Seconds())

	if outcome.OK {
		s.completeSuccess(ctx, tx, outcome.BroadcastHash)
		if breaker, ok := s.breakers[chainID]; ok {
			breaker.Reset()
		}
		return true
	}

	metrics.BroadcastErrors.WithLabelValues(strconv.FormatInt(chainID, 10), string(outcome.Class)).Inc()
	if breaker, ok := s.breakers[chainID]; ok {
		breaker.RecordFailure()
	}

	conflict := retrypolicy.DetectNonceConflict(outcome.Err)
	switch {
	case conflict.IsConflict && conflict.Kind == retrypolicy.ConflictTooHigh:
		s.handleNonceTooHigh(ctx, tx, expected, outcome)
		return false

	case conflict.IsConflict && conflict.Kind == retrypolicy.ConflictTooLow:
		s.completePermanent(ctx, tx, "nonce too low", outcome)
		return true

	case outcome.Class.Permanent():
		s.completePermanent(ctx, tx, outcome.Err.Error(), outcome)
		return true

	default:
		return s.handleTransient(ctx, tx, outcome)
	}
}

// broadcastWithRetries drives the broadcaster under the retry policy.
// Delays come from the policy; only retryable classes loop.
func (s *Service) broadcastWithRetries(ctx context.Context, tx *models.QueuedTransaction) broadcaster.Outcome {
	chainID := tx.ChainContext.ChainID

	var outcome broadcaster.Outcome
	for attempt := 0; ; attempt++ {
		outcome = s.broadcaster.Broadcast(ctx, tx.SignedPayload, chainID)
		if outcome.OK {
			return outcome
		}

		decision := s.policy.ShouldRetry(outcome.Class, attempt)
		if !decision.Retry {
			return outcome
		}

		metrics.RetryCount.WithLabelValues(strconv.FormatInt(chainID, 10)).Inc()
		s.logger.NoticeWithChain(chainID, "Retrying %s in %v (attempt %d, %s)",
			tx.TxHash, decision.Delay, attempt+1, decision.Reason)

		select {
		case <-ctx.Done():
			return outcome
		case <-time.After(decision.Delay):
		}
	}
}

// handleNonceTooHigh parks the transaction in the reorder buffer and
// reports the gap to the dead-letter queue for visibility
func (s *Service) handleNonceTooHigh(ctx context.Context, tx *models.QueuedTransaction, expected uint64, outcome broadcaster.Outcome) {
	chainID := tx.ChainContext.ChainID
	info, err := s.nonceManager.NonceGapInfo(ctx, chainID, tx.SenderAddress)
	if err != nil {
		info = models.NonceGapInfo{HasGap: true, Expected: expected, Actual: tx.Nonce}
	}

	s.logger.ErrorWithChain(chainID, "Chain rejected nonce %d for %s as too high (expected %d)",
		tx.Nonce, tx.SenderAddress, expected)

	dlqErr := models.DLQError{
		Type:    "NonceGap",
		Code:    string(outcome.Class),
		Message: outcome.Err.Error(),
		Details: &models.DLQDetails{NonceGapInfo: &info},
	}
	if err := s.dlq.Publish(ctx, mustJSON(tx), dlqErr, 1); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to report nonce gap to DLQ: %v", err)
	}

	// The request is not finished, only deferred
	s.setStatus(ctx, tx, statestore.StatusSigned)

	if err := s.nonceManager.OnNonceTooHigh(ctx, *tx, expected); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to enter gap state for %s: %v", tx.SenderAddress, err)
	}
}

// handleTransient releases the sender and escalates to the DLQ once the
// retry counter for this transaction passes the ceiling
func (s *Service) handleTransient(ctx context.Context, tx *models.QueuedTransaction, outcome broadcaster.Outcome) bool {
	chainID := tx.ChainContext.ChainID

	attempts, err := s.store.IncrementRetry(ctx, tx.Key())
	if err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to bump retry counter for %s: %v", tx.Key(), err)
	}

	if attempts > s.cfg.MaxRetries {
		metrics.MaxRetriesReached.WithLabelValues(strconv.FormatInt(chainID, 10), string(outcome.Class)).Inc()
		s.logger.ErrorWithChain(chainID, "Giving up on %s after %d delivery attempts", tx.TxHash, attempts)
		s.completePermanent(ctx, tx, outcome.Err.Error(), outcome)
		return true
	}

	s.logger.NoticeWithChain(chainID, "Transient failure for %s (%s), will retry on next drain",
		tx.TxHash, outcome.Class)
	if err := s.nonceManager.OnBroadcastTransient(ctx, chainID, tx.SenderAddress); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to release %s after transient error: %v", tx.SenderAddress, err)
	}
	return false
}

package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
	"github.com/payout-hq/tx-broadcaster/pkg/statestore"
)

// completeSuccess finishes a broadcast transaction: idempotency marker,
// state transition, sent record, downstream result, cursor advance
func (s *Service) completeSuccess(ctx context.Context, tx *models.QueuedTransaction, broadcastHash string) {
	chainID := tx.ChainContext.ChainID

	if err := s.store.MarkBroadcasted(ctx, tx.Key(), broadcastHash); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to mark %s broadcasted: %v", tx.Key(), err)
	}

	s.setStatus(ctx, tx, statestore.StatusBroadcasted)

	now := time.Now().UTC()
	if err := s.stateStore.SaveSentTransaction(&statestore.SentTransaction{
		RequestID:     tx.RequestID,
		BatchID:       tx.BatchID,
		OriginalHash:  tx.TxHash,
		BroadcastHash: broadcastHash,
		ChainID:       chainID,
		Sender:        tx.SenderAddress,
		Nonce:         tx.Nonce,
		BroadcastedAt: now,
	}); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to save sent transaction %s: %v", tx.TxHash, err)
	}

	s.emitResult(ctx, tx, models.BroadcastResult{
		Status:        models.StatusBroadcasted,
		BroadcastHash: broadcastHash,
		BroadcastedAt: &now,
	})

	if err := s.nonceManager.OnBroadcastSuccess(ctx, chainID, tx.SenderAddress, tx.Nonce); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to advance cursor for %s: %v", tx.SenderAddress, err)
	}

	metrics.TransactionsBroadcasted.WithLabelValues(strconv.FormatInt(chainID, 10), "broadcasted").Inc()
	s.logger.InfoWithChain(chainID, "Broadcast nonce %d for %s: %s", tx.Nonce, tx.SenderAddress, broadcastHash)
}

// completeDuplicate finishes a redelivered transaction whose broadcast
// already happened: no RPC call, one more downstream result
func (s *Service) completeDuplicate(ctx context.Context, tx *models.QueuedTransaction, broadcastHash string) {
	chainID := tx.ChainContext.ChainID
	metrics.DuplicateDeliveries.WithLabelValues(strconv.FormatInt(chainID, 10)).Inc()
	s.logger.NoticeWithChain(chainID, "Duplicate delivery of %s, already broadcast as %s", tx.TxHash, broadcastHash)

	s.setStatus(ctx, tx, statestore.StatusBroadcasted)

	now := time.Now().UTC()
	s.emitResult(ctx, tx, models.BroadcastResult{
		Status:        models.StatusBroadcasted,
		BroadcastHash: broadcastHash,
		BroadcastedAt: &now,
	})

	if err := s.nonceManager.OnBroadcastSuccess(ctx, chainID, tx.SenderAddress, tx.Nonce); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to advance cursor for %s: %v", tx.SenderAddress, err)
	}
}

// completePermanent finishes a permanently failed transaction: failure
// result, FAILED status, nonce back to the pool, and a DLQ copy for the
// classes whose sink includes it
func (s *Service) completePermanent(ctx context.Context, tx *models.QueuedTransaction, errText string, outcome broadcaster.Outcome) {
	chainID := tx.ChainContext.ChainID

	s.markFailed(ctx, tx.RequestID, tx.BatchID, tx.Kind, errText)

	if err := s.stateStore.MarkAsFailed(tx.TxHash); err != nil {
		s.logger.DebugWithChain(chainID, "No sent record to fail for %s: %v", tx.TxHash, err)
	}

	sentToDLQ := outcome.Class != broadcaster.ClassInsufficientFunds
	if sentToDLQ {
		dlqErr := models.DLQError{
			Type:    string(outcome.Class),
			Message: errText,
		}
		if err := s.dlq.Publish(ctx, mustJSON(tx), dlqErr, 1); err != nil {
			s.logger.ErrorWithChain(chainID, "Failed to dead-letter %s: %v", tx.TxHash, err)
			sentToDLQ = false
		} else {
			metrics.MessagesDeadLettered.WithLabelValues(strconv.FormatInt(chainID, 10), string(outcome.Class)).Inc()
		}
	}

	s.emitResult(ctx, tx, models.BroadcastResult{
		Status: models.StatusFailed,
		Error:  errText,
		Metadata: models.ResultMetadata{
			SentToDLQ: sentToDLQ,
		},
	})

	if err := s.nonceManager.OnBroadcastPermanent(ctx, chainID, tx.SenderAddress, tx.Nonce); err != nil {
		s.logger.ErrorWithChain(chainID, "Failed to pool nonce %d for %s: %v", tx.Nonce, tx.SenderAddress, err)
	}

	metrics.TransactionsBroadcasted.WithLabelValues(strconv.FormatInt(chainID, 10), "failed").Inc()
	s.logger.ErrorWithChain(chainID, "Permanent failure for nonce %d of %s: %s", tx.Nonce, tx.SenderAddress, errText)
}

// emitResult fills the shared result fields and publishes downstream.
// Batch transactions get one result carrying every affected request.
func (s *Service) emitResult(ctx context.Context, tx *models.QueuedTransaction, result models.BroadcastResult) {
	result.ID = uuid.NewString()
	result.Kind = tx.Kind
	result.OriginalHash = tx.TxHash
	result.Chain = tx.ChainContext.Chain
	result.Network = tx.ChainContext.Network

	if tx.Kind == models.KindBatch {
		result.BatchID = tx.BatchID
		if affected, err := s.stateStore.RequestIDsInBatch(tx.BatchID); err == nil {
			result.Metadata.AffectedRequests = affected
		}
	} else {
		result.RequestID = tx.RequestID
	}

	if err := s.results.PublishResult(ctx, result); err != nil {
		s.logger.ErrorWithChain(tx.ChainContext.ChainID, "Failed to publish result for %s: %v", tx.TxHash, err)
	}
}

// resultInput carries the fields of a failure result for a message that
// never became a queued transaction
type resultInput struct {
	requestID string
	batchID   string
	kind      models.TxKind
	chain     string
	network   string
	errText   string
	sentToDLQ bool
	retries   int
}

// emitFailureResult publishes a failure result for a message that never
// became a queued transaction
func (s *Service) emitFailureResult(ctx context.Context, in resultInput) {
	result := models.BroadcastResult{
		ID:      uuid.NewString(),
		Kind:    in.kind,
		Status:  models.StatusFailed,
		Error:   in.errText,
		Chain:   in.chain,
		Network: in.network,
		Metadata: models.ResultMetadata{
			SentToDLQ:  in.sentToDLQ,
			RetryCount: in.retries,
		},
	}
	if in.kind == models.KindBatch {
		result.BatchID = in.batchID
	} else {
		result.RequestID = in.requestID
	}

	if err := s.results.PublishResult(ctx, result); err != nil {
		s.logger.Error("Failed to publish failure result for %s: %v", in.requestID, err)
	}
}

// markBroadcasting moves the request into the BROADCASTING state before the
// RPC call goes out
func (s *Service) markBroadcasting(ctx context.Context, tx *models.QueuedTransaction) {
	s.setStatus(ctx, tx, statestore.StatusBroadcasting)
}

// setStatus writes the request or batch lifecycle status
func (s *Service) setStatus(ctx context.Context, tx *models.QueuedTransaction, status string) {
	var err error
	if tx.Kind == models.KindBatch {
		err = s.stateStore.UpdateBatchStatus(tx.BatchID, status)
	} else {
		err = s.stateStore.UpdateStatus(tx.RequestID, status)
	}
	if err != nil {
		s.logger.ErrorWithChain(tx.ChainContext.ChainID, "Failed to set status %s for request %s: %v",
			status, tx.RequestID, err)
	}
}

// markFailed records a terminal failure with its reason
func (s *Service) markFailed(ctx context.Context, requestID, batchID string, kind models.TxKind, errText string) {
	var err error
	if kind == models.KindBatch {
		err = s.stateStore.UpdateBatchStatus(batchID, statestore.StatusFailed)
	} else {
		err = s.stateStore.UpdateStatusWithError(requestID, statestore.StatusFailed, errText)
	}
	if err != nil {
		s.logger.Error("Failed to mark request %s failed: %v", requestID, err)
	}
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

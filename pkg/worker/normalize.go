package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
	"github.com/payout-hq/tx-broadcaster/pkg/queue"
)

// handleMessage normalizes one upstream message, inserts it into its
// sender's queue, and drains the sender if it is free
func (s *Service) handleMessage(ctx context.Context, message queue.Message) {
	tx, dlqErr := s.normalize(message)
	if dlqErr != nil {
		s.deadLetter(ctx, message, *dlqErr)
		return
	}

	chainID := tx.ChainContext.ChainID

	if breaker, ok := s.breakers[chainID]; ok && breaker.IsEnabled() && breaker.IsOpen() {
		// Leave the message in flight; the visibility timeout redelivers it
		// once the chain has had a chance to recover
		s.logger.NoticeWithChain(chainID, "Circuit open, deferring request %s", tx.RequestID)
		return
	}

	if err := s.nonceManager.Insert(ctx, *tx); err != nil {
		// Store trouble is transient: the undeleted message will come back
		s.logger.ErrorWithChain(chainID, "Failed to queue request %s: %v", tx.RequestID, err)
		metrics.StoreErrors.Inc()
		return
	}

	// The transaction now lives in the sender's queue; the upstream copy is
	// no longer needed
	if err := s.upstream.DeleteMessage(ctx, message.ReceiptHandle); err != nil {
		s.logger.Error("Failed to delete upstream message %s: %v", message.ID, err)
	}

	s.logger.InfoWithChain(chainID, "Queued nonce %d for %s (request %s)",
		tx.Nonce, tx.SenderAddress, tx.RequestID)

	s.drainSender(ctx, chainID, tx.SenderAddress)
}

// normalize converts an upstream message into the canonical queued
// transaction. The signed payload is authoritative for sender, nonce, hash
// and chain ID; a chain that disagrees with the payload is rejected, and a
// declared nonce that disagrees is logged and ignored.
func (s *Service) normalize(message queue.Message) (*models.QueuedTransaction, *models.DLQError) {
	var msg models.SignedTxMessage
	if err := json.Unmarshal([]byte(message.Body), &msg); err != nil {
		return nil, &models.DLQError{
			Type:    "MalformedMessage",
			Message: errors.Wrap(err, "message body is not valid JSON").Error(),
		}
	}

	if msg.SignedPayload == "" || msg.RequestID == "" || msg.Chain == "" || msg.Network == "" {
		return nil, &models.DLQError{
			Type:    "MalformedMessage",
			Message: "missing required fields: requestId, signedPayload, chain and network are mandatory",
		}
	}
	if msg.Kind == "" {
		msg.Kind = models.KindSingle
	}
	if msg.Kind == models.KindBatch && msg.BatchID == "" {
		return nil, &models.DLQError{
			Type:    "MalformedMessage",
			Message: "batch message without batchId",
		}
	}

	decoded, err := broadcaster.DecodeSignedTx(msg.SignedPayload)
	if err != nil {
		return nil, &models.DLQError{
			Type:    "Validation",
			Message: errors.Wrap(err, "signed payload rejected").Error(),
		}
	}

	spec, err := s.resolver.Resolve(msg.Chain, msg.Network)
	if err != nil {
		return nil, &models.DLQError{
			Type:    "Unsupported",
			Message: err.Error(),
		}
	}
	if decoded.ChainID != spec.ChainID {
		return nil, &models.DLQError{
			Type:    "Validation",
			Message: errors.Errorf("payload targets chain %d but %s/%s is chain %d",
				decoded.ChainID, msg.Chain, msg.Network, spec.ChainID).Error(),
		}
	}
	if msg.Nonce != nil && *msg.Nonce != decoded.Nonce {
		s.logger.NoticeWithChain(decoded.ChainID,
			"Request %s declared nonce %d but payload carries %d; using the payload",
			msg.RequestID, *msg.Nonce, decoded.Nonce)
	}

	return &models.QueuedTransaction{
		SignedPayload: msg.SignedPayload,
		TxHash:        decoded.Hash,
		Nonce:         decoded.Nonce,
		SenderAddress: strings.ToLower(decoded.Sender),
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
	}, nil
}

// deadLetter routes a message to the DLQ, marks the originating request
// failed when it is identifiable, and deletes the upstream copy only after
// the DLQ write succeeded
func (s *Service) deadLetter(ctx context.Context, message queue.Message, dlqErr models.DLQError) {
	s.logger.Error("Dead-lettering message %s: %s (%s)", message.ID, dlqErr.Message, dlqErr.Type)

	if err := s.dlq.Publish(ctx, message.Body, dlqErr, message.ReceiveCount); err != nil {
		// Keep the original; the visibility timeout will redeliver it
		s.logger.Error("DLQ publish failed for message %s: %v", message.ID, err)
		return
	}
	metrics.MessagesDeadLettered.WithLabelValues("0", dlqErr.Type).Inc()

	// Best effort: if the body identifies a request, record the failure
	var msg models.SignedTxMessage
	if err := json.Unmarshal([]byte(message.Body), &msg); err == nil && msg.RequestID != "" {
		s.markFailed(ctx, msg.RequestID, msg.BatchID, msg.Kind, dlqErr.Message)
		s.emitFailureResult(ctx, resultInput{
			requestID: msg.RequestID,
			batchID:   msg.BatchID,
			kind:      msg.Kind,
			chain:     msg.Chain,
			network:   msg.Network,
			errText:   dlqErr.Message,
			sentToDLQ: true,
			retries:   message.ReceiveCount,
		})
	}

	if err := s.upstream.DeleteMessage(ctx, message.ReceiptHandle); err != nil {
		s.logger.Error("Failed to delete dead-lettered message %s: %v", message.ID, err)
	}
}

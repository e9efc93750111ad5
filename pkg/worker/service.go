package worker

import (
	"context"
	"sync"
	"time"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
	"github.com/payout-hq/tx-broadcaster/pkg/circuitbreaker"
	"github.com/payout-hq/tx-broadcaster/pkg/config"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
	"github.com/payout-hq/tx-broadcaster/pkg/noncemanager"
	"github.com/payout-hq/tx-broadcaster/pkg/queue"
	"github.com/payout-hq/tx-broadcaster/pkg/retrypolicy"
	"github.com/payout-hq/tx-broadcaster/pkg/statestore"
)

const (
	// drainInterval is how often queued senders are re-checked for work
	drainInterval = 5 * time.Second
	// receiveBatch is how many upstream messages one poll asks for
	receiveBatch = 10
)

// TxBroadcaster is the broadcast operation the worker drives
type TxBroadcaster interface {
	Broadcast(ctx context.Context, signedPayload string, expectedChainID int64) broadcaster.Outcome
}

// StateStore is the subset of the relational store the worker writes
type StateStore interface {
	UpdateStatus(requestID, status string) error
	UpdateStatusWithError(requestID, status, message string) error
	UpdateBatchStatus(batchID, status string) error
	RequestIDsInBatch(batchID string) ([]string, error)
	SaveSentTransaction(tx *statestore.SentTransaction) error
	MarkAsFailed(originalHash string) error
}

// ResultPublisher emits broadcast results downstream
type ResultPublisher interface {
	PublishResult(ctx context.Context, result models.BroadcastResult) error
}

// DLQSink wraps failed messages for the dead-letter queue
type DLQSink interface {
	Publish(ctx context.Context, originalBody string, dlqErr models.DLQError, attemptCount int) error
}

// ChainResolver maps (chain, network) pairs to chain entries
type ChainResolver interface {
	Resolve(chain, network string) (chainregistry.ChainSpec, error)
}

// UpstreamQueue is the consumer side of the signed-tx queue
type UpstreamQueue interface {
	Receive(ctx context.Context, max int) ([]queue.Message, error)
	Peek(ctx context.Context, max int) ([]queue.Message, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// Service is the long-running worker loop: it polls the upstream queue,
// feeds the nonce manager, and drives broadcasts for ready transactions
type Service struct {
	cfg          *config.Config
	upstream     UpstreamQueue
	results      ResultPublisher
	dlq          DLQSink
	store        coordstore.Store
	stateStore   StateStore
	nonceManager *noncemanager.Manager
	broadcaster  TxBroadcaster
	resolver     ChainResolver
	policy       *retrypolicy.Policy
	breakers     map[int64]*circuitbreaker.CircuitBreaker
	logger       logger.Logger

	jobs chan queue.Message
	wg   sync.WaitGroup

	mu       sync.Mutex
	draining map[string]bool
}

// NewService wires the worker loop
func NewService(
	cfg *config.Config,
	upstream UpstreamQueue,
	results ResultPublisher,
	dlq DLQSink,
	store coordstore.Store,
	stateStore StateStore,
	nonceManager *noncemanager.Manager,
	txBroadcaster TxBroadcaster,
	resolver ChainResolver,
	chainIDs []int64,
	log logger.Logger,
) *Service {
	policy := retrypolicy.NewPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.Multiplier = cfg.RetryMultiplier

	breakers := make(map[int64]*circuitbreaker.CircuitBreaker)
	for _, chainID := range chainIDs {
		breakers[chainID] = circuitbreaker.NewCircuitBreaker(
			cfg.CircuitBreaker.Enabled,
			cfg.CircuitBreaker.Threshold,
			cfg.CircuitBreaker.WindowDuration,
			cfg.CircuitBreaker.ResetTimeout,
			log,
		)
	}

	return &Service{
		cfg:          cfg,
		upstream:     upstream,
		results:      results,
		dlq:          dlq,
		store:        store,
		stateStore:   stateStore,
		nonceManager: nonceManager,
		broadcaster:  txBroadcaster,
		resolver:     resolver,
		policy:       policy,
		breakers:     breakers,
		logger:       log,
		jobs:         make(chan queue.Message, 100), // Buffer for inbound messages
		draining:     make(map[string]bool),
	}
}

// Breakers exposes the per-chain circuit breakers for the health server
func (s *Service) Breakers() map[int64]*circuitbreaker.CircuitBreaker {
	return s.breakers
}

// Start runs the worker loop until the context is cancelled. In-flight
// message handling finishes before Start returns.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("Starting %d worker goroutines", s.cfg.WorkerCount)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		go s.worker(ctx, i)
	}

	go s.periodicDrain(ctx)
	go s.periodicSweep(ctx)

	s.logger.Info("Polling upstream queue %s", s.cfg.SignedTxQueueURL)
	for {
		select {
		case <-ctx.Done():
			s.logger.Notice("Context cancelled, shutting down worker loop")
			close(s.jobs)
			s.wg.Wait() // Wait for in-flight messages to finish
			return
		default:
		}

		messages, err := s.upstream.Receive(ctx, receiveBatch)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("Error receiving upstream messages: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		metrics.QueueDepth.Set(float64(len(messages)))
		for _, message := range messages {
			s.wg.Add(1)
			s.jobs <- message
		}
	}
}

// worker handles inbound messages from the job channel
func (s *Service) worker(ctx context.Context, id int) {
	s.logger.Debug("Starting worker %d", id)
	for message := range s.jobs {
		s.handleMessage(ctx, message)
		s.wg.Done()
	}
	s.logger.Debug("Worker %d shutting down: channel closed", id)
}

// periodicDrain re-checks queued senders so transactions left behind by a
// gap, a transient failure, or another worker's crash get picked up
func (s *Service) periodicDrain(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			senders, err := s.nonceManager.SendersWithWork(ctx)
			if err != nil {
				s.logger.Error("Error listing senders with work: %v", err)
				continue
			}
			for _, senderKey := range senders {
				chainID, sender, ok := coordstore.SplitSenderKey(senderKey)
				if !ok {
					continue
				}
				s.drainSender(ctx, chainID, sender)
			}
		}
	}
}

// periodicSweep releases locks abandoned by crashed workers
func (s *Service) periodicSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LockTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := s.nonceManager.SweepExpiredLocks(ctx)
			if err != nil {
				s.logger.Error("Lock sweep failed: %v", err)
				continue
			}
			for _, senderKey := range released {
				chainID, sender, ok := coordstore.SplitSenderKey(senderKey)
				if !ok {
					continue
				}
				s.logger.Notice("Resuming sender %s after lock expiry", sender)
				s.drainSender(ctx, chainID, sender)
			}
		}
	}
}

// tryStartDrain marks a sender as being drained by this process so the
// poll path and the periodic path do not double up
func (s *Service) tryStartDrain(senderKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining[senderKey] {
		return false
	}
	s.draining[senderKey] = true
	return true
}

func (s *Service) endDrain(senderKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.draining, senderKey)
}

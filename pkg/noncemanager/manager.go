package noncemanager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/metrics"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

var (
	// ErrNonceUnknown is returned when the expected nonce cannot be
	// established from the pool, the cursor, or the chain. The engine must
	// never fall back to zero.
	ErrNonceUnknown = errors.New("expected nonce unknown")

	// ErrInsertContention is returned when an insert loses the pending-list
	// write race more times than allowed
	ErrInsertContention = errors.New("pending list contention")
)

const (
	insertMaxAttempts  = 3
	nonceFetchAttempts = 3
	nonceFetchTimeout  = 10 * time.Second
)

// GapSignal is sent to the recovery collaborator when a gap survives its
// timeout. The engine only signals; filling the gap is not its job.
type GapSignal struct {
	ChainID int64
	Sender  string
	Info    models.NonceGapInfo
}

// waitingState tracks an open gap for a sender
type waitingState struct {
	expectedNonce uint64
	since         time.Time
}

// Manager owns the per-sender serial queues. The coordination store holds
// the authoritative pending lists and cursors; this struct keeps a
// write-through cursor cache and the in-memory reorder buffer for
// future-dated nonces.
type Manager struct {
	store   coordstore.Store
	clients broadcaster.ClientSource
	logger  logger.Logger

	mu        sync.Mutex
	cursors   map[string]uint64
	hasCursor map[string]bool
	reorder   map[string]map[uint64]models.QueuedTransaction
	waiting   map[string]waitingState
	gapCancel map[string]context.CancelFunc

	gapCheckInterval time.Duration
	gapTimeout       time.Duration
	lockTimeout      time.Duration

	// onGapTimeout receives the recovery signal for gaps that outlive the
	// gap timer. Optional.
	onGapTimeout func(GapSignal)
}

// Option configures a Manager
type Option func(*Manager)

// WithGapTiming overrides the gap timer interval and total timeout
func WithGapTiming(interval, timeout time.Duration) Option {
	return func(m *Manager) {
		m.gapCheckInterval = interval
		m.gapTimeout = timeout
	}
}

// WithLockTimeout overrides the lock expiry used by sweeps
func WithLockTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.lockTimeout = timeout
	}
}

// WithGapSignal installs the recovery collaborator callback
func WithGapSignal(fn func(GapSignal)) Option {
	return func(m *Manager) {
		m.onGapTimeout = fn
	}
}

// NewManager creates a nonce manager over the given store and RPC clients
func NewManager(store coordstore.Store, clients broadcaster.ClientSource, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		clients:          clients,
		logger:           log,
		cursors:          make(map[string]uint64),
		hasCursor:        make(map[string]bool),
		reorder:          make(map[string]map[uint64]models.QueuedTransaction),
		waiting:          make(map[string]waitingState),
		gapCancel:        make(map[string]context.CancelFunc),
		gapCheckInterval: 10 * time.Second,
		gapTimeout:       60 * time.Second,
		lockTimeout:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// senderKey qualifies a sender with its chain for store keys
func senderKey(tx *models.QueuedTransaction) string {
	return coordstore.SenderKey(tx.ChainContext.ChainID, tx.SenderAddress)
}

// Insert adds a transaction to its sender's pending queue. Within a queue,
// nonces are unique and ascending; a duplicate nonce is replaced only by an
// arrival of equal or higher priority. The write is a read-merge-write with
// contention detection so it commutes with a concurrent lock holder's
// mutations.
func (m *Manager) Insert(ctx context.Context, tx models.QueuedTransaction) error {
	key := senderKey(&tx)

	for attempt := 0; attempt < insertMaxAttempts; attempt++ {
		pending, err := m.store.GetPending(ctx, key)
		if err != nil {
			return err
		}

		merged, changed := mergeByNonce(pending, tx)
		if !changed {
			m.logger.DebugWithChain(tx.ChainContext.ChainID,
				"Ignoring nonce %d for %s: lower priority than queued duplicate", tx.Nonce, tx.SenderAddress)
			return nil
		}

		ok, err := m.store.SetPendingIfUnchanged(ctx, key, pending, merged)
		if err != nil {
			return err
		}
		if ok {
			metrics.PendingTransactions.WithLabelValues(tx.SenderAddress).Set(float64(len(merged)))
			m.noteArrival(key, tx)
			return nil
		}

		// Lost the write race; re-read and merge again
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}

	return errors.Wrapf(ErrInsertContention, "sender %s nonce %d", tx.SenderAddress, tx.Nonce)
}

// mergeByNonce inserts tx into the nonce-sorted list, replacing an existing
// entry only when the new priority is at least as high
func mergeByNonce(pending []models.QueuedTransaction, tx models.QueuedTransaction) ([]models.QueuedTransaction, bool) {
	for i, existing := range pending {
		if existing.Nonce != tx.Nonce {
			continue
		}
		if tx.Priority < existing.Priority {
			return pending, false
		}
		merged := make([]models.QueuedTransaction, len(pending))
		copy(merged, pending)
		merged[i] = tx
		return merged, true
	}

	merged := append(append([]models.QueuedTransaction{}, pending...), tx)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Nonce < merged[j].Nonce })
	return merged, true
}

// noteArrival updates the in-memory gap state after a successful insert. An
// arrival of the awaited nonce clears the wait; a future-dated arrival is
// mirrored into the reorder buffer.
func (m *Manager) noteArrival(key string, tx models.QueuedTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wait, waiting := m.waiting[key]
	if !waiting {
		return
	}

	if tx.Nonce == wait.expectedNonce {
		delete(m.waiting, key)
		if cancel, ok := m.gapCancel[key]; ok {
			cancel()
			delete(m.gapCancel, key)
		}
		delete(m.reorder[key], tx.Nonce)
		m.logger.InfoWithChain(tx.ChainContext.ChainID,
			"Gap for %s closed by arrival of nonce %d", tx.SenderAddress, tx.Nonce)
		return
	}

	if tx.Nonce > wait.expectedNonce {
		if _, ok := m.reorder[key]; !ok {
			m.reorder[key] = make(map[uint64]models.QueuedTransaction)
		}
		m.reorder[key][tx.Nonce] = tx
	}
}

// ExpectedNonce determines the next nonce the chain will accept for a
// sender: the smallest pooled failed nonce wins, then the cached cursor,
// then the persisted cursor, then the chain itself. It fails with
// ErrNonceUnknown rather than guessing.
func (m *Manager) ExpectedNonce(ctx context.Context, chainID int64, sender string) (uint64, error) {
	return m.expectedNonce(ctx, chainID, sender, false)
}

func (m *Manager) expectedNonce(ctx context.Context, chainID int64, sender string, refresh bool) (uint64, error) {
	key := coordstore.SenderKey(chainID, sender)

	// Failed nonces are reused before the cursor advances past them
	if nonce, ok, err := m.store.SmallestFailedNonce(ctx, chainID, sender); err != nil {
		return 0, err
	} else if ok {
		return nonce, nil
	}

	if !refresh {
		m.mu.Lock()
		cursor, ok := m.cursors[key]
		hasCursor := ok && m.hasCursor[key]
		m.mu.Unlock()
		if hasCursor {
			return cursor + 1, nil
		}
	}

	cursor, ok, err := m.store.GetCursor(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		m.cacheCursor(key, cursor)
		return cursor + 1, nil
	}

	return m.fetchNonceFromChain(ctx, chainID, sender, key)
}

// fetchNonceFromChain queries the chain's transaction count with bounded
// retries. The returned count is the next expected nonce.
func (m *Manager) fetchNonceFromChain(ctx context.Context, chainID int64, sender, key string) (uint64, error) {
	client, err := m.clients.ClientByID(ctx, chainID)
	if err != nil {
		return 0, errors.Wrap(ErrNonceUnknown, err.Error())
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < nonceFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, errors.Wrap(ErrNonceUnknown, ctx.Err().Error())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		fetchCtx, cancel := context.WithTimeout(ctx, nonceFetchTimeout)
		count, err := client.NonceAt(fetchCtx, common.HexToAddress(sender), nil)
		cancel()
		if err != nil {
			lastErr = err
			m.logger.ErrorWithChain(chainID, "Nonce fetch attempt %d for %s failed: %v", attempt+1, sender, err)
			continue
		}

		if count > 0 {
			m.cacheCursor(key, count-1)
		}
		return count, nil
	}

	return 0, errors.Wrapf(ErrNonceUnknown, "chain query for %s failed: %v", sender, lastErr)
}

func (m *Manager) cacheCursor(key string, cursor uint64) {
	m.mu.Lock()
	m.cursors[key] = cursor
	m.hasCursor[key] = true
	m.mu.Unlock()
}

// invalidateCursor drops the cached cursor so the next read goes to the store
func (m *Manager) invalidateCursor(key string) {
	m.mu.Lock()
	delete(m.cursors, key)
	delete(m.hasCursor, key)
	m.mu.Unlock()
}

package coordstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

// ErrStoreUnavailable wraps any coordination store failure. Callers must
// treat it as transient and retry.
var ErrStoreUnavailable = errors.New("coordination store unavailable")

// Default TTLs for coordination keys
const (
	LockTTL        = 60 * time.Second
	ProcessingTTL  = 5 * time.Minute
	BroadcastedTTL = time.Hour
	RetryTTL       = 24 * time.Hour
)

// SenderKey qualifies a sender address with its chain so queues on
// different chains never interleave
func SenderKey(chainID int64, sender string) string {
	return fmt.Sprintf("%d:%s", chainID, sender)
}

// SplitSenderKey is the inverse of SenderKey
func SplitSenderKey(key string) (int64, string, bool) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return 0, "", false
	}
	chainID, err := strconv.ParseInt(key[:i], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return chainID, key[i+1:], true
}

// Store is the typed facade over the shared key-value store. It is the
// single source of truth for cross-worker coordination; in-memory caches
// must always be verifiable against it.
type Store interface {
	// GetPending returns a sender's pending list, sorted by nonce ascending
	GetPending(ctx context.Context, sender string) ([]models.QueuedTransaction, error)

	// SetPending atomically replaces a sender's pending list
	SetPending(ctx context.Context, sender string, txs []models.QueuedTransaction) error

	// SetPendingIfUnchanged replaces the pending list only if it still equals
	// old. Returns false when a concurrent writer got there first.
	SetPendingIfUnchanged(ctx context.Context, sender string, old, txs []models.QueuedTransaction) (bool, error)

	// GetCursor returns the last broadcasted nonce; ok is false when unknown
	GetCursor(ctx context.Context, sender string) (uint64, bool, error)

	// SetCursor records the last broadcasted nonce
	SetCursor(ctx context.Context, sender string, nonce uint64) error

	// AcquireLock takes the sender's processing lock with a TTL, set-if-absent
	AcquireLock(ctx context.Context, sender string) (bool, error)

	// SetLockStart stamps when the held lock started
	SetLockStart(ctx context.Context, sender string) error

	// ReleaseLock drops the sender's processing lock and its start stamp
	ReleaseLock(ctx context.Context, sender string) error

	// ListSendersWithPending enumerates senders that have a pending list
	ListSendersWithPending(ctx context.Context) ([]string, error)

	// ListSendersWithLocks enumerates senders currently locked
	ListSendersWithLocks(ctx context.Context) ([]string, error)

	// SweepExpiredLocks releases locks whose start stamp is older than
	// timeout and returns the affected senders
	SweepExpiredLocks(ctx context.Context, timeout time.Duration) ([]string, error)

	// IsBroadcasted returns the stored broadcast hash for a transaction key
	IsBroadcasted(ctx context.Context, txKey string) (string, bool, error)

	// MarkBroadcasted records the broadcast hash for a transaction key
	MarkBroadcasted(ctx context.Context, txKey, hash string) error

	// TryBeginProcessing claims a transaction key, set-if-absent
	TryBeginProcessing(ctx context.Context, txKey string) (bool, error)

	// EndProcessing releases a transaction key claim
	EndProcessing(ctx context.Context, txKey string) error

	// IncrementRetry bumps the retry counter for an upstream message id
	IncrementRetry(ctx context.Context, msgID string) (int, error)

	// AddFailedNonce returns a permanently failed nonce to the reuse pool
	AddFailedNonce(ctx context.Context, chainID int64, sender string, nonce uint64) error

	// SmallestFailedNonce returns the lowest pooled nonce, if any
	SmallestFailedNonce(ctx context.Context, chainID int64, sender string) (uint64, bool, error)

	// RemoveFailedNonce drops a nonce from the reuse pool
	RemoveFailedNonce(ctx context.Context, chainID int64, sender string, nonce uint64) error

	// SetLastProcessed stamps when a sender was last drained
	SetLastProcessed(ctx context.Context, sender string, at time.Time) error

	// GetLastProcessed returns when a sender was last drained; zero when never
	GetLastProcessed(ctx context.Context, sender string) (time.Time, error)

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// Close releases store connections
	Close() error
}

func pendingKey(sender string) string     { return "pending:" + sender }
func cursorKey(sender string) string      { return "cursor:" + sender }
func lockKey(sender string) string        { return "lock:" + sender }
func lockStartKey(sender string) string   { return "lockStartedAt:" + sender }
func lastProcKey(sender string) string    { return "lastProcessed:" + sender }
func processingKey(txKey string) string   { return "processing:" + txKey }
func broadcastedKey(txKey string) string  { return "broadcasted:" + txKey }
func retryKey(msgID string) string        { return "retry:" + msgID }
func poolKey(chainID int64, sender string) string {
	return fmt.Sprintf("pool:%d:%s", chainID, sender)
}

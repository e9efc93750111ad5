package coordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local development.
// TTL bookkeeping mirrors the Redis implementation closely enough for the
// engine's semantics; keys expire lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryEntry
	pools   map[string]map[uint64]struct{}
	retries map[string]int
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memoryEntry),
		pools:   make(map[string]map[uint64]struct{}),
		retries: make(map[string]int),
	}
}

func (s *MemoryStore) get(key string) ([]byte, bool) {
	entry, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.values, key)
		return nil, false
	}
	return entry.data, true
}

func (s *MemoryStore) set(key string, data []byte, ttl time.Duration) {
	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	s.values[key] = entry
}

func (s *MemoryStore) setNX(key string, data []byte, ttl time.Duration) bool {
	if _, ok := s.get(key); ok {
		return false
	}
	s.set(key, data, ttl)
	return true
}

func (s *MemoryStore) GetPending(ctx context.Context, sender string) ([]models.QueuedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.get(pendingKey(sender))
	if !ok {
		return nil, nil
	}
	var txs []models.QueuedTransaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, wrapErr(err)
	}
	return txs, nil
}

func (s *MemoryStore) SetPending(ctx context.Context, sender string, txs []models.QueuedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPendingLocked(sender, txs)
}

func (s *MemoryStore) setPendingLocked(sender string, txs []models.QueuedTransaction) error {
	if len(txs) == 0 {
		delete(s.values, pendingKey(sender))
		return nil
	}
	data, err := json.Marshal(txs)
	if err != nil {
		return wrapErr(err)
	}
	s.set(pendingKey(sender), data, 0)
	return nil
}

func (s *MemoryStore) SetPendingIfUnchanged(ctx context.Context, sender string, old, txs []models.QueuedTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _ := s.get(pendingKey(sender))
	var expected []byte
	if len(old) > 0 {
		var err error
		expected, err = json.Marshal(old)
		if err != nil {
			return false, wrapErr(err)
		}
	}
	if !bytes.Equal(current, expected) {
		return false, nil
	}
	return true, s.setPendingLocked(sender, txs)
}

func (s *MemoryStore) GetCursor(ctx context.Context, sender string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.get(cursorKey(sender))
	if !ok {
		return 0, false, nil
	}
	var nonce uint64
	if err := json.Unmarshal(data, &nonce); err != nil {
		return 0, false, wrapErr(err)
	}
	return nonce, true, nil
}

func (s *MemoryStore) SetCursor(ctx context.Context, sender string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(nonce)
	s.set(cursorKey(sender), data, 0)
	return nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setNX(lockKey(sender), []byte("memory"), LockTTL), nil
}

func (s *MemoryStore) SetLockStart(ctx context.Context, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(time.Now().UnixMilli())
	s.set(lockStartKey(sender), data, 10*time.Minute)
	return nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, lockKey(sender))
	delete(s.values, lockStartKey(sender))
	return nil
}

func (s *MemoryStore) ListSendersWithPending(ctx context.Context) ([]string, error) {
	return s.listByPrefix("pending:"), nil
}

func (s *MemoryStore) ListSendersWithLocks(ctx context.Context) ([]string, error) {
	return s.listByPrefix("lock:"), nil
}

func (s *MemoryStore) listByPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var senders []string
	for key := range s.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.get(key); !ok {
			continue
		}
		senders = append(senders, strings.TrimPrefix(key, prefix))
	}
	return senders
}

func (s *MemoryStore) SweepExpiredLocks(ctx context.Context, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for key := range s.values {
		if !strings.HasPrefix(key, "lockStartedAt:") {
			continue
		}
		data, ok := s.get(key)
		if !ok {
			continue
		}
		var startedAt int64
		if err := json.Unmarshal(data, &startedAt); err != nil {
			continue
		}
		if time.Since(time.UnixMilli(startedAt)) <= timeout {
			continue
		}
		sender := strings.TrimPrefix(key, "lockStartedAt:")
		delete(s.values, lockKey(sender))
		delete(s.values, key)
		released = append(released, sender)
	}
	return released, nil
}

func (s *MemoryStore) IsBroadcasted(ctx context.Context, txKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.get(broadcastedKey(txKey))
	if !ok {
		return "", false, nil
	}
	return string(data), true, nil
}

func (s *MemoryStore) MarkBroadcasted(ctx context.Context, txKey, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(broadcastedKey(txKey), []byte(hash), BroadcastedTTL)
	return nil
}

func (s *MemoryStore) TryBeginProcessing(ctx context.Context, txKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setNX(processingKey(txKey), []byte("memory"), ProcessingTTL), nil
}

func (s *MemoryStore) EndProcessing(ctx context.Context, txKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, processingKey(txKey))
	return nil
}

func (s *MemoryStore) IncrementRetry(ctx context.Context, msgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retries[msgID]++
	return s.retries[msgID], nil
}

func (s *MemoryStore) AddFailedNonce(ctx context.Context, chainID int64, sender string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := poolKey(chainID, sender)
	if _, ok := s.pools[key]; !ok {
		s.pools[key] = make(map[uint64]struct{})
	}
	s.pools[key][nonce] = struct{}{}
	return nil
}

func (s *MemoryStore) SmallestFailedNonce(ctx context.Context, chainID int64, sender string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := s.pools[poolKey(chainID, sender)]
	if len(pool) == 0 {
		return 0, false, nil
	}
	var smallest uint64
	found := false
	for nonce := range pool {
		if !found || nonce < smallest {
			smallest = nonce
			found = true
		}
	}
	return smallest, found, nil
}

func (s *MemoryStore) RemoveFailedNonce(ctx context.Context, chainID int64, sender string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pools[poolKey(chainID, sender)], nonce)
	return nil
}

func (s *MemoryStore) SetLastProcessed(ctx context.Context, sender string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, _ := json.Marshal(at.UnixMilli())
	s.set(lastProcKey(sender), data, 0)
	return nil
}

func (s *MemoryStore) GetLastProcessed(ctx context.Context, sender string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.get(lastProcKey(sender))
	if !ok {
		return time.Time{}, nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return time.Time{}, wrapErr(err)
	}
	return time.UnixMilli(ms), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

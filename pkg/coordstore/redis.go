package coordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/models"
)

// RedisStore implements Store backed by Redis. One instance is shared by all
// workers in a process; the lock owner token identifies the process.
type RedisStore struct {
	pool       *redis.Pool
	ownerToken string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over a connection pool to the given address
func NewRedisStore(addr, password string) *RedisStore {
	pool := &redis.Pool{
		MaxIdle:     10,
		MaxActive:   50,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(5 * time.Second),
				redis.DialReadTimeout(5 * time.Second),
				redis.DialWriteTimeout(5 * time.Second),
			}
			if password != "" {
				opts = append(opts, redis.DialPassword(password))
			}
			return redis.Dial("tcp", addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	return &RedisStore{
		pool:       pool,
		ownerToken: uuid.NewString(),
	}
}

func (s *RedisStore) conn(ctx context.Context) (redis.Conn, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return conn, nil
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrStoreUnavailable, err.Error())
}

func (s *RedisStore) GetPending(ctx context.Context, sender string) ([]models.QueuedTransaction, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", pendingKey(sender)))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err)
	}

	var txs []models.QueuedTransaction
	if err := json.Unmarshal(data, &txs); err != nil {
		return nil, wrapErr(err)
	}
	return txs, nil
}

func (s *RedisStore) SetPending(ctx context.Context, sender string, txs []models.QueuedTransaction) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if len(txs) == 0 {
		_, err = redis.DoContext(conn, ctx, "DEL", pendingKey(sender))
		return wrapErr(err)
	}

	data, err := json.Marshal(txs)
	if err != nil {
		return wrapErr(err)
	}
	_, err = redis.DoContext(conn, ctx, "SET", pendingKey(sender), data)
	return wrapErr(err)
}

// SetPendingIfUnchanged uses WATCH/MULTI/EXEC so a concurrent writer aborts
// the transaction instead of being silently overwritten
func (s *RedisStore) SetPendingIfUnchanged(ctx context.Context, sender string, old, txs []models.QueuedTransaction) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	key := pendingKey(sender)

	if _, err := redis.DoContext(conn, ctx, "WATCH", key); err != nil {
		return false, wrapErr(err)
	}

	current, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if err != nil && err != redis.ErrNil {
		return false, wrapErr(err)
	}

	var expected []byte
	if len(old) > 0 {
		expected, err = json.Marshal(old)
		if err != nil {
			return false, wrapErr(err)
		}
	}
	if !bytes.Equal(current, expected) {
		_, _ = redis.DoContext(conn, ctx, "UNWATCH")
		return false, nil
	}

	if err := conn.Send("MULTI"); err != nil {
		return false, wrapErr(err)
	}
	if len(txs) == 0 {
		if err := conn.Send("DEL", key); err != nil {
			return false, wrapErr(err)
		}
	} else {
		data, err := json.Marshal(txs)
		if err != nil {
			return false, wrapErr(err)
		}
		if err := conn.Send("SET", key, data); err != nil {
			return false, wrapErr(err)
		}
	}

	reply, err := redis.DoContext(conn, ctx, "EXEC")
	if err != nil {
		return false, wrapErr(err)
	}
	// EXEC returns nil when the watched key changed
	return reply != nil, nil
}

func (s *RedisStore) GetCursor(ctx context.Context, sender string) (uint64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	nonce, err := redis.Uint64(redis.DoContext(conn, ctx, "GET", cursorKey(sender)))
	if err == redis.ErrNil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapErr(err)
	}
	return nonce, true, nil
}

func (s *RedisStore) SetCursor(ctx context.Context, sender string, nonce uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SET", cursorKey(sender), strconv.FormatUint(nonce, 10))
	return wrapErr(err)
}

func (s *RedisStore) AcquireLock(ctx context.Context, sender string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reply, err := redis.String(redis.DoContext(conn, ctx, "SET", lockKey(sender), s.ownerToken,
		"NX", "EX", int(LockTTL.Seconds())))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	return reply == "OK", nil
}

func (s *RedisStore) SetLockStart(ctx context.Context, sender string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SET", lockStartKey(sender), time.Now().UnixMilli(),
		"EX", int((10 * time.Minute).Seconds()))
	return wrapErr(err)
}

func (s *RedisStore) ReleaseLock(ctx context.Context, sender string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "DEL", lockKey(sender), lockStartKey(sender))
	return wrapErr(err)
}

func (s *RedisStore) ListSendersWithPending(ctx context.Context) ([]string, error) {
	return s.scanSenders(ctx, "pending:")
}

func (s *RedisStore) ListSendersWithLocks(ctx context.Context) ([]string, error) {
	return s.scanSenders(ctx, "lock:")
}

// scanSenders enumerates keys with the given prefix and strips it
func (s *RedisStore) scanSenders(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var senders []string
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", prefix+"*", "COUNT", 100))
		if err != nil {
			return nil, wrapErr(err)
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return nil, wrapErr(err)
		}
		for _, key := range keys {
			senders = append(senders, strings.TrimPrefix(key, prefix))
		}
		if cursor == 0 {
			return senders, nil
		}
	}
}

func (s *RedisStore) SweepExpiredLocks(ctx context.Context, timeout time.Duration) ([]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var released []string
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", "lockStartedAt:*", "COUNT", 100))
		if err != nil {
			return nil, wrapErr(err)
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return nil, wrapErr(err)
		}

		for _, key := range keys {
			startedAt, err := redis.Int64(redis.DoContext(conn, ctx, "GET", key))
			if err == redis.ErrNil {
				continue
			}
			if err != nil {
				return released, wrapErr(err)
			}
			if time.Since(time.UnixMilli(startedAt)) <= timeout {
				continue
			}

			sender := strings.TrimPrefix(key, "lockStartedAt:")
			if _, err := redis.DoContext(conn, ctx, "DEL", lockKey(sender), key); err != nil {
				return released, wrapErr(err)
			}
			released = append(released, sender)
		}

		if cursor == 0 {
			return released, nil
		}
	}
}

func (s *RedisStore) IsBroadcasted(ctx context.Context, txKey string) (string, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	hash, err := redis.String(redis.DoContext(conn, ctx, "GET", broadcastedKey(txKey)))
	if err == redis.ErrNil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return hash, true, nil
}

func (s *RedisStore) MarkBroadcasted(ctx context.Context, txKey, hash string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SET", broadcastedKey(txKey), hash, "EX", int(BroadcastedTTL.Seconds()))
	return wrapErr(err)
}

func (s *RedisStore) TryBeginProcessing(ctx context.Context, txKey string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reply, err := redis.String(redis.DoContext(conn, ctx, "SET", processingKey(txKey), s.ownerToken,
		"NX", "EX", int(ProcessingTTL.Seconds())))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(err)
	}
	return reply == "OK", nil
}

func (s *RedisStore) EndProcessing(ctx context.Context, txKey string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "DEL", processingKey(txKey))
	return wrapErr(err)
}

func (s *RedisStore) IncrementRetry(ctx context.Context, msgID string) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	count, err := redis.Int(redis.DoContext(conn, ctx, "INCR", retryKey(msgID)))
	if err != nil {
		return 0, wrapErr(err)
	}
	if _, err := redis.DoContext(conn, ctx, "EXPIRE", retryKey(msgID), int(RetryTTL.Seconds())); err != nil {
		return count, wrapErr(err)
	}
	return count, nil
}

func (s *RedisStore) AddFailedNonce(ctx context.Context, chainID int64, sender string, nonce uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SADD", poolKey(chainID, sender), strconv.FormatUint(nonce, 10))
	return wrapErr(err)
}

func (s *RedisStore) SmallestFailedNonce(ctx context.Context, chainID int64, sender string) (uint64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	members, err := redis.Strings(redis.DoContext(conn, ctx, "SMEMBERS", poolKey(chainID, sender)))
	if err != nil {
		return 0, false, wrapErr(err)
	}
	if len(members) == 0 {
		return 0, false, nil
	}

	var smallest uint64
	found := false
	for _, member := range members {
		nonce, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			continue
		}
		if !found || nonce < smallest {
			smallest = nonce
			found = true
		}
	}
	return smallest, found, nil
}

func (s *RedisStore) RemoveFailedNonce(ctx context.Context, chainID int64, sender string, nonce uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SREM", poolKey(chainID, sender), strconv.FormatUint(nonce, 10))
	return wrapErr(err)
}

func (s *RedisStore) SetLastProcessed(ctx context.Context, sender string, at time.Time) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "SET", lastProcKey(sender), at.UnixMilli())
	return wrapErr(err)
}

func (s *RedisStore) GetLastProcessed(ctx context.Context, sender string) (time.Time, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	ms, err := redis.Int64(redis.DoContext(conn, ctx, "GET", lastProcKey(sender)))
	if err == redis.ErrNil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrapErr(err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = redis.DoContext(conn, ctx, "PING")
	return wrapErr(err)
}

func (s *RedisStore) Close() error {
	return s.pool.Close()
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SIGNED_TX_QUEUE_URL", "https://sqs.example/signed-tx")
	t.Setenv("BROADCAST_TX_QUEUE_URL", "https://sqs.example/broadcast-tx")
	t.Setenv("SIGNED_TX_DLQ_URL", "https://sqs.example/signed-tx-dlq")
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("POLYGON_MAINNET_RPC_URL", "https://polygon-rpc.example")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.WorkerCount)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.StoreMaxRetries)
	assert.Equal(t, 60*time.Second, cfg.LockTimeout)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 10*time.Second, cfg.GapCheckInterval)
	assert.Equal(t, 60*time.Second, cfg.GapTimeout)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, int64(137), cfg.Chains[0].ChainID)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("LOCK_TIMEOUT", "90s")
	t.Setenv("RETRY_BASE_DELAY", "500ms")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.LockTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, "localhost:6380", cfg.RedisAddr())
}

func TestLoadConfigRequiresQueueURLs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNED_TX_QUEUE_URL", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRequiresRedis(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_HOST", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRequiresChains(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("POLYGON_MAINNET_RPC_URL", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadMultipleChains(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BSC_MAINNET_RPC_URL", "https://bsc-rpc.example")
	t.Setenv("ETHEREUM_MAINNET_RPC_URL", "https://eth-rpc.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Chains, 3)
}

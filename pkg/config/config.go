package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
)

// Config holds the configuration for the broadcaster service
type Config struct {
	SignedTxQueueURL    string
	BroadcastTxQueueURL string
	SignedTxDLQURL      string

	AWSRegion   string
	AWSEndpoint string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	DatabaseDSN string

	Host string
	Port string

	LogLevel string

	WorkerCount     int
	MaxRetries      int
	StoreMaxRetries int
	LockTimeout     time.Duration

	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64

	GapCheckInterval time.Duration
	GapTimeout       time.Duration

	CircuitBreaker CircuitBreakerConfig

	Chains []chainregistry.ChainSpec
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	// Load worker count
	workerCount, err := strconv.Atoi(os.Getenv("WORKER_COUNT"))
	if err != nil || workerCount <= 0 {
		workerCount = 10 // default value
	}

	// Load max retries
	maxRetries, err := strconv.Atoi(os.Getenv("MAX_RETRIES"))
	if err != nil || maxRetries <= 0 {
		maxRetries = 5 // default value
	}

	// Load store retry ceiling
	storeMaxRetries, err := strconv.Atoi(os.Getenv("STORE_MAX_RETRIES"))
	if err != nil || storeMaxRetries <= 0 {
		storeMaxRetries = 10 // default value
	}

	// Load lock timeout
	lockTimeout := 60 * time.Second
	if lockTimeoutStr := os.Getenv("LOCK_TIMEOUT"); lockTimeoutStr != "" {
		if parsed, err := time.ParseDuration(lockTimeoutStr); err == nil {
			lockTimeout = parsed
		}
	}

	// Load retry backoff settings
	retryBaseDelay := 2 * time.Second
	if s := os.Getenv("RETRY_BASE_DELAY"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			retryBaseDelay = parsed
		}
	}
	retryMaxDelay := 60 * time.Second
	if s := os.Getenv("RETRY_MAX_DELAY"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			retryMaxDelay = parsed
		}
	}
	retryMultiplier := 2.0
	if s := os.Getenv("RETRY_MULTIPLIER"); s != "" {
		if parsed, err := strconv.ParseFloat(s, 64); err == nil && parsed > 1 {
			retryMultiplier = parsed
		}
	}

	// Load gap handling settings
	gapCheckInterval := 10 * time.Second
	if s := os.Getenv("GAP_CHECK_INTERVAL"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			gapCheckInterval = parsed
		}
	}
	gapTimeout := 60 * time.Second
	if s := os.Getenv("GAP_TIMEOUT"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			gapTimeout = parsed
		}
	}

	// Load circuit breaker configuration
	cbEnabled, _ := strconv.ParseBool(os.Getenv("CIRCUIT_BREAKER_ENABLED"))
	cbThreshold, err := strconv.Atoi(os.Getenv("CIRCUIT_BREAKER_THRESHOLD"))
	if err != nil || cbThreshold <= 0 {
		cbThreshold = 5 // Default: trip after 5 failures
	}

	cbWindowStr := os.Getenv("CIRCUIT_BREAKER_WINDOW")
	cbWindow := 5 * time.Minute // Default: 5 minute window
	if cbWindowStr != "" {
		if parsedWindow, err := time.ParseDuration(cbWindowStr); err == nil {
			cbWindow = parsedWindow
		}
	}

	cbResetStr := os.Getenv("CIRCUIT_BREAKER_RESET")
	cbReset := 15 * time.Minute // Default: 15 minute reset timeout
	if cbResetStr != "" {
		if parsedReset, err := time.ParseDuration(cbResetStr); err == nil {
			cbReset = parsedReset
		}
	}

	// Load health server binding
	host := os.Getenv("HOST")
	if host == "" {
		host = "0.0.0.0"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080" // default value
	}

	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379" // default value
	}

	cfg := &Config{
		SignedTxQueueURL:    os.Getenv("SIGNED_TX_QUEUE_URL"),
		BroadcastTxQueueURL: os.Getenv("BROADCAST_TX_QUEUE_URL"),
		SignedTxDLQURL:      os.Getenv("SIGNED_TX_DLQ_URL"),
		AWSRegion:           os.Getenv("AWS_REGION"),
		AWSEndpoint:         os.Getenv("AWS_ENDPOINT"),
		RedisHost:           os.Getenv("REDIS_HOST"),
		RedisPort:           redisPort,
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		DatabaseDSN:         os.Getenv("DATABASE_DSN"),
		Host:                host,
		Port:                port,
		LogLevel:            os.Getenv("LOG_LEVEL"),
		WorkerCount:         workerCount,
		MaxRetries:          maxRetries,
		StoreMaxRetries:     storeMaxRetries,
		LockTimeout:         lockTimeout,
		RetryBaseDelay:      retryBaseDelay,
		RetryMaxDelay:       retryMaxDelay,
		RetryMultiplier:     retryMultiplier,
		GapCheckInterval:    gapCheckInterval,
		GapTimeout:          gapTimeout,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		Chains: loadChainSpecs(),
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.SignedTxQueueURL == "" {
		return fmt.Errorf("SIGNED_TX_QUEUE_URL environment variable is required")
	}
	if cfg.BroadcastTxQueueURL == "" {
		return fmt.Errorf("BROADCAST_TX_QUEUE_URL environment variable is required")
	}
	if cfg.SignedTxDLQURL == "" {
		return fmt.Errorf("SIGNED_TX_DLQ_URL environment variable is required")
	}
	if cfg.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST environment variable is required")
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain configuration is required")
	}
	return nil
}

// RedisAddr returns the host:port address of the coordination store
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	TransactionsBroadcasted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_transactions_total",
		Help: "The total number of processed transactions by outcome",
	}, []string{"chain_id", "status"})

	BroadcastDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broadcaster_broadcast_seconds",
		Help:    "Time taken to broadcast a transaction including retries",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // Start at 100ms with 12 buckets doubling in size
	}, []string{"chain_id"})

	BroadcastErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_errors_total",
		Help: "Total number of broadcast errors by class",
	}, []string{"chain_id", "error_class"})

	PendingTransactions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcaster_pending_transactions",
		Help: "Number of transactions queued per sender",
	}, []string{"sender"})

	NonceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_nonce_gaps_total",
		Help: "Number of nonce gaps detected",
	}, []string{"chain_id"})

	GapWaitSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcaster_gap_wait_seconds",
		Help: "Seconds the oldest gapped sender has been waiting",
	})

	ReorderBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcaster_reorder_buffer_size",
		Help: "Number of future-dated transactions held in the reorder buffer",
	})

	DuplicateDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_duplicate_deliveries_total",
		Help: "Upstream redeliveries short-circuited by the idempotency marker",
	}, []string{"chain_id"})

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_retry_count_total",
		Help: "Total number of retry attempts",
	}, []string{"chain_id"})

	MaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_max_retries_reached_total",
		Help: "Number of messages that reached maximum retry attempts",
	}, []string{"chain_id", "error_class"})

	MessagesDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcaster_dlq_messages_total",
		Help: "Number of messages routed to the dead-letter queue",
	}, []string{"chain_id", "error_class"})

	LocksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcaster_locks_swept_total",
		Help: "Number of expired processing locks released by sweeps",
	})

	ExpiredLockRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcaster_lock_recoveries_total",
		Help: "Number of senders resumed after a lock expiry",
	})

	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcaster_store_errors_total",
		Help: "Coordination store operations that failed",
	})

	GasPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "broadcaster_gas_price_gwei",
		Help: "Current gas price in gwei",
	}, []string{"chain_id"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broadcaster_upstream_queue_batch_size",
		Help: "Messages received in the most recent upstream poll",
	})
)

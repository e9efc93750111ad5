package worker

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
	"github.com/payout-hq/tx-broadcaster/pkg/config"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/models"
	"github.com/payout-hq/tx-broadcaster/pkg/noncemanager"
	"github.com/payout-hq/tx-broadcaster/pkg/queue"
	"github.com/payout-hq/tx-broadcaster/pkg/statestore"
	"github.com/payout-hq/tx-broadcaster/pkg/testutil"
)

const testChainID = int64(137)

// fakeUpstream records deletions; Receive is unused because tests drive
// handleMessage directly
type fakeUpstream struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeUpstream) Receive(ctx context.Context, max int) ([]queue.Message, error) {
	return nil, nil
}

func (f *fakeUpstream) Peek(ctx context.Context, max int) ([]queue.Message, error) {
	return nil, nil
}

func (f *fakeUpstream) DeleteMessage(ctx context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

type fakeResults struct {
	mu      sync.Mutex
	results []models.BroadcastResult
}

func (f *fakeResults) PublishResult(ctx context.Context, result models.BroadcastResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

type dlqEntry struct {
	body    string
	err     models.DLQError
	attempt int
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (f *fakeDLQ) Publish(ctx context.Context, originalBody string, dlqErr models.DLQError, attemptCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, dlqEntry{body: originalBody, err: dlqErr, attempt: attemptCount})
	return nil
}

type fakeStateStore struct {
	mu       sync.Mutex
	statuses map[string]string
	errs     map[string]string
	sent     []*statestore.SentTransaction
	batches  map[string][]string
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		statuses: make(map[string]string),
		errs:     make(map[string]string),
		batches:  make(map[string][]string),
	}
}

func (f *fakeStateStore) UpdateStatus(requestID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[requestID] = status
	return nil
}

func (f *fakeStateStore) UpdateStatusWithError(requestID, status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[requestID] = status
	f.errs[requestID] = message
	return nil
}

func (f *fakeStateStore) UpdateBatchStatus(batchID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses["batch:"+batchID] = status
	return nil
}

func (f *fakeStateStore) RequestIDsInBatch(batchID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[batchID], nil
}

func (f *fakeStateStore) SaveSentTransaction(tx *statestore.SentTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeStateStore) MarkAsFailed(originalHash string) error {
	return nil
}

func (f *fakeStateStore) status(requestID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[requestID]
}

// fakeBroadcaster pops scripted outcomes; after the script runs out every
// call succeeds with the decoded hash
type fakeBroadcaster struct {
	mu       sync.Mutex
	script   []broadcaster.Outcome
	calls    int
	payloads []string
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, signedPayload string, expectedChainID int64) broadcaster.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.payloads = append(f.payloads, signedPayload)

	if len(f.script) > 0 {
		outcome := f.script[0]
		f.script = f.script[1:]
		return outcome
	}

	decoded, err := broadcaster.DecodeSignedTx(signedPayload)
	if err != nil {
		return broadcaster.Outcome{Class: broadcaster.ClassValidation, Err: err}
	}
	return broadcaster.Outcome{OK: true, BroadcastHash: decoded.Hash}
}

func (f *fakeBroadcaster) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct{}

func (fakeResolver) Resolve(chain, network string) (chainregistry.ChainSpec, error) {
	if chain == "polygon" && network == "mainnet" {
		return chainregistry.ChainSpec{Chain: chain, Network: network, ChainID: testChainID}, nil
	}
	if chain == "bsc" && network == "mainnet" {
		return chainregistry.ChainSpec{Chain: chain, Network: network, ChainID: 56}, nil
	}
	return chainregistry.ChainSpec{}, errors.Errorf("unknown chain %s/%s", chain, network)
}

// nonceClient answers chain nonce queries for the nonce manager
type nonceClient struct {
	nonce uint64
}

func (c *nonceClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return errors.New("not used")
}

func (c *nonceClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, errors.New("not used")
}

func (c *nonceClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not used")
}

func (c *nonceClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (c *nonceClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *nonceClient) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return c.nonce, nil
}

type nonceClients struct {
	client *nonceClient
}

func (c *nonceClients) ClientByID(ctx context.Context, chainID int64) (broadcaster.EthClient, error) {
	return c.client, nil
}

func (c *nonceClients) IsSupported(chainID int64) bool { return true }

type testRig struct {
	service  *Service
	upstream *fakeUpstream
	results  *fakeResults
	dlq      *fakeDLQ
	state    *fakeStateStore
	bc       *fakeBroadcaster
	store    *coordstore.MemoryStore
	manager  *noncemanager.Manager
}

func newTestRig(t *testing.T, chainNonce uint64) *testRig {
	t.Helper()

	cfg := &config.Config{
		SignedTxQueueURL: "https://sqs.example/signed-tx",
		WorkerCount:      2,
		MaxRetries:       3,
		StoreMaxRetries:  10,
		LockTimeout:      60 * time.Second,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		RetryMultiplier:  2,
		GapCheckInterval: time.Hour,
		GapTimeout:       time.Hour,
	}

	store := coordstore.NewMemoryStore()
	manager := noncemanager.NewManager(store, &nonceClients{client: &nonceClient{nonce: chainNonce}},
		&logger.EmptyLogger{},
		noncemanager.WithGapTiming(cfg.GapCheckInterval, cfg.GapTimeout),
		noncemanager.WithLockTimeout(cfg.LockTimeout),
	)

	rig := &testRig{
		upstream: &fakeUpstream{},
		results:  &fakeResults{},
		dlq:      &fakeDLQ{},
		state:    newFakeStateStore(),
		bc:       &fakeBroadcaster{},
		store:    store,
		manager:  manager,
	}
	rig.service = NewService(cfg, rig.upstream, rig.results, rig.dlq, store, rig.state,
		manager, rig.bc, fakeResolver{}, []int64{testChainID}, &logger.EmptyLogger{})
	return rig
}

func signedMessage(t *testing.T, nonce uint64, requestID string) (queue.Message, string) {
	t.Helper()

	payload, _, hash := testutil.SignedTx(t, testChainID, nonce, testutil.DefaultKeyHex)
	body, err := json.Marshal(models.SignedTxMessage{
		RequestID:     requestID,
		Kind:          models.KindSingle,
		SignedPayload: payload,
		Chain:         "polygon",
		Network:       "mainnet",
	})
	require.NoError(t, err)

	return queue.Message{
		ID:            "msg-" + requestID,
		Body:          string(body),
		ReceiptHandle: "rh-" + requestID,
		ReceiveCount:  1,
	}, hash
}

func TestHandleMessageBroadcastsReadyTransaction(t *testing.T) {
	rig := newTestRig(t, 0)
	message, hash := signedMessage(t, 0, "req1")

	rig.service.handleMessage(context.Background(), message)

	assert.Equal(t, 1, rig.bc.callCount())
	assert.Equal(t, []string{"rh-req1"}, rig.upstream.deleted)

	require.Len(t, rig.results.results, 1)
	result := rig.results.results[0]
	assert.Equal(t, models.StatusBroadcasted, result.Status)
	assert.Equal(t, hash, result.OriginalHash)
	assert.Equal(t, hash, result.BroadcastHash)
	assert.Equal(t, "req1", result.RequestID)
	assert.NotEmpty(t, result.ID)

	assert.Equal(t, statestore.StatusBroadcasted, rig.state.status("req1"))
	require.Len(t, rig.state.sent, 1)
	assert.Equal(t, uint64(0), rig.state.sent[0].Nonce)

	sender := testutil.SenderAddress(t, testutil.DefaultKeyHex)
	cursor, ok, err := rig.store.GetCursor(context.Background(), coordstore.SenderKey(testChainID, sender))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), cursor)
}

func TestHandleMessageMalformedGoesToDLQ(t *testing.T) {
	rig := newTestRig(t, 0)

	rig.service.handleMessage(context.Background(), queue.Message{
		ID:            "m1",
		Body:          `{"requestId":"req1"}`, // no payload, chain, network
		ReceiptHandle: "rh1",
		ReceiveCount:  1,
	})

	require.Len(t, rig.dlq.entries, 1)
	assert.Equal(t, "MalformedMessage", rig.dlq.entries[0].err.Type)
	assert.Equal(t, []string{"rh1"}, rig.upstream.deleted)
	assert.Equal(t, 0, rig.bc.callCount())
}

func TestHandleMessageChainMismatchGoesToDLQ(t *testing.T) {
	rig := newTestRig(t, 0)

	// Payload targets polygon but the message claims bsc
	payload, _, _ := testutil.SignedTx(t, testChainID, 0, testutil.DefaultKeyHex)
	body, err := json.Marshal(models.SignedTxMessage{
		RequestID:     "req1",
		Kind:          models.KindSingle,
		SignedPayload: payload,
		Chain:         "bsc",
		Network:       "mainnet",
	})
	require.NoError(t, err)

	rig.service.handleMessage(context.Background(), queue.Message{
		ID: "m1", Body: string(body), ReceiptHandle: "rh1", ReceiveCount: 1,
	})

	require.Len(t, rig.dlq.entries, 1)
	assert.Equal(t, "Validation", rig.dlq.entries[0].err.Type)
	assert.Equal(t, 0, rig.bc.callCount())
}

func TestRedeliveryDoesNotRebroadcast(t *testing.T) {
	rig := newTestRig(t, 0)
	message, _ := signedMessage(t, 0, "req1")

	rig.service.handleMessage(context.Background(), message)
	require.Equal(t, 1, rig.bc.callCount())

	// The same upstream message arrives again
	rig.service.handleMessage(context.Background(), message)

	assert.Equal(t, 1, rig.bc.callCount(), "no additional RPC call for a redelivery")
}

func TestBroadcastedMarkerShortCircuits(t *testing.T) {
	rig := newTestRig(t, 0)
	ctx := context.Background()

	// A previous worker broadcast this transaction but crashed before
	// advancing the cursor
	payload, sender, hash := testutil.SignedTx(t, testChainID, 0, testutil.DefaultKeyHex)
	tx := models.QueuedTransaction{
		SignedPayload: payload,
		TxHash:        hash,
		Nonce:         0,
		SenderAddress: sender,
		ChainContext:  models.ChainContext{Chain: "polygon", Network: "mainnet", ChainID: testChainID},
		RequestID:     "req1",
		Kind:          models.KindSingle,
		EnqueuedAt:    time.Now(),
	}
	require.NoError(t, rig.manager.Insert(ctx, tx))
	require.NoError(t, rig.store.MarkBroadcasted(ctx, tx.Key(), hash))

	rig.service.drainSender(ctx, testChainID, sender)

	assert.Equal(t, 0, rig.bc.callCount(), "marker short-circuits the RPC call")
	require.Len(t, rig.results.results, 1)
	assert.Equal(t, models.StatusBroadcasted, rig.results.results[0].Status)
	assert.Equal(t, hash, rig.results.results[0].BroadcastHash)
}

func TestTransientThenSuccess(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.bc.script = []broadcaster.Outcome{
		{Class: broadcaster.ClassNetwork, Err: errors.New("connection refused"), Retryable: true},
	}
	message, _ := signedMessage(t, 0, "req1")

	rig.service.handleMessage(context.Background(), message)

	assert.Equal(t, 2, rig.bc.callCount(), "retry wrapper absorbs the transient failure")

	require.Len(t, rig.results.results, 1)
	assert.Equal(t, models.StatusBroadcasted, rig.results.results[0].Status)
	require.Len(t, rig.state.sent, 1)

	// The wrapper handled the retry internally; the delivery counter never moved
	count, err := rig.store.IncrementRetry(context.Background(), rig.results.results[0].OriginalHash)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNonceTooLowReturnsNonceAndFails(t *testing.T) {
	rig := newTestRig(t, 7)
	rig.bc.script = []broadcaster.Outcome{
		{Class: broadcaster.ClassNonceTooLow, Err: errors.New("nonce too low"), Retryable: false},
	}
	message, _ := signedMessage(t, 7, "req1")

	rig.service.handleMessage(context.Background(), message)

	assert.Equal(t, 1, rig.bc.callCount())

	require.Len(t, rig.results.results, 1)
	result := rig.results.results[0]
	assert.Equal(t, models.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "nonce too low")

	assert.Equal(t, statestore.StatusFailed, rig.state.status("req1"))

	// The nonce went back to the pool and leads the expected-nonce order
	sender := testutil.SenderAddress(t, testutil.DefaultKeyHex)
	expected, err := rig.manager.ExpectedNonce(context.Background(), testChainID, sender)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), expected)
}

func TestNonceTooHighEntersGapState(t *testing.T) {
	rig := newTestRig(t, 5)
	rig.bc.script = []broadcaster.Outcome{
		{Class: broadcaster.ClassNonceTooHigh, Err: errors.New("nonce too high"), Retryable: false},
	}
	// The chain reports 5 as next, and the queue head is 5, but the node
	// rejects it as future-dated (another node saw fewer transactions)
	message, _ := signedMessage(t, 5, "req1")

	rig.service.handleMessage(context.Background(), message)

	require.Len(t, rig.dlq.entries, 1)
	assert.Equal(t, "NonceGap", rig.dlq.entries[0].err.Type)

	sender := testutil.SenderAddress(t, testutil.DefaultKeyHex)
	_, _, waiting := rig.manager.WaitingSince(testChainID, sender)
	assert.True(t, waiting, "sender enters the gapped state")

	assert.Equal(t, statestore.StatusSigned, rig.state.status("req1"), "request is deferred, not failed")
	assert.Empty(t, rig.results.results, "no terminal result for a deferred transaction")
}

func TestRetryCeilingEscalatesToDLQ(t *testing.T) {
	rig := newTestRig(t, 0)
	message, _ := signedMessage(t, 0, "req1")
	sender := testutil.SenderAddress(t, testutil.DefaultKeyHex)

	alwaysFailing := func() []broadcaster.Outcome {
		script := make([]broadcaster.Outcome, 10)
		for i := range script {
			script[i] = broadcaster.Outcome{
				Class: broadcaster.ClassNetwork, Err: errors.New("connection refused"), Retryable: true,
			}
		}
		return script
	}

	// Delivery 1..MaxRetries: transient, transaction stays queued
	for delivery := 1; delivery <= 3; delivery++ {
		rig.bc.script = alwaysFailing()
		if delivery == 1 {
			rig.service.handleMessage(context.Background(), message)
		} else {
			rig.service.drainSender(context.Background(), testChainID, sender)
		}
		assert.Empty(t, rig.dlq.entries, "delivery %d stays transient", delivery)
	}

	// The next drain crosses the ceiling
	rig.bc.script = alwaysFailing()
	rig.service.drainSender(context.Background(), testChainID, sender)

	require.Len(t, rig.dlq.entries, 1, "exactly one DLQ write")
	require.Len(t, rig.results.results, 1)
	assert.Equal(t, models.StatusFailed, rig.results.results[0].Status)
	assert.Equal(t, statestore.StatusFailed, rig.state.status("req1"))
}

func TestBatchResultCarriesAffectedRequests(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.state.batches["batch1"] = []string{"req1", "req2", "req3"}

	payload, _, _ := testutil.SignedTx(t, testChainID, 0, testutil.DefaultKeyHex)
	body, err := json.Marshal(models.SignedTxMessage{
		RequestID:     "req1",
		Kind:          models.KindBatch,
		BatchID:       "batch1",
		SignedPayload: payload,
		Chain:         "polygon",
		Network:       "mainnet",
	})
	require.NoError(t, err)

	rig.service.handleMessage(context.Background(), queue.Message{
		ID: "m1", Body: string(body), ReceiptHandle: "rh1", ReceiveCount: 1,
	})

	require.Len(t, rig.results.results, 1)
	result := rig.results.results[0]
	assert.Equal(t, models.KindBatch, result.Kind)
	assert.Equal(t, "batch1", result.BatchID)
	assert.Empty(t, result.RequestID)
	assert.Equal(t, []string{"req1", "req2", "req3"}, result.Metadata.AffectedRequests)

	assert.Equal(t, statestore.StatusBroadcasted, rig.state.status("batch:batch1"))
}

func TestOutOfOrderDeliveriesBroadcastInOrder(t *testing.T) {
	rig := newTestRig(t, 3)

	// Nonces 5, 3, 4 arrive in that order
	msg5, _ := signedMessage(t, 5, "req5")
	msg3, _ := signedMessage(t, 3, "req3")
	msg4, _ := signedMessage(t, 4, "req4")

	rig.service.handleMessage(context.Background(), msg5)
	assert.Equal(t, 0, rig.bc.callCount(), "future nonce waits for the gap to close")

	rig.service.handleMessage(context.Background(), msg3)
	rig.service.handleMessage(context.Background(), msg4)

	sender := testutil.SenderAddress(t, testutil.DefaultKeyHex)
	rig.service.drainSender(context.Background(), testChainID, sender)

	require.Equal(t, 3, rig.bc.callCount())

	var nonces []uint64
	for _, payload := range rig.bc.payloads {
		decoded, err := broadcaster.DecodeSignedTx(payload)
		require.NoError(t, err)
		nonces = append(nonces, decoded.Nonce)
	}
	assert.Equal(t, []uint64{3, 4, 5}, nonces, "broadcast order follows nonce order")
}

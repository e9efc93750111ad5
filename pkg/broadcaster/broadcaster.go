package broadcaster

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
	"github.com/payout-hq/tx-broadcaster/pkg/logger"
)

// EthClient is the subset of the go-ethereum client the broadcaster uses
type EthClient interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

// ClientSource provides RPC clients by chain ID
type ClientSource interface {
	ClientByID(ctx context.Context, chainID int64) (EthClient, error)
	IsSupported(chainID int64) bool
}

// registrySource adapts a chain registry to the ClientSource interface
type registrySource struct {
	registry *chainregistry.Registry
}

// NewRegistrySource wraps a chain registry as a ClientSource
func NewRegistrySource(r *chainregistry.Registry) ClientSource {
	return &registrySource{registry: r}
}

func (s *registrySource) ClientByID(ctx context.Context, chainID int64) (EthClient, error) {
	client, err := s.registry.RPCClientByID(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (s *registrySource) IsSupported(chainID int64) bool {
	return s.registry.IsSupported(chainID)
}

var _ EthClient = (*ethclient.Client)(nil)

// DecodedTx holds the fields recovered from a signed payload
type DecodedTx struct {
	Tx      *types.Transaction
	Hash    string
	Sender  string
	Nonce   uint64
	ChainID int64
}

// DecodeSignedTx parses a hex-encoded signed transaction and recovers its
// sender. The payload is the authoritative source of hash, nonce, sender
// and chain ID; upstream fields are only hints.
func DecodeSignedTx(signedPayload string) (*DecodedTx, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(signedPayload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode payload hex")
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrap(err, "failed to decode transaction")
	}

	if tx.To() == nil {
		return nil, errors.New("transaction has no recipient")
	}
	v, r, s := tx.RawSignatureValues()
	if r.Sign() == 0 && s.Sign() == 0 && v.Sign() == 0 {
		return nil, errors.New("transaction is not signed")
	}

	signer := types.LatestSignerForChainID(tx.ChainId())
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover sender")
	}

	return &DecodedTx{
		Tx:      tx,
		Hash:    tx.Hash().Hex(),
		Sender:  strings.ToLower(sender.Hex()),
		Nonce:   tx.Nonce(),
		ChainID: tx.ChainId().Int64(),
	}, nil
}

// Outcome is the sum-typed result of a broadcast attempt
type Outcome struct {
	OK            bool
	BroadcastHash string
	Class         ErrorClass
	Err           error
	Retryable     bool
}

func failure(class ErrorClass, err error) Outcome {
	return Outcome{Class: class, Err: err, Retryable: class.Retryable()}
}

// NetworkInfo is a snapshot of a chain's RPC state
type NetworkInfo struct {
	BlockNumber uint64
	GasPrice    *big.Int
	ChainID     int64
}

// Broadcaster submits signed transactions to chain RPC endpoints and
// classifies failures. It never mutates engine state.
type Broadcaster struct {
	clients ClientSource
	logger  logger.Logger
}

// New creates a broadcaster over the given client source
func New(clients ClientSource, log logger.Logger) *Broadcaster {
	return &Broadcaster{
		clients: clients,
		logger:  log,
	}
}

// Broadcast parses the signed payload, verifies it targets the expected
// chain, and submits it. Failures are classified into the error taxonomy.
func (b *Broadcaster) Broadcast(ctx context.Context, signedPayload string, expectedChainID int64) Outcome {
	decoded, err := DecodeSignedTx(signedPayload)
	if err != nil {
		return failure(ClassValidation, err)
	}

	if expectedChainID != 0 && decoded.ChainID != expectedChainID {
		return failure(ClassValidation, errors.Errorf(
			"payload targets chain %d, expected %d", decoded.ChainID, expectedChainID))
	}

	if !b.clients.IsSupported(decoded.ChainID) {
		return failure(ClassUnsupported, errors.Errorf("chain id %d is not supported", decoded.ChainID))
	}

	client, err := b.clients.ClientByID(ctx, decoded.ChainID)
	if err != nil {
		return failure(Classify(err), err)
	}

	if err := client.SendTransaction(ctx, decoded.Tx); err != nil {
		if isAlreadyKnown(err) {
			b.logger.DebugWithChain(decoded.ChainID, "Transaction %s already in pool, treating as broadcasted", decoded.Hash)
			return Outcome{OK: true, BroadcastHash: decoded.Hash}
		}
		class := Classify(err)
		b.logger.ErrorWithChain(decoded.ChainID, "Broadcast of %s failed (%s): %v", decoded.Hash, class, err)
		return failure(class, err)
	}

	return Outcome{OK: true, BroadcastHash: decoded.Hash}
}

// WaitForConfirmation polls for a receipt until the transaction has the
// requested number of confirmations or the timeout elapses
func (b *Broadcaster) WaitForConfirmation(ctx context.Context, hash string, chainID int64, minConfirmations uint64, timeout time.Duration) (*types.Receipt, error) {
	client, err := b.clients.ClientByID(ctx, chainID)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	txHash := common.HexToHash(hash)

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			head, err := client.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+minConfirmations {
				return receipt, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, errors.Errorf("transaction %s not confirmed within %s", hash, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

// TransactionExists reports whether the chain knows the transaction, either
// pending or mined
func (b *Broadcaster) TransactionExists(ctx context.Context, hash string, chainID int64) (bool, error) {
	client, err := b.clients.ClientByID(ctx, chainID)
	if err != nil {
		return false, err
	}

	_, _, err = client.TransactionByHash(ctx, common.HexToHash(hash))
	if err == nil {
		return true, nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return false, nil
	}
	return false, err
}

// NetworkStatus returns the chain's current block number and gas price
func (b *Broadcaster) NetworkStatus(ctx context.Context, chainID int64) (*NetworkInfo, error) {
	client, err := b.clients.ClientByID(ctx, chainID)
	if err != nil {
		return nil, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get block number")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gas price")
	}

	return &NetworkInfo{
		BlockNumber: blockNumber,
		GasPrice:    gasPrice,
		ChainID:     chainID,
	}, nil
}

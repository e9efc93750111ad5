package chainregistry

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/payout-hq/tx-broadcaster/pkg/logger"
)

var (
	// ErrConfigInvalid is returned when the chain table fails validation
	ErrConfigInvalid = errors.New("chain configuration invalid")

	// ErrChainUnknown is returned when a (chain, network) pair is not in the table
	ErrChainUnknown = errors.New("unknown chain")
)

// ChainSpec describes one supported (chain, network) pair
type ChainSpec struct {
	Chain        string
	Network      string
	ChainID      int64
	RPCEndpoint  string
	NativeSymbol string
	Explorer     string
}

// Registry resolves (chain, network) pairs to chain entries and caches one
// RPC client per chain ID. Clients are dialed lazily and their chain ID is
// asserted against the table, never auto-detected.
type Registry struct {
	mu      sync.Mutex
	entries map[string]map[string]ChainSpec
	byID    map[int64]ChainSpec
	clients map[int64]*ethclient.Client
	logger  logger.Logger
}

// NewRegistry builds a registry from the given chain table. RPC_URL and
// CHAIN_ID environment overrides are applied here so a local node can stand
// in for a configured endpoint.
func NewRegistry(specs []ChainSpec, log logger.Logger) (*Registry, error) {
	specs = applyEnvOverrides(specs, log)

	entries := make(map[string]map[string]ChainSpec)
	byID := make(map[int64]ChainSpec)

	for _, spec := range specs {
		if spec.Chain == "" || spec.Network == "" || spec.ChainID <= 0 || spec.RPCEndpoint == "" {
			return nil, errors.Wrapf(ErrConfigInvalid, "incomplete entry for %s/%s", spec.Chain, spec.Network)
		}
		if existing, ok := byID[spec.ChainID]; ok {
			return nil, errors.Wrapf(ErrConfigInvalid, "chain id %d used by both %s/%s and %s/%s",
				spec.ChainID, existing.Chain, existing.Network, spec.Chain, spec.Network)
		}
		byID[spec.ChainID] = spec

		if _, ok := entries[spec.Chain]; !ok {
			entries[spec.Chain] = make(map[string]ChainSpec)
		}
		entries[spec.Chain][spec.Network] = spec
	}

	return &Registry{
		entries: entries,
		byID:    byID,
		clients: make(map[int64]*ethclient.Client),
		logger:  log,
	}, nil
}

// applyEnvOverrides replaces the RPC endpoint of the entry matching CHAIN_ID
// with RPC_URL. An unmatched CHAIN_ID adds a custom entry instead.
func applyEnvOverrides(specs []ChainSpec, log logger.Logger) []ChainSpec {
	rpcURL := os.Getenv("RPC_URL")
	chainIDStr := os.Getenv("CHAIN_ID")
	if rpcURL == "" || chainIDStr == "" {
		return specs
	}

	chainID, err := strconv.ParseInt(chainIDStr, 10, 64)
	if err != nil || chainID <= 0 {
		log.Error("Ignoring invalid CHAIN_ID override: %s", chainIDStr)
		return specs
	}

	for i, spec := range specs {
		if spec.ChainID == chainID {
			log.NoticeWithChain(chainID, "Overriding RPC endpoint for %s/%s with RPC_URL", spec.Chain, spec.Network)
			specs[i].RPCEndpoint = rpcURL
			return specs
		}
	}

	log.Notice("Adding custom chain entry for CHAIN_ID %d from RPC_URL", chainID)
	return append(specs, ChainSpec{
		Chain:        "custom",
		Network:      "override",
		ChainID:      chainID,
		RPCEndpoint:  rpcURL,
		NativeSymbol: "ETH",
	})
}

// Resolve looks up the entry for a (chain, network) pair
func (r *Registry) Resolve(chain, network string) (ChainSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	networks, ok := r.entries[chain]
	if !ok {
		return ChainSpec{}, errors.Wrapf(ErrChainUnknown, "%s/%s", chain, network)
	}
	spec, ok := networks[network]
	if !ok {
		return ChainSpec{}, errors.Wrapf(ErrChainUnknown, "%s/%s", chain, network)
	}
	return spec, nil
}

// IsSupported reports whether a chain ID is in the table
func (r *Registry) IsSupported(chainID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[chainID]
	return ok
}

// Spec returns the entry for a chain ID
func (r *Registry) Spec(chainID int64) (ChainSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.byID[chainID]
	return spec, ok
}

// ChainIDs returns all configured chain IDs
func (r *Registry) ChainIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// RPCClient returns the cached RPC client for a (chain, network) pair,
// dialing it on first use
func (r *Registry) RPCClient(ctx context.Context, chain, network string) (*ethclient.Client, error) {
	spec, err := r.Resolve(chain, network)
	if err != nil {
		return nil, err
	}
	return r.RPCClientByID(ctx, spec.ChainID)
}

// RPCClientByID returns the cached RPC client for a chain ID, dialing it on
// first use and asserting the endpoint reports the expected chain ID
func (r *Registry) RPCClientByID(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	r.mu.Lock()
	if client, ok := r.clients[chainID]; ok {
		r.mu.Unlock()
		return client, nil
	}
	spec, ok := r.byID[chainID]
	r.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrChainUnknown, "chain id %d", chainID)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := ethclient.DialContext(dialCtx, spec.RPCEndpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial RPC for chain %d", chainID)
	}

	reported, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to verify chain id for chain %d", chainID)
	}
	if reported.Int64() != chainID {
		client.Close()
		return nil, errors.Wrapf(ErrConfigInvalid, "endpoint for chain %d reports chain id %s", chainID, reported)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have dialed while we were connecting
	if existing, ok := r.clients[chainID]; ok {
		client.Close()
		return existing, nil
	}
	r.clients[chainID] = client
	r.logger.InfoWithChain(chainID, "Connected RPC client for %s/%s", spec.Chain, spec.Network)
	return client, nil
}

// Close disconnects all cached RPC clients
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		client.Close()
		delete(r.clients, id)
	}
}

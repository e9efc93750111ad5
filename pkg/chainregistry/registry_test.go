package chainregistry

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payout-hq/tx-broadcaster/pkg/logger"
)

func testSpecs() []ChainSpec {
	return []ChainSpec{
		{Chain: "polygon", Network: "mainnet", ChainID: 137, RPCEndpoint: "https://rpc.example/polygon", NativeSymbol: "POL"},
		{Chain: "bsc", Network: "mainnet", ChainID: 56, RPCEndpoint: "https://rpc.example/bsc", NativeSymbol: "BNB"},
	}
}

func TestNewRegistryValidatesUniqueChainIDs(t *testing.T) {
	specs := testSpecs()
	specs = append(specs, ChainSpec{
		Chain: "fork", Network: "mainnet", ChainID: 137, RPCEndpoint: "https://rpc.example/fork", NativeSymbol: "FRK",
	})

	_, err := NewRegistry(specs, &logger.EmptyLogger{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestNewRegistryRejectsIncompleteEntry(t *testing.T) {
	_, err := NewRegistry([]ChainSpec{{Chain: "polygon", Network: "mainnet", ChainID: 137}}, &logger.EmptyLogger{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}

func TestResolve(t *testing.T) {
	registry, err := NewRegistry(testSpecs(), &logger.EmptyLogger{})
	require.NoError(t, err)

	spec, err := registry.Resolve("polygon", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, int64(137), spec.ChainID)

	_, err = registry.Resolve("polygon", "amoy")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainUnknown))

	_, err = registry.Resolve("solana", "mainnet")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChainUnknown))
}

func TestIsSupported(t *testing.T) {
	registry, err := NewRegistry(testSpecs(), &logger.EmptyLogger{})
	require.NoError(t, err)

	assert.True(t, registry.IsSupported(137))
	assert.True(t, registry.IsSupported(56))
	assert.False(t, registry.IsSupported(1))
}

func TestEnvOverrideReplacesEndpoint(t *testing.T) {
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "137")

	registry, err := NewRegistry(testSpecs(), &logger.EmptyLogger{})
	require.NoError(t, err)

	spec, err := registry.Resolve("polygon", "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8545", spec.RPCEndpoint)
}

func TestEnvOverrideAddsCustomEntry(t *testing.T) {
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "31337")

	registry, err := NewRegistry(testSpecs(), &logger.EmptyLogger{})
	require.NoError(t, err)

	assert.True(t, registry.IsSupported(31337))
	spec, err := registry.Resolve("custom", "override")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8545", spec.RPCEndpoint)
}

func TestChainIDs(t *testing.T) {
	registry, err := NewRegistry(testSpecs(), &logger.EmptyLogger{})
	require.NoError(t, err)

	ids := registry.ChainIDs()
	assert.ElementsMatch(t, []int64{137, 56}, ids)
}

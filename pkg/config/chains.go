package config

import (
	"os"

	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
)

// loadChainSpecs builds the chain table from the built-in defaults,
// keeping only entries whose RPC URL is configured.
func loadChainSpecs() []chainregistry.ChainSpec {
	defaults := []struct {
		chain        string
		network      string
		chainID      int64
		rpcEnvVar    string
		nativeSymbol string
		explorer     string
	}{
		{"ethereum", "mainnet", 1, "ETHEREUM_MAINNET_RPC_URL", "ETH", "https://etherscan.io"},
		{"ethereum", "sepolia", 11155111, "ETHEREUM_SEPOLIA_RPC_URL", "ETH", "https://sepolia.etherscan.io"},
		{"polygon", "mainnet", 137, "POLYGON_MAINNET_RPC_URL", "POL", "https://polygonscan.com"},
		{"polygon", "amoy", 80002, "POLYGON_AMOY_RPC_URL", "POL", "https://amoy.polygonscan.com"},
		{"bsc", "mainnet", 56, "BSC_MAINNET_RPC_URL", "BNB", "https://bscscan.com"},
		{"bsc", "testnet", 97, "BSC_TESTNET_RPC_URL", "BNB", "https://testnet.bscscan.com"},
		{"base", "mainnet", 8453, "BASE_MAINNET_RPC_URL", "ETH", "https://basescan.org"},
		{"base", "sepolia", 84532, "BASE_SEPOLIA_RPC_URL", "ETH", "https://sepolia.basescan.org"},
	}

	var specs []chainregistry.ChainSpec
	for _, d := range defaults {
		rpcURL := os.Getenv(d.rpcEnvVar)
		if rpcURL == "" {
			continue
		}
		specs = append(specs, chainregistry.ChainSpec{
			Chain:        d.chain,
			Network:      d.network,
			ChainID:      d.chainID,
			RPCEndpoint:  rpcURL,
			NativeSymbol: d.nativeSymbol,
			Explorer:     d.explorer,
		})
	}
	return specs
}

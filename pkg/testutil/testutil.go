// Package testutil builds signed transactions for tests.
package testutil

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultKeyHex is a throwaway private key used across tests
const DefaultKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

// AltKeyHex is a second throwaway key for multi-sender tests
const AltKeyHex = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"

// SignedTx builds a signed legacy transaction and returns its hex payload,
// the lowercased sender address, and the transaction hash
func SignedTx(t *testing.T, chainID int64, nonce uint64, keyHex string) (payload, sender, hash string) {
	t.Helper()

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &common.Address{0x01},
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1000000000),
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(chainID)), key)
	if err != nil {
		t.Fatalf("failed to sign test tx: %v", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		t.Fatalf("failed to encode test tx: %v", err)
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	return hexutil.Encode(raw), strings.ToLower(from.Hex()), signed.Hash().Hex()
}

// SenderAddress returns the lowercased address for a test key
func SenderAddress(t *testing.T, keyHex string) string {
	t.Helper()

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		t.Fatalf("bad test key: %v", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

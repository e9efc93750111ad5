package broadcaster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err      string
		expected ErrorClass
	}{
		{"nonce too low", ClassNonceTooLow},
		{"replacement transaction underpriced", ClassNonceTooLow},
		{"nonce too high", ClassNonceTooHigh},
		{"tx nonce is too distant future", ClassNonceTooHigh},
		{"insufficient funds for gas * price + value", ClassInsufficientFunds},
		{"invalid sender", ClassValidation},
		{"rlp: expected input list for types.LegacyTx", ClassValidation},
		{"exceeds block gas limit", ClassValidation},
		{"connection refused", ClassNetwork},
		{"context deadline exceeded", ClassNetwork},
		{"read tcp: connection reset by peer", ClassNetwork},
		{"502 Bad Gateway", ClassNetwork},
		{"missing trie node", ClassProvider},
		{"too many requests", ClassProvider},
		{"something completely different", ClassUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.expected, Classify(errors.New(tc.err)), "error %q", tc.err)
	}
}

func TestClassRetryable(t *testing.T) {
	assert.True(t, ClassNetwork.Retryable())
	assert.True(t, ClassProvider.Retryable())
	assert.True(t, ClassStoreUnavailable.Retryable())

	assert.False(t, ClassNonceTooHigh.Retryable())
	assert.False(t, ClassNonceTooLow.Retryable())
	assert.False(t, ClassValidation.Retryable())
	assert.False(t, ClassUnknown.Retryable())
}

func TestClassPermanent(t *testing.T) {
	assert.True(t, ClassNonceTooLow.Permanent())
	assert.True(t, ClassInsufficientFunds.Permanent())
	assert.True(t, ClassValidation.Permanent())
	assert.True(t, ClassUnsupported.Permanent())
	assert.True(t, ClassUnknown.Permanent())

	assert.False(t, ClassNetwork.Permanent())
	assert.False(t, ClassNonceTooHigh.Permanent())
}

func TestIsAlreadyKnown(t *testing.T) {
	assert.True(t, isAlreadyKnown(errors.New("already known")))
	assert.True(t, isAlreadyKnown(errors.New("known transaction: 0xabc")))
	assert.False(t, isAlreadyKnown(errors.New("nonce too low")))
	assert.False(t, isAlreadyKnown(nil))
}

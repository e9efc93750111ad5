package broadcaster

import (
	"strings"
)

// ErrorClass is the closed taxonomy every broadcast failure is mapped into.
// Classification by string matching happens only in this file; the rest of
// the engine switches on the class.
type ErrorClass string

const (
	// ClassNetwork covers timeouts, DNS failures, resets and 5xx responses
	ClassNetwork ErrorClass = "network"
	// ClassProvider covers RPC backend failures
	ClassProvider ErrorClass = "provider"
	// ClassNonceTooHigh covers future-dated nonces rejected by the chain
	ClassNonceTooHigh ErrorClass = "nonce_too_high"
	// ClassNonceTooLow covers stale nonces and underpriced replacements
	ClassNonceTooLow ErrorClass = "nonce_too_low"
	// ClassInsufficientFunds covers sender balance failures
	ClassInsufficientFunds ErrorClass = "insufficient_funds"
	// ClassValidation covers malformed payloads, bad signatures and chain mismatches
	ClassValidation ErrorClass = "validation"
	// ClassUnsupported covers unknown chain IDs
	ClassUnsupported ErrorClass = "unsupported"
	// ClassStoreUnavailable covers coordination store outages
	ClassStoreUnavailable ErrorClass = "store_unavailable"
	// ClassUnknown is the fallback for anything unclassified
	ClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether in-place retry is appropriate for the class.
// Nonce conflicts are not retryable here; the nonce manager handles them.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassNetwork, ClassProvider, ClassStoreUnavailable:
		return true
	default:
		return false
	}
}

// Permanent reports whether the class terminates the transaction
func (c ErrorClass) Permanent() bool {
	switch c {
	case ClassNonceTooLow, ClassInsufficientFunds, ClassValidation, ClassUnsupported, ClassUnknown:
		return true
	default:
		return false
	}
}

// Classify maps an RPC or transport error into the taxonomy
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	errStr := strings.ToLower(err.Error())

	// Nonce conflicts first: their wording overlaps the generic buckets
	if strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "too distant future") {
		return ClassNonceTooHigh
	}
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "replacement transaction underpriced") ||
		strings.Contains(errStr, "transaction underpriced") ||
		strings.Contains(errStr, "stale nonce") {
		return ClassNonceTooLow
	}

	if strings.Contains(errStr, "insufficient funds") ||
		strings.Contains(errStr, "insufficient balance") {
		return ClassInsufficientFunds
	}

	if strings.Contains(errStr, "invalid sender") ||
		strings.Contains(errStr, "invalid signature") ||
		strings.Contains(errStr, "invalid chain id") ||
		strings.Contains(errStr, "rlp:") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "exceeds block gas limit") {
		return ClassValidation
	}

	// Network/transport errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") {
		return ClassNetwork
	}

	// RPC node state errors - the backend is unhealthy, retry elsewhere or later
	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "layer stale") ||
		strings.Contains(errStr, "internal error") ||
		strings.Contains(errStr, "request failed") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "server is overloaded") {
		return ClassProvider
	}

	return ClassUnknown
}

// isAlreadyKnown reports whether the node rejected the submission because the
// identical transaction is already in its pool. That is success for our
// purposes: the payload is on its way.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "already known") ||
		strings.Contains(errStr, "known transaction") ||
		strings.Contains(errStr, "alreadyexists")
}

package retrypolicy

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
)

// Decision is the result of a retry evaluation
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// NonceConflictKind distinguishes the ways a nonce can be rejected
type NonceConflictKind string

const (
	ConflictTooLow  NonceConflictKind = "too_low"
	ConflictTooHigh NonceConflictKind = "too_high"
	ConflictPending NonceConflictKind = "pending"
)

// NonceConflict describes a detected nonce conflict
type NonceConflict struct {
	IsConflict bool
	Kind       NonceConflictKind
	Detail     string
}

// Policy decides whether an attempt should be retried and with what delay.
// It is a pure function object; callers own the sleeping.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// NewPolicy returns a policy with the default settings
func NewPolicy() *Policy {
	return &Policy{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2,
	}
}

// ShouldRetry evaluates an error class against the attempt count. Attempt
// numbering starts at 0 for the first failure.
func (p *Policy) ShouldRetry(class broadcaster.ErrorClass, attempt int) Decision {
	if attempt >= p.MaxRetries {
		return Decision{Retry: false, Reason: "exhausted"}
	}
	if class.Permanent() {
		return Decision{Retry: false, Reason: "permanent"}
	}
	if !class.Retryable() {
		// Nonce conflicts land here; the engine routes them itself
		return Decision{Retry: false, Reason: string(class)}
	}

	return Decision{
		Retry:  true,
		Delay:  p.backoff(attempt),
		Reason: string(class),
	}
}

// backoff computes the exponential delay with +-25% uniform jitter
func (p *Policy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	jitter := (rand.Float64()*0.5 - 0.25) * delay
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Fixed patterns the chain RPCs use to report nonce conflicts. Checked
// too-high first, then too-low, then pending; the first match wins.
var (
	tooLowPatterns = []string{
		"nonce too low",
		"replacement transaction underpriced",
		"transaction underpriced",
		"stale nonce",
		"invalid nonce",
	}
	tooHighPatterns = []string{
		"nonce too high",
		"too distant future",
		"nonce gap",
	}
	pendingPatterns = []string{
		"already known",
		"known transaction",
		"same nonce already pending",
	}
)

// DetectNonceConflict parses an error against the fixed nonce conflict
// pattern set. Conflicts short-circuit retry and are handled by the engine.
func DetectNonceConflict(err error) NonceConflict {
	if err == nil {
		return NonceConflict{}
	}
	errStr := strings.ToLower(err.Error())

	for _, pattern := range tooHighPatterns {
		if strings.Contains(errStr, pattern) {
			return NonceConflict{IsConflict: true, Kind: ConflictTooHigh, Detail: err.Error()}
		}
	}
	for _, pattern := range tooLowPatterns {
		if strings.Contains(errStr, pattern) {
			return NonceConflict{IsConflict: true, Kind: ConflictTooLow, Detail: err.Error()}
		}
	}
	for _, pattern := range pendingPatterns {
		if strings.Contains(errStr, pattern) {
			return NonceConflict{IsConflict: true, Kind: ConflictPending, Detail: err.Error()}
		}
	}
	return NonceConflict{}
}

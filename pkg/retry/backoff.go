package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identifies one attempt of one retried subject.
type BackoffParams struct {
	PolicyID     string
	Subject      string // idempotency key, event id or saga step
	AttemptIndex int
}

// BackoffPolicy bounds an exponential backoff schedule.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultStorePolicy is used for transient store errors.
var DefaultStorePolicy = BackoffPolicy{
	PolicyID:    "store",
	BaseMs:      20,
	MaxMs:       1000,
	MaxJitterMs: 20,
	MaxAttempts: 5,
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.BaseMs * factor
	if policy.MaxMs > 0 && (baseDelay > policy.MaxMs || baseDelay < 0) {
		baseDelay = policy.MaxMs
	}

	jitter := ComputeDeterministicJitter(params, policy)

	return time.Duration(baseDelay+jitter) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter from the attempt identity so that
// two processes scheduling the same retry agree on its time.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.Subject, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return int64(jitterBasis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

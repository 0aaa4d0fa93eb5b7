// Package retry computes retry delays for outbox messages and webhook deliveries.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds the exponential backoff.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used by the outbox dispatcher when none is configured.
var DefaultPolicy = Policy{
	BaseMs:      500,
	MaxMs:       5 * 60 * 1000,
	MaxJitterMs: 250,
	MaxAttempts: 8,
}

// Exhausted reports whether attempts has reached the policy limit.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Backoff returns the delay before retry number attempt (0-based) of the work
// identified by key. Jitter is derived from key and attempt, so two workers
// scheduling the same retry agree on the delay.
func Backoff(key string, attempt int, p Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.BaseMs * factor
	if p.MaxMs > 0 && delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+jitter(key, attempt, p)) * time.Millisecond
}

func jitter(key string, attempt int, p Policy) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return int64(basis % uint64(p.MaxJitterMs)) //nolint:gosec // MaxJitterMs checked positive
}

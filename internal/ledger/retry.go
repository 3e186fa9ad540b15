package ledger

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds the retry loop around company-document transactions.
// Contention on a single tenant's row is expected to be brief, so waits are
// short; exhaustion is surfaced as service_unavailable (fail closed).
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for transactional store
// contention.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    50 * time.Millisecond,
		MaxWait:    1 * time.Second,
	}
}

// backoff computes the wait before the next retry attempt: exponential
// backoff with full jitter clamped to [MinWait, MaxWait].
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := float64(p.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(p.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(p.MinWait)
	if base <= minWait {
		return p.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

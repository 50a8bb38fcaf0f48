package engine

import (
	"math"
	"time"

	"hookrelay/internal/metadata"
)

// DefaultBackoffCap bounds the worst-case spacing between retries.
const DefaultBackoffCap = time.Hour

const (
	defaultMaxRetries     = 3
	defaultBackoffSeconds = 30
)

// NextRetry computes the state transition after a failed delivery
// attempt. attempts counts the attempt that just failed. Exhausted
// events go terminal; otherwise the next slot backs off exponentially
// from the webhook's base, bounded by ceiling. All non-2xx responses and
// transport errors are scheduled identically.
func NextRetry(attempts int, policy metadata.RetryPolicy, ceiling time.Duration, now time.Time) (status string, nextRetryAt time.Time) {
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if attempts >= maxRetries {
		return StatusFailed, time.Time{}
	}

	base := float64(policy.BackoffSeconds)
	if base <= 0 {
		base = defaultBackoffSeconds
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}

	delay := base * math.Pow(2, float64(attempts-1))
	if delay > ceiling.Seconds() {
		delay = ceiling.Seconds()
	}
	return StatusRetrying, now.Add(time.Duration(delay * float64(time.Second)))
}

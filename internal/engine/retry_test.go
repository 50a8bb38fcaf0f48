package engine

import (
	"testing"
	"time"

	"hookrelay/internal/metadata"
)

func TestNextRetry_ExponentialSchedule(t *testing.T) {
	policy := metadata.RetryPolicy{MaxRetries: 3, BackoffSeconds: 5, TimeoutSeconds: 10}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Attempt 1 fails: retry in 5s
	status, next := NextRetry(1, policy, DefaultBackoffCap, now)
	if status != StatusRetrying {
		t.Fatalf("expected retrying after attempt 1, got %s", status)
	}
	if got := next.Sub(now); got != 5*time.Second {
		t.Fatalf("expected next retry in 5s, got %s", got)
	}

	// Attempt 2 fails: retry in 10s
	status, next = NextRetry(2, policy, DefaultBackoffCap, now)
	if status != StatusRetrying {
		t.Fatalf("expected retrying after attempt 2, got %s", status)
	}
	if got := next.Sub(now); got != 10*time.Second {
		t.Fatalf("expected next retry in 10s, got %s", got)
	}

	// Attempt 3 fails: attempts exhausted, terminal
	status, next = NextRetry(3, policy, DefaultBackoffCap, now)
	if status != StatusFailed {
		t.Fatalf("expected failed after attempt 3, got %s", status)
	}
	if !next.IsZero() {
		t.Fatalf("expected no next retry for terminal state, got %s", next)
	}
}

func TestNextRetry_CapBoundsBackoff(t *testing.T) {
	policy := metadata.RetryPolicy{MaxRetries: 20, BackoffSeconds: 60}
	now := time.Now()

	// 60 * 2^9 = 30720s, far beyond a 1h cap
	status, next := NextRetry(10, policy, time.Hour, now)
	if status != StatusRetrying {
		t.Fatalf("expected retrying, got %s", status)
	}
	if got := next.Sub(now); got != time.Hour {
		t.Fatalf("expected capped delay of 1h, got %s", got)
	}
}

func TestNextRetry_Defaults(t *testing.T) {
	now := time.Now()

	// Zero-valued policy falls back to sane defaults instead of
	// retrying forever or never.
	status, next := NextRetry(1, metadata.RetryPolicy{}, 0, now)
	if status != StatusRetrying {
		t.Fatalf("expected retrying, got %s", status)
	}
	if got := next.Sub(now); got != 30*time.Second {
		t.Fatalf("expected default 30s backoff, got %s", got)
	}

	status, _ = NextRetry(3, metadata.RetryPolicy{}, 0, now)
	if status != StatusFailed {
		t.Fatalf("expected default max of 3 attempts, got %s", status)
	}
}

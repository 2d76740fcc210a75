package engine

import (
	"context"
	"math"
	"time"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// ComputeBackoff returns the wait before the given attempt (1-based). The
// first attempt never waits; attempt n waits DelayMs * BackoffMultiplier^(n-2).
// A zero or negative multiplier counts as 1 (constant delay).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt <= 1 || policy.DelayMs <= 0 {
		return 0
	}

	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := float64(policy.DelayMs) * math.Pow(multiplier, float64(attempt-2))
	return time.Duration(delay) * time.Millisecond
}

// WaitForBackoff sleeps for the delay or returns early when the context is
// cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// maxAttempts returns how many times a step may run under its retry policy.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy == nil || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

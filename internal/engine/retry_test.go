package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tako0614/takos-agent/pkg/schema"
)

func TestComputeBackoff(t *testing.T) {
	exponential := &schema.RetryPolicy{MaxAttempts: 5, DelayMs: 100, BackoffMultiplier: 2}
	constant := &schema.RetryPolicy{MaxAttempts: 3, DelayMs: 50}

	cases := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"no policy", nil, 2, 0},
		{"first attempt never waits", exponential, 1, 0},
		{"second attempt waits base delay", exponential, 2, 100 * time.Millisecond},
		{"third attempt doubles", exponential, 3, 200 * time.Millisecond},
		{"fourth attempt doubles again", exponential, 4, 400 * time.Millisecond},
		{"zero multiplier means constant delay", constant, 4, 50 * time.Millisecond},
		{"zero delay", &schema.RetryPolicy{MaxAttempts: 3}, 3, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeBackoff(tc.policy, tc.attempt))
		})
	}
}

func TestWaitForBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForBackoff(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	// Zero delays never touch the clock or the context.
	require.NoError(t, WaitForBackoff(ctx, 0))
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 1, maxAttempts(nil))
	assert.Equal(t, 1, maxAttempts(&schema.RetryPolicy{MaxAttempts: 0}))
	assert.Equal(t, 4, maxAttempts(&schema.RetryPolicy{MaxAttempts: 4}))
}

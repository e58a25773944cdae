package common

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowBoundary(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	rl := NewSlidingWindowLimiter(60, time.Minute, nil).WithClock(func() time.Time { return now })

	for i := 0; i < 60; i++ {
		require.NoError(t, rl.Allow(), "request %d", i+1)
		now = now.Add(500 * time.Millisecond)
	}

	err := rl.Allow()
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 60, rle.Limit)
	assert.Equal(t, 30*time.Second, rle.RetryAfter)

	// First stamp leaves the window exactly one minute after it was taken.
	now = time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)
	assert.NoError(t, rl.Allow())

	used, limit, _ := rl.Usage()
	assert.Equal(t, 60, used)
	assert.Equal(t, 60, limit)
}

func TestRecordBypassesButCounts(t *testing.T) {
	now := time.Now()
	rl := NewSlidingWindowLimiter(1, time.Minute, nil).WithClock(func() time.Time { return now })
	require.NoError(t, rl.Allow())
	rl.Record()
	used, _, pct := rl.Usage()
	assert.Equal(t, 2, used)
	assert.Equal(t, 200.0, pct)
	assert.Error(t, rl.Allow())
}

func TestDisabledLimiter(t *testing.T) {
	rl := NewSlidingWindowLimiter(0, time.Minute, nil)
	for i := 0; i < 1000; i++ {
		require.NoError(t, rl.Allow())
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Wrap(ErrConnection, "create order", errors.New("eof")), true},
		{Wrap(ErrRateLimited, "create order", nil), true},
		{Wrap(ErrAuth, "create order", nil), false},
		{fmt.Errorf("outer: %w", Wrap(ErrRejected, "create order", nil)), false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRetryable(tc.err), "%v", tc.err)
	}
}

package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewRateLimiter(3, time.Minute).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Check(ctx, "k"), "call %d", i+1)
		clock.Advance(time.Second)
	}

	err := limiter.Check(ctx, "k")
	var exceeded *RateLimitExceeded
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "k", exceeded.Key)
	assert.Equal(t, 3, exceeded.Limit)
	assert.Equal(t, time.Minute, exceeded.Window)

	clock.Advance(time.Minute)
	require.NoError(t, limiter.Check(ctx, "k"))
}

func TestRateLimiterRejectionDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewRateLimiter(1, 10*time.Second).WithClock(clock.Now)

	require.NoError(t, limiter.Check(ctx, "k"))
	clock.Advance(5 * time.Second)
	require.Error(t, limiter.Check(ctx, "k"))

	// Only the first admitted event counts toward the window.
	clock.Advance(5*time.Second + time.Millisecond)
	require.NoError(t, limiter.Check(ctx, "k"))
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(1, time.Minute)

	require.NoError(t, limiter.Check(ctx, "user:1"))
	require.NoError(t, limiter.Check(ctx, "user:2"))
	require.Error(t, limiter.Check(ctx, "user:1"))
}

func TestRateLimiterConcurrentChecksNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(25, time.Hour)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Check(ctx, "global") == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), admitted.Load())
}

func TestRateLimitExceededMessage(t *testing.T) {
	err := &RateLimitExceeded{Key: "user:7", Limit: 60, Window: time.Minute}
	assert.Equal(t, fmt.Sprintf("rate limit exceeded for %q: limit=60 per 1m0s", "user:7"), err.Error())
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/civicgate/storage/memory"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, window time.Duration) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	kv := memory.New(memory.WithClock(clock.Now), memory.WithoutSweeper())
	t.Cleanup(func() { kv.Close() })
	return New(kv, "sustained", window, WithClock(clock.Now)), clock
}

func TestAllow_NPlusOneRejected(t *testing.T) {
	l, clock := newTestLimiter(t, 15*time.Minute)
	ctx := context.Background()
	const quota = 5

	for i := 1; i <= quota; i++ {
		d, err := l.Allow(ctx, "ip:203.0.113.9", quota)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, int64(i), d.Count)
	}

	clock.Advance(time.Minute)
	d, err := l.Allow(ctx, "ip:203.0.113.9", quota)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 14*time.Minute, d.RetryAfter)

	var rlErr *Error
	require.True(t, errors.As(d.Err("sustained"), &rlErr))
	assert.Equal(t, "840", rlErr.RetryAfterSeconds())
	assert.Equal(t, int64(quota), rlErr.Limit)

	t.Run("window reset", func(t *testing.T) {
		clock.Advance(14*time.Minute + time.Second)
		d, err := l.Allow(ctx, "ip:203.0.113.9", quota)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(1), d.Count)
	})
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, "id:alice", 2)
		require.NoError(t, err)
	}
	d, err := l.Allow(ctx, "id:alice", 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "id:bob", 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one identity's quota must not affect another")
}

func TestAllow_Unlimited(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute)
	for i := 0; i < 1000; i++ {
		d, err := l.Allow(context.Background(), "id:admin", 0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestAllow_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute)
	ctx := context.Background()
	const quota = 50

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "ip:198.51.100.1", quota)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(quota), allowed.Load(), "exactly quota requests may pass under contention")
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(t, time.Minute)
	ctx := context.Background()
	_, _ = l.Allow(ctx, "k", 1)
	d, _ := l.Allow(ctx, "k", 1)
	require.False(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "k"))
	d, err := l.Allow(ctx, "k", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAllow_StoreError(t *testing.T) {
	kv := memory.New(memory.WithoutSweeper())
	require.NoError(t, kv.Close())
	l := New(kv, "burst", time.Minute)
	_, err := l.Allow(context.Background(), "k", 10)
	assert.Error(t, err)
}

func TestErrorRetryAfterFloor(t *testing.T) {
	e := &Error{RetryAfter: 200 * time.Millisecond}
	assert.Equal(t, "1", e.RetryAfterSeconds())
	assert.Contains(t, e.Error(), "retry after")
}

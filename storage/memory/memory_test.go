package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/civicgate/storage"
	"github.com/jmcleod/civicgate/storage/storagetest"
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

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := New(WithClock(clock.Now), WithoutSweeper())
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func(time.Duration)) {
		s, clock := newTestStore(t)
		return s, clock.Advance
	})
}

func TestMemoryStore_SweepRemovesExpired(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	clock.Advance(2 * time.Second)

	s.Sweep()
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("value"), 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again, "callers must not be able to mutate stored values")
}

func TestMemoryStore_ClosedRejectsOperations(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close should be idempotent")

	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, _, err = s.Incr(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, storage.ErrClosed)
}

// Package storagetest holds the conformance suite every storage.Store
// backend must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/civicgate/storage"
)

// Factory returns a fresh store together with a function that moves the
// store's notion of "now" forward.
type Factory func(t *testing.T) (storage.Store, func(time.Duration))

// Run exercises the storage.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Set(ctx, "k1", []byte("v1"), time.Hour))
		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s, _ := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Hour))
		require.NoError(t, s.Set(ctx, "k", []byte("b"), time.Hour))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), got)
	})

	t.Run("Delete", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Hour))
		require.NoError(t, s.Delete(ctx, "k"))
		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "never-existed"))
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		s, advance := newStore(t)
		require.NoError(t, s.Set(ctx, "short", []byte("v"), 2*time.Second))
		require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))
		advance(3 * time.Second)
		_, err := s.Get(ctx, "short")
		assert.ErrorIs(t, err, storage.ErrNotFound, "entry should expire after its ttl")
		_, err = s.Get(ctx, "forever")
		assert.NoError(t, err, "ttl of zero means no expiry")
	})

	t.Run("IncrFixedWindow", func(t *testing.T) {
		s, advance := newStore(t)
		n, exp, err := s.Incr(ctx, "ctr", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.False(t, exp.IsZero())

		advance(4 * time.Second)
		n, exp2, err := s.Incr(ctx, "ctr", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.WithinDuration(t, exp, exp2, time.Second, "later increments must not extend the window")

		advance(7 * time.Second)
		n, _, err = s.Incr(ctx, "ctr", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "counter should restart after the window elapses")
	})

	t.Run("IncrConcurrent", func(t *testing.T) {
		s, _ := newStore(t)
		const workers, per = 8, 25
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < per; j++ {
					_, _, err := s.Incr(ctx, "hot", time.Minute)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()
		n, _, err := s.Incr(ctx, "hot", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(workers*per+1), n, "increments must not be lost under contention")
	})

	t.Run("IncrIsolatesKeys", func(t *testing.T) {
		s, _ := newStore(t)
		for i := 0; i < 3; i++ {
			_, _, err := s.Incr(ctx, "a", time.Minute)
			require.NoError(t, err)
		}
		n, _, err := s.Incr(ctx, "b", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

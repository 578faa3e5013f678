package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/civicgate/storage"
	"github.com/jmcleod/civicgate/storage/storagetest"
)

func newTestStore(t *testing.T, prefix string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewFromClient(client, prefix)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func(time.Duration)) {
		s, mr := newTestStore(t, "")
		return s, mr.FastForward
	})
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s, mr := newTestStore(t, "civic:")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "revoked:abc", []byte("1"), time.Minute))

	assert.True(t, mr.Exists("civic:revoked:abc"))
	assert.False(t, mr.Exists("revoked:abc"))

	got, err := s.Get(ctx, "revoked:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func TestRedisStore_IncrSetsWindowOnce(t *testing.T) {
	s, mr := newTestStore(t, "")
	ctx := context.Background()

	_, _, err := s.Incr(ctx, "rl:burst:ip:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("rl:burst:ip:10.0.0.1"))

	mr.FastForward(20 * time.Second)
	n, _, err := s.Incr(ctx, "rl:burst:ip:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 40*time.Second, mr.TTL("rl:burst:ip:10.0.0.1"))
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, Config{Addr: addr})
	assert.Error(t, err)
}

func TestNew_Pings(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

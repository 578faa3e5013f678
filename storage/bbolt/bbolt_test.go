package bbolt

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

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

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return db
}

func TestBBoltStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func(time.Duration)) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		s, err := NewStore(newTestDB(t), WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s, clock.Advance
	})
}

func TestBBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s1, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "revoked:abc", []byte("entry"), time.Hour))
	require.NoError(t, s1.Close())

	s2, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "revoked:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("entry"), got)
}

func TestBBoltStore_SweepExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	db := newTestDB(t)
	s, err := NewStore(db, WithClock(clock.Now))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "old", []byte("x"), time.Second))
	require.NoError(t, s.Set(ctx, "new", []byte("y"), time.Hour))
	clock.Advance(time.Minute)

	require.NoError(t, s.Sweep())

	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		assert.Nil(t, b.Get([]byte("old")), "expired record should be removed by sweep")
		assert.NotNil(t, b.Get([]byte("new")))
		return nil
	})
	require.NoError(t, err)
}

func TestBBoltStore_OpenFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := NewStoreFromFile(filepath.Join(dir, "missing-dir", "x.db"), nil)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "missing-dir"))
	assert.True(t, os.IsNotExist(statErr))
}

// Package bbolt provides a BBolt-backed storage.Store for single-node
// deployments that need revocations to survive restarts.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/civicgate/storage"
)

const cleanupInterval = 5 * time.Minute

var bucketName = []byte("kv")

// Store implements storage.Store backed by a BBolt database. Every value is
// stored as a JSON record carrying its own expiry; expired records are
// ignored on read and removed by a periodic sweep.
type Store struct {
	db       *bbolt.DB
	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

type record struct {
	Value     []byte    `json:"v,omitempty"`
	Counter   int64     `json:"c,omitempty"`
	ExpiresAt time.Time `json:"e,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store backed by the given BBolt database and starts the
// expiry sweeper.
func NewStore(db *bbolt.DB, opts ...Option) (*Store, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		return nil, fmt.Errorf("creating kv bucket: %w", err)
	}
	s := &Store{
		db:     db,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the sweeper and closes the underlying BBolt database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.expired(s.now()) {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return rec.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := record{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Incr runs read-modify-write inside a single Update transaction; BBolt
// serialises writers, which makes the increment atomic across goroutines.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	var rec record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		now := s.now()
		rec = record{}
		if data := b.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		}
		if rec.expired(now) || rec.Counter == 0 {
			rec = record{}
			if ttl > 0 {
				rec.ExpiresAt = now.Add(ttl)
			}
		}
		rec.Counter++
		rec.Value = []byte(strconv.FormatInt(rec.Counter, 10))
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return rec.Counter, rec.ExpiresAt, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Sweep()
		}
	}
}

// Sweep deletes expired records. Corrupt records are removed as well.
func (s *Store) Sweep() error {
	now := s.now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil || rec.expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

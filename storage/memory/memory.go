// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/civicgate/storage"
)

const (
	shardCount      = 32
	cleanupInterval = 5 * time.Minute
)

// Store is a sharded in-memory storage.Store. Keys are spread across
// shards by FNV-1a hash so unrelated keys never contend on the same lock.
// Suitable for tests, single-process deployments, and as the degraded
// fallback when no durable backend is reachable.
type Store struct {
	shards   [shardCount]shard
	now      func() time.Time
	sweep    bool
	stopOnce sync.Once
	stopCh   chan struct{}
	closeMu  sync.RWMutex
	closed   bool
}

type shard struct {
	mu   sync.Mutex
	data map[string]entry
}

type entry struct {
	value     []byte
	counter   int64
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithoutSweeper disables the background cleanup goroutine. Expired entries
// are still ignored on read.
func WithoutSweeper() Option {
	return func(s *Store) { s.sweep = false }
}

// New creates an empty Store and starts its background sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		sweep:  true,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].data = make(map[string]entry)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweep {
		go s.cleanupLoop()
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if e.expired(s.now()) {
		delete(sh.data, key)
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = e
	sh.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.data, key)
	sh.mu.Unlock()
	return nil
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	if s.isClosed() {
		return 0, time.Time{}, storage.ErrClosed
	}
	now := s.now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.data[key]
	if !ok || e.expired(now) {
		e = entry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	e.counter++
	e.value = []byte(strconv.FormatInt(e.counter, 10))
	sh.data[key] = e
	return e.counter, e.expiresAt, nil
}

// Close stops the sweeper. Subsequent operations return storage.ErrClosed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Len returns the number of live entries. Intended for tests and metrics.
func (s *Store) Len() int {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.data {
			if !e.expired(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes expired entries from every shard.
func (s *Store) Sweep() {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.data {
			if e.expired(now) {
				delete(sh.data, k)
			}
		}
		sh.mu.Unlock()
	}
}

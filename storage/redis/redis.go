// Package redis provides a storage.Store backed by Redis, giving revocations
// and rate-limit counters a view that is consistent across instances.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/civicgate/storage"
)

// incrScript increments KEYS[1] and sets its expiry only when the key was
// just created, so the window is fixed from the first hit.
//
// KEYS[1]: the counter key
// ARGV[1]: window length in milliseconds, 0 for none
//
// Returns: {count, pttl}
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Config holds connection options for a Redis server.
type Config struct {
	Addr      string
	Password  string
	DB        int
	EnableTLS bool
	// KeyPrefix is prepended to every key, allowing several deployments to
	// share one server.
	KeyPrefix string
}

// Store implements storage.Store on top of a go-redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New dials Redis described by cfg and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	}
	if cfg.EnableTLS {
		host, _, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			host = cfg.Addr
		}
		opts.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}
	return NewFromClient(client, cfg.KeyPrefix), nil
}

// NewFromClient wraps an existing client. The store takes ownership and
// closes the client on Close.
func NewFromClient(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) key(k string) string { return s.prefix + k }

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return storage.ErrNotFound
	case errors.Is(err, redis.ErrClosed):
		return storage.ErrClosed
	default:
		return err
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return nil, mapErr(err)
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return mapErr(s.client.Set(ctx, s.key(key), value, ttl).Err())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return mapErr(s.client.Del(ctx, s.key(key)).Err())
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	vals, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, mapErr(err)
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("incr %s: unexpected script reply of length %d", key, len(vals))
	}
	var expiresAt time.Time
	if pttl := vals[1]; pttl > 0 {
		expiresAt = s.now().Add(time.Duration(pttl) * time.Millisecond)
	}
	return vals[0], expiresAt, nil
}

// Ping reports whether the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	err := s.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

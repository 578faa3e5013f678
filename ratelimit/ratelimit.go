// Package ratelimit implements fixed-window request counters on top of a
// storage.Store. The increment-and-check is a single atomic store
// operation, so concurrent requests for one key can never both slip under
// the ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jmcleod/civicgate/storage"
)

// Error is returned when a key has exhausted its quota for the current
// window.
type Error struct {
	Limiter    string
	Limit      int64
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit %q exceeded (limit %d); retry after %s", e.Limiter, e.Limit, e.RetryAfter)
}

// RetryAfterSeconds renders RetryAfter for the Retry-After header, never
// less than one second.
func (e *Error) RetryAfterSeconds() string {
	secs := int(e.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Err returns a *Error for a rejected decision and nil otherwise.
func (d Decision) Err(limiter string) error {
	if d.Allowed {
		return nil
	}
	return &Error{Limiter: limiter, Limit: d.Limit, RetryAfter: d.RetryAfter}
}

// Limiter counts hits per key in fixed windows.
type Limiter struct {
	store  storage.Store
	name   string
	window time.Duration
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter whose counters live under rl:<name>:<key>.
func New(store storage.Store, name string, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{store: store, name: name, window: window, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Name() string { return l.name }
func (l *Limiter) Window() time.Duration { return l.window }
func (l *Limiter) storeKey(k string) string { return "rl:" + l.name + ":" + k }

// Allow records one hit for key and reports whether it is within limit.
// A limit of zero or less means unlimited and touches no counter.
func (l *Limiter) Allow(ctx context.Context, key string, limit int64) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	count, resetAt, err := l.store.Incr(ctx, l.storeKey(key), l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", l.name, err)
	}
	d := Decision{
		Allowed: count <= limit,
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = l.window
		if !resetAt.IsZero() {
			d.RetryAfter = resetAt.Sub(l.now())
		}
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, l.storeKey(key))
}

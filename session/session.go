// Package session tracks server-side session state on top of stateless
// bearer tokens: the revocation set, identity-wide revocation cutoffs and
// throttled activity timestamps.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/storage"
)

const (
	// DefaultActivityInterval is the minimum gap between two activity
	// writes for the same session.
	DefaultActivityInterval = 5 * time.Minute

	revokedPrefix         = "revoked:"
	revokedIdentityPrefix = "revoked-identity:"
	activityPrefix        = "activity:"
	consumedPrefix        = "consumed:"

	// throttleSweepSize bounds the in-process throttle map before stale
	// entries are pruned.
	throttleSweepSize = 10000
)

// RevocationEntry is the value stored for a revoked token.
type RevocationEntry struct {
	TokenHash string    `json:"token_hash"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is the session-state service. It holds no raw tokens; every key
// is derived from a digest or an identifier.
type Store struct {
	kv       storage.Store
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithActivityInterval overrides DefaultActivityInterval.
func WithActivityInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

func New(kv storage.Store, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		kv:        kv,
		logger:    logger.With(zap.String("component", "session")),
		now:       time.Now,
		interval:  DefaultActivityInterval,
		lastWrite: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Digest returns the SHA-256 hex digest of the entire token string.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsRevoked reports whether token is in the revocation set.
func (s *Store) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, err := s.kv.Get(ctx, revokedPrefix+Digest(token))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("checking revocation: %w", err)
	}
}

// Revoke adds token to the revocation set until expiresAt. Revoking a token
// twice, or one that has already expired, is a no-op.
func (s *Store) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	now := s.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	if revoked, err := s.IsRevoked(ctx, token); err != nil {
		return err
	} else if revoked {
		return nil
	}
	entry := RevocationEntry{
		TokenHash: Digest(token),
		RevokedAt: now.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, revokedPrefix+entry.TokenHash, data, ttl); err != nil {
		return fmt.Errorf("storing revocation: %w", err)
	}
	s.logger.Info("token revoked", logging.TokenFingerprint(token), zap.Time("expires_at", entry.ExpiresAt))
	return nil
}

// identityCutoff is the value stored for an identity-wide revocation.
// Keep names the one session that survives it, usually the one issued by
// the request that triggered the revocation.
type identityCutoff struct {
	Cutoff time.Time `json:"cutoff"`
	Keep   string    `json:"keep,omitempty"`
}

// RevokeIdentity invalidates every token for identityID issued at or before
// at. ttl should be at least the token lifetime so the cutoff outlives every
// token it covers.
func (s *Store) RevokeIdentity(ctx context.Context, identityID string, at time.Time, ttl time.Duration) error {
	return s.RevokeIdentityExcept(ctx, identityID, "", at, ttl)
}

// RevokeIdentityExcept is RevokeIdentity with keepSessionID exempt.
func (s *Store) RevokeIdentityExcept(ctx context.Context, identityID, keepSessionID string, at time.Time, ttl time.Duration) error {
	entry := identityCutoff{Cutoff: at.UTC(), Keep: keepSessionID}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, revokedIdentityPrefix+identityID, data, ttl); err != nil {
		return fmt.Errorf("storing identity revocation: %w", err)
	}
	s.logger.Info("identity sessions revoked",
		logging.IdentityID(identityID), zap.Time("cutoff", entry.Cutoff), zap.Bool("keeps_session", keepSessionID != ""))
	return nil
}

// IdentityRevokedAt reports whether the token sessionID, issued to
// identityID at issuedAt, is covered by the identity's revocation cutoff.
// iat only has second precision, so a token from the cutoff's second is
// treated as issued at or before it.
func (s *Store) IdentityRevokedAt(ctx context.Context, identityID, sessionID string, issuedAt time.Time) (bool, error) {
	v, err := s.kv.Get(ctx, revokedIdentityPrefix+identityID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking identity revocation: %w", err)
	}
	var entry identityCutoff
	if err := json.Unmarshal(v, &entry); err != nil {
		return false, fmt.Errorf("parsing identity revocation cutoff: %w", err)
	}
	if entry.Keep != "" && sessionID == entry.Keep {
		return false, nil
	}
	return !issuedAt.Truncate(time.Second).After(entry.Cutoff.Truncate(time.Second)), nil
}

// Consume marks a single-use credential as spent for ttl. It reports true
// only for the first caller; the check and the mark are one atomic Incr.
func (s *Store) Consume(ctx context.Context, credential string, ttl time.Duration) (bool, error) {
	n, _, err := s.kv.Incr(ctx, consumedPrefix+Digest(credential), ttl)
	if err != nil {
		return false, fmt.Errorf("consuming credential: %w", err)
	}
	return n == 1, nil
}

// TouchActivity records that sessionID was seen now. At most one write per
// activity interval reaches the backing store; failures are logged and
// swallowed. It reports whether a write was attempted.
func (s *Store) TouchActivity(ctx context.Context, sessionID string, ttl time.Duration) bool {
	if sessionID == "" {
		return false
	}
	now := s.now()

	s.mu.Lock()
	if last, ok := s.lastWrite[sessionID]; ok && now.Sub(last) < s.interval {
		s.mu.Unlock()
		return false
	}
	// Reserve the slot before writing so concurrent requests for the same
	// session do not all hit the store.
	s.lastWrite[sessionID] = now
	if len(s.lastWrite) > throttleSweepSize {
		s.pruneLocked(now)
	}
	s.mu.Unlock()

	if last, ok := s.LastActivity(ctx, sessionID); ok && now.Sub(last) < s.interval {
		s.mu.Lock()
		s.lastWrite[sessionID] = last
		s.mu.Unlock()
		return false
	}

	if err := s.kv.Set(ctx, activityPrefix+sessionID, []byte(now.UTC().Format(time.RFC3339Nano)), ttl); err != nil {
		s.logger.Warn("recording session activity failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return true
}

// LastActivity returns the stored last-seen time for sessionID.
func (s *Store) LastActivity(ctx context.Context, sessionID string) (time.Time, bool) {
	v, err := s.kv.Get(ctx, activityPrefix+sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("reading session activity failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Forget drops sessionID from the in-process throttle, used at logout.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.lastWrite, sessionID)
	s.mu.Unlock()
}

func (s *Store) pruneLocked(now time.Time) {
	for id, last := range s.lastWrite {
		if now.Sub(last) >= s.interval {
			delete(s.lastWrite, id)
		}
	}
}

// Package token issues and verifies the signed bearer tokens that carry an
// authenticated session. Revocation is layered on top by package session.
package token

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/civicgate/internal/util"
)

const (
	// MinSecretLen is the shortest signing secret New accepts.
	MinSecretLen = 32

	DefaultTTL      = 14 * 24 * time.Hour
	DefaultFreshTTL = 5 * time.Minute

	// FreshAudience marks fresh-action attestations so they can never be
	// presented as session tokens, and vice versa.
	FreshAudience = "totp-fresh"
)

var (
	ErrSigningKeyMissing  = errors.New("signing secret missing or shorter than 32 bytes")
	ErrSigning            = errors.New("signing token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrAttestationExpired = errors.New("fresh attestation expired")
)

// Claims are the signed contents of a session token. ID (jti) doubles as
// the session id.
type Claims struct {
	jwt.RegisteredClaims
	TOTPVerified   bool             `json:"totp"`
	TOTPVerifiedAt *jwt.NumericDate `json:"totp_at,omitempty"`
	// Admin records the role at issue time. Nothing trusts it; role flags
	// are always read from the identity store.
	Admin bool `json:"adm,omitempty"`
}

// SessionID returns the token's jti.
func (c *Claims) SessionID() string { return c.ID }

func (c *Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

func (c *Claims) IssuedAtTime() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// IssueOptions controls the attestation claims of a new token.
type IssueOptions struct {
	// TOTPVerifiedAt is set when the holder passed a session-level TOTP
	// check. Nil issues an unattested token.
	TOTPVerifiedAt *time.Time
	Admin          bool
}

// Codec signs and verifies HS256 tokens with a secret held in a memguard
// enclave.
type Codec struct {
	key      *memguard.Enclave
	ttl      time.Duration
	freshTTL time.Duration
	issuer   string
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

func WithTTL(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithFreshTTL(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.freshTTL = d
		}
	}
}

func WithIssuer(iss string) Option {
	return func(c *Codec) { c.issuer = iss }
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// New creates a Codec. The secret is copied into an enclave; the caller's
// slice is left untouched and may be wiped afterwards.
func New(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSigningKeyMissing
	}
	c := &Codec{
		key:      memguard.NewEnclave(util.CopyBytes(secret)),
		ttl:      DefaultTTL,
		freshTTL: DefaultFreshTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) TTL() time.Duration { return c.ttl }
func (c *Codec) FreshTTL() time.Duration { return c.freshTTL }

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	buf, err := c.key.Open()
	if err != nil {
		return "", fmt.Errorf("%w: opening key enclave: %v", ErrSigning, err)
	}
	defer buf.Destroy()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return s, nil
}

func (c *Codec) parse(raw string, claims jwt.Claims, extra ...jwt.ParserOption) error {
	buf, err := c.key.Open()
	if err != nil {
		return fmt.Errorf("%w: opening key enclave: %v", ErrSigning, err)
	}
	defer buf.Destroy()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	opts = append(opts, extra...)

	_, err = jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return buf.Bytes(), nil
	}, opts...)
	return err
}

// Issue signs a new session token for subject.
func (c *Codec) Issue(subject string, opts IssueOptions) (string, *Claims, error) {
	now := c.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			ID:        uuid.NewString(),
		},
		Admin: opts.Admin,
	}
	if opts.TOTPVerifiedAt != nil {
		claims.TOTPVerified = true
		claims.TOTPVerifiedAt = jwt.NewNumericDate(*opts.TOTPVerifiedAt)
	}
	raw, err := c.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// Verify checks signature and expiry. It does not consult revocation.
func (c *Codec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	if err := c.parse(raw, claims); err != nil {
		if errors.Is(err, ErrSigning) {
			return nil, err
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ID == "" || len(claims.Audience) > 0 {
		return nil, ErrInvalidToken
	}
	if claims.TOTPVerified != (claims.TOTPVerifiedAt != nil) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueFreshAttestation mints a short-lived proof that subject passed a
// fresh TOTP check just now.
func (c *Codec) IssueFreshAttestation(subject string) (string, time.Time, error) {
	now := c.now()
	exp := now.Add(c.freshTTL)
	raw, err := c.sign(jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    c.issuer,
		Audience:  jwt.ClaimStrings{FreshAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, exp, nil
}

// VerifyFreshAttestation checks that raw is a live fresh attestation for
// subject.
func (c *Codec) VerifyFreshAttestation(raw, subject string) error {
	if raw == "" {
		return ErrInvalidToken
	}
	var claims jwt.RegisteredClaims
	err := c.parse(raw, &claims, jwt.WithAudience(FreshAudience), jwt.WithSubject(subject))
	switch {
	case err == nil:
	case errors.Is(err, ErrSigning):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrAttestationExpired
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !slices.Equal([]string(claims.Audience), []string{FreshAudience}) {
		return ErrInvalidToken
	}
	return nil
}

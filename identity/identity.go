// Package identity defines the account records the authentication layer
// reads on every request, and the store contract that serves them.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/jmcleod/civicgate/internal/util"
)

var (
	ErrNotFound = errors.New("identity not found")
	ErrExists   = errors.New("identity already exists")
)

// Roles are the privilege flags stored with an identity.
type Roles struct {
	Moderator  bool `json:"moderator"`
	Admin      bool `json:"admin"`
	SuperAdmin bool `json:"super_admin"`
}

// Identity is the public view attached to an authenticated request.
type Identity struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Roles    Roles  `json:"roles"`
}

// IsAdmin reports whether the identity holds an administrative role.
func (i *Identity) IsAdmin() bool {
	return i != nil && (i.Roles.Admin || i.Roles.SuperAdmin)
}

// TOTPSecret is the per-identity second-factor state. Secret is the base32
// shared key. BackupCodes holds SHA-256 hex digests of normalised codes.
type TOTPSecret struct {
	Secret      string   `json:"-"`
	Enabled     bool     `json:"enabled"`
	BackupCodes []string `json:"-"`
	// LastUsedStep guards fresh-action codes against replay.
	LastUsedStep int64 `json:"-"`
	// LastSessionStep guards session-level codes against replay.
	LastSessionStep int64 `json:"-"`
}

func (s TOTPSecret) clone() TOTPSecret {
	s.BackupCodes = append([]string(nil), s.BackupCodes...)
	return s
}

// Record is the full stored identity including credential material.
type Record struct {
	Identity
	PasswordHash string
	TOTP         TOTPSecret
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.TOTP = r.TOTP.clone()
	return &c
}

// CheckPassword verifies password against the stored argon2id hash. A
// record without a hash never matches.
func (r *Record) CheckPassword(password string) bool {
	if r.PasswordHash == "" {
		return false
	}
	ok, err := util.VerifyPassword(password, r.PasswordHash)
	return err == nil && ok
}

// Store is the identity-record collaborator. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	// FindByLogin looks up a record by email or username after NormalizeLogin.
	FindByLogin(ctx context.Context, login string) (*Record, error)
	Create(ctx context.Context, rec *Record) error
	// UpdateTOTP applies fn to the stored TOTP state atomically. If fn
	// returns an error nothing is written and the error is returned as is.
	UpdateTOTP(ctx context.Context, id string, fn func(*TOTPSecret) error) error
	Close() error
}

// NormalizeLogin canonicalises an email or username for lookup: NFKC,
// case folded, surrounding space trimmed.
func NormalizeLogin(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// NewID returns a fresh identity id.
func NewID() string {
	return uuid.NewString()
}

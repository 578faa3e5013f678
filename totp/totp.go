// Package totp verifies time-based one-time codes at two step widths: a
// long session step that covers a whole login session, and a short fresh
// step proving the operator is present right now. It also manages the
// single-use backup codes that stand in for a lost authenticator.
package totp

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/internal/util"
	"github.com/jmcleod/civicgate/ratelimit"
)

const (
	Digits = 6

	DefaultIssuer      = "CivicGate"
	DefaultMaxAttempts = 5
	// AttemptWindow is the window of the attempt limiter the caller builds.
	AttemptWindow = 15 * time.Minute

	secretSize      = 20
	backupCodeChars = 10
)

var (
	ErrInvalidCode    = errors.New("invalid one-time code")
	ErrNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrReplay         = errors.New("one-time code already used")
)

// Flavour is a step width with its tolerance in steps either side.
type Flavour struct {
	Name   string
	Period time.Duration
	Skew   uint
}

var (
	Session = Flavour{Name: "session", Period: 12 * time.Hour, Skew: 1}
	Fresh   = Flavour{Name: "fresh", Period: 2 * time.Minute, Skew: 1}
)

func (f Flavour) periodSeconds() uint { return uint(f.Period / time.Second) }

// Span is how long a code accepted at some instant can remain acceptable:
// the current step plus Skew more.
func (f Flavour) Span() time.Duration { return time.Duration(f.Skew+1) * f.Period }

// Verifier checks codes against identities' stored secrets. Every check is
// counted by the attempt limiter under the identity id.
type Verifier struct {
	ids         identity.Store
	attempts    *ratelimit.Limiter
	maxAttempts int64
	session     Flavour
	fresh       Flavour
	issuer      string
	now         func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func WithMaxAttempts(n int64) Option {
	return func(v *Verifier) { v.maxAttempts = n }
}

func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithFlavours overrides the session and fresh step widths.
func WithFlavours(session, fresh Flavour) Option {
	return func(v *Verifier) {
		v.session = session
		v.fresh = fresh
	}
}

// New returns a Verifier. attempts should be a limiter dedicated to TOTP
// checks, separate from the general request limiter.
func New(ids identity.Store, attempts *ratelimit.Limiter, opts ...Option) *Verifier {
	v := &Verifier{
		ids:         ids,
		attempts:    attempts,
		maxAttempts: DefaultMaxAttempts,
		session:     Session,
		fresh:       Fresh,
		issuer:      DefaultIssuer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) SessionFlavour() Flavour { return v.session }
func (v *Verifier) FreshFlavour() Flavour { return v.fresh }

// NormalizeCode strips the spaces and dashes people type into codes.
func NormalizeCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, " ", "")
	return strings.ReplaceAll(code, "-", "")
}

func validCode(code string) bool {
	if len(code) != Digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CodeAt returns the code for secret in the step containing at.
func CodeAt(secret string, at time.Time, f Flavour) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    f.periodSeconds(),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// MatchStep reports the step counter at which code is valid for secret,
// looking at the current step and Skew steps either side. Every candidate
// step is compared so timing does not reveal which one matched.
func MatchStep(secret, code string, at time.Time, f Flavour) (int64, bool) {
	code = NormalizeCode(code)
	if !validCode(code) || f.Period <= 0 {
		return 0, false
	}
	period := int64(f.periodSeconds())
	current := at.Unix() / period
	var matched int64
	found := false
	for i := -int64(f.Skew); i <= int64(f.Skew); i++ {
		step := current + i
		if step < 0 {
			continue
		}
		expected, err := CodeAt(secret, time.Unix(step*period, 0), f)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched, found = step, true
		}
	}
	return matched, found
}

func (v *Verifier) checkAttempts(ctx context.Context, identityID string) error {
	d, err := v.attempts.Allow(ctx, identityID, v.maxAttempts)
	if err != nil {
		return fmt.Errorf("checking totp attempts: %w", err)
	}
	return d.Err(v.attempts.Name())
}

func (v *Verifier) resetAttempts(ctx context.Context, identityID string) {
	_ = v.attempts.Reset(ctx, identityID)
}

// VerifySessionAttestation checks a session-step code for identityID.
func (v *Verifier) VerifySessionAttestation(ctx context.Context, identityID, code string) error {
	return v.verify(ctx, identityID, code, v.session, func(ts *identity.TOTPSecret) *int64 { return &ts.LastSessionStep })
}

// VerifyFreshAttestation checks a fresh-step code for identityID.
func (v *Verifier) VerifyFreshAttestation(ctx context.Context, identityID, code string) error {
	return v.verify(ctx, identityID, code, v.fresh, func(ts *identity.TOTPSecret) *int64 { return &ts.LastUsedStep })
}

func (v *Verifier) verify(ctx context.Context, identityID, code string, f Flavour, lastStep func(*identity.TOTPSecret) *int64) error {
	if err := v.checkAttempts(ctx, identityID); err != nil {
		return err
	}
	now := v.now()
	err := v.ids.UpdateTOTP(ctx, identityID, func(ts *identity.TOTPSecret) error {
		if !ts.Enabled || ts.Secret == "" {
			return ErrNotEnabled
		}
		step, ok := MatchStep(ts.Secret, code, now, f)
		if !ok {
			return ErrInvalidCode
		}
		last := lastStep(ts)
		if step <= *last {
			return ErrReplay
		}
		*last = step
		return nil
	})
	if err != nil {
		return err
	}
	v.resetAttempts(ctx, identityID)
	return nil
}

// VerifyBackupCode consumes one backup code. It returns the number of
// codes left.
func (v *Verifier) VerifyBackupCode(ctx context.Context, identityID, code string) (int, error) {
	if err := v.checkAttempts(ctx, identityID); err != nil {
		return 0, err
	}
	candidate := HashBackupCode(code)
	remaining := 0
	err := v.ids.UpdateTOTP(ctx, identityID, func(ts *identity.TOTPSecret) error {
		if !ts.Enabled {
			return ErrNotEnabled
		}
		idx := -1
		for i, stored := range ts.BackupCodes {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1 && idx < 0 {
				idx = i
			}
		}
		if idx < 0 {
			return ErrInvalidCode
		}
		ts.BackupCodes = append(ts.BackupCodes[:idx:idx], ts.BackupCodes[idx+1:]...)
		remaining = len(ts.BackupCodes)
		return nil
	})
	if err != nil {
		return 0, err
	}
	v.resetAttempts(ctx, identityID)
	return remaining, nil
}

// Enrollment is a newly generated secret awaiting confirmation.
type Enrollment struct {
	Secret string
	// URL provisions an authenticator with the fresh step width.
	URL string
	// SessionURL provisions a second entry with the session step width,
	// for authenticators that honour the period parameter.
	SessionURL string
}

// GenerateSecret creates a new random secret for account.
func (v *Verifier) GenerateSecret(account string) (*Enrollment, error) {
	raw, err := util.RandomBytes(secretSize)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(raw)

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: account,
		Period:      v.fresh.periodSeconds(),
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	sessionKey, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer + " session",
		AccountName: account,
		Period:      v.session.periodSeconds(),
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generating session provisioning url: %w", err)
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL(), SessionURL: sessionKey.URL()}, nil
}

// Enable confirms an enrollment: code must be a valid fresh-step code for
// secret. On success the secret is stored, the identity is switched to
// TOTP-enabled and a new set of backup codes is returned in plaintext.
// When rotate is false an identity that already has TOTP enabled is
// rejected with ErrAlreadyEnabled.
func (v *Verifier) Enable(ctx context.Context, identityID, secret, code string, backupCount int, rotate bool) ([]string, error) {
	if err := v.checkAttempts(ctx, identityID); err != nil {
		return nil, err
	}
	step, ok := MatchStep(secret, code, v.now(), v.fresh)
	if !ok {
		return nil, ErrInvalidCode
	}
	plain, hashed, err := GenerateBackupCodes(backupCount)
	if err != nil {
		return nil, err
	}
	err = v.ids.UpdateTOTP(ctx, identityID, func(ts *identity.TOTPSecret) error {
		if ts.Enabled && !rotate {
			return ErrAlreadyEnabled
		}
		*ts = identity.TOTPSecret{
			Secret:       secret,
			Enabled:      true,
			BackupCodes:  hashed,
			LastUsedStep: step,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.resetAttempts(ctx, identityID)
	return plain, nil
}

// HashBackupCode returns the stored form of a backup code: SHA-256 hex of
// the upper-cased code with separators removed.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(NormalizeCode(code))))
	return hex.EncodeToString(sum[:])
}

// GenerateBackupCodes returns n plaintext codes formatted XXXXX-XXXXX, and
// their hashes.
func GenerateBackupCodes(n int) (plain, hashed []string, err error) {
	plain = make([]string, n)
	hashed = make([]string, n)
	for i := 0; i < n; i++ {
		raw, err := util.RandomChars(backupCodeChars)
		if err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		plain[i] = raw[:5] + "-" + raw[5:]
		hashed[i] = HashBackupCode(plain[i])
	}
	return plain, hashed, nil
}

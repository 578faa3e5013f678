package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/token"
	"github.com/jmcleod/civicgate/totp"
)

const (
	totpAttestationHeader = "X-TOTP-Attestation"
	totpCodeHeader        = "X-TOTP-Code"
	totpVerifiedHeader    = "X-TOTP-Verified"
)

// AdminGate is the authorization check every administrative route depends
// on explicitly. Nothing infers admin status from a URL.
type AdminGate struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewAdminGate returns a gate accepting session attestations up to maxAge
// old. A zero maxAge falls back to the span of the default session flavour.
func NewAdminGate(maxAge time.Duration, now func() time.Time) AdminGate {
	return AdminGate{maxAge: maxAge, now: now}
}

// Require admits id only if it holds an admin role and claims carry a
// session-level TOTP attestation that is still within its span. The role
// is checked first.
func (g AdminGate) Require(id *identity.Identity, claims *token.Claims) error {
	if !id.IsAdmin() {
		return errNotAdmin
	}
	return g.Attested(claims)
}

// Attested checks the session attestation alone.
func (g AdminGate) Attested(claims *token.Claims) error {
	if claims == nil || !claims.TOTPVerified || claims.TOTPVerifiedAt == nil {
		return errTOTPRequired
	}
	maxAge := g.maxAge
	if maxAge <= 0 {
		maxAge = totp.Session.Span()
	}
	now := time.Now
	if g.now != nil {
		now = g.now
	}
	if now().Sub(claims.TOTPVerifiedAt.Time) > maxAge {
		return errSessionAttestationExpired
	}
	return nil
}

// RequireAdmin is route middleware applying AdminGate. It must run after
// Authenticate.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			mapError(w, a.logger, errAuthRequired)
			return
		}
		if err := a.gate.Require(id, ClaimsFromContext(r.Context())); err != nil {
			a.audit.logEvent(AuditAdminDenied, r, id.ID, zap.String("code", errorCode(err)))
			mapError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireFreshTOTP demands proof that the operator passed a fresh-step TOTP
// check just now, either as a single-use attestation minted by
// /auth/totp/fresh or as a code sent with this request.
func (a *API) RequireFreshTOTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			mapError(w, a.logger, errAuthRequired)
			return
		}
		if err := a.checkFresh(r, id.ID); err != nil {
			a.audit.logEvent(AuditFreshTOTPFailure, r, id.ID, zap.String("code", errorCode(err)))
			mapError(w, a.logger, err)
			return
		}
		w.Header().Set(totpVerifiedHeader, "true")
		next.ServeHTTP(w, r)
	})
}

func (a *API) checkFresh(r *http.Request, identityID string) error {
	if att := r.Header.Get(totpAttestationHeader); att != "" {
		if err := a.tokens.VerifyFreshAttestation(att, identityID); err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				return &TOTPVerificationError{Code: CodeTOTPInvalid, Message: "invalid fresh attestation", Err: err}
			}
			return classify(err)
		}
		first, err := a.sessions.Consume(r.Context(), att, a.tokens.FreshTTL())
		if err != nil {
			return err
		}
		if !first {
			return &TOTPVerificationError{Code: CodeTOTPVerificationExpired, Message: "fresh attestation already used"}
		}
		return nil
	}
	if code := r.Header.Get(totpCodeHeader); code != "" {
		return a.totp.VerifyFreshAttestation(r.Context(), identityID, code)
	}
	return errTOTPRequired
}

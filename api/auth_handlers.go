package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/internal/util"
	"github.com/jmcleod/civicgate/session"
	"github.com/jmcleod/civicgate/token"
)

// minPasswordLen is the minimum password length accepted at registration.
const minPasswordLen = 10

// Register handles POST /auth/register. It creates a plain identity with no
// roles and does not log it in.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	email := strings.TrimSpace(req.Email)
	username := strings.TrimSpace(req.Username)
	switch {
	case !strings.Contains(email, "@"):
		mapError(w, a.logger, badRequest("a valid email is required"))
		return
	case username == "" || strings.Contains(username, "@"):
		mapError(w, a.logger, badRequest("username is required and may not contain '@'"))
		return
	case len(req.Password) < minPasswordLen:
		mapError(w, a.logger, badRequest(fmt.Sprintf("password must be at least %d characters", minPasswordLen)))
		return
	}

	hash, err := util.HashPassword(req.Password, a.passwordParams)
	if err != nil {
		mapError(w, a.logger, fmt.Errorf("hashing password: %w", err))
		return
	}
	rec := &identity.Record{
		Identity: identity.Identity{
			ID:       identity.NewID(),
			Email:    email,
			Username: username,
		},
		PasswordHash: hash,
	}
	if err := a.identities.Create(r.Context(), rec); err != nil {
		mapError(w, a.logger, err)
		return
	}

	a.audit.logEvent(AuditRegister, r, rec.ID, logging.RedactedEmail(email))
	writeJSON(w, http.StatusCreated, rec.Identity)
}

// Login handles POST /auth/login. A valid totp_code on an identity with TOTP
// enabled yields a session-attested token in the same step.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	login := identity.NormalizeLogin(req.Login)
	if login == "" || req.Password == "" {
		mapError(w, a.logger, badRequest("login and password are required"))
		return
	}

	// Login names are hashed before they become counter keys.
	limiterKey := session.Digest(login)
	if err := a.allow(r.Context(), a.logins, limiterKey, a.loginLimit); err != nil {
		a.audit.logFailure(AuditLoginRateLimited, r, "login rate limited")
		mapError(w, a.logger, err)
		return
	}

	rec, err := a.identities.FindByLogin(r.Context(), login)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		mapError(w, a.logger, err)
		return
	}
	if rec == nil || !rec.CheckPassword(req.Password) {
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials",
			zap.String("login_fp", logging.Fingerprint(login)))
		mapError(w, a.logger, errBadLogin)
		return
	}

	var attestedAt *time.Time
	if req.TOTPCode != "" {
		if err := a.totp.VerifySessionAttestation(r.Context(), rec.ID, req.TOTPCode); err != nil {
			a.audit.logFailure(AuditTOTPFailure, r, errorCode(err), logging.IdentityID(rec.ID))
			mapError(w, a.logger, err)
			return
		}
		now := a.now()
		attestedAt = &now
	}
	if err := a.logins.Reset(r.Context(), limiterKey); err != nil {
		a.logger.Warn("resetting login limiter", zap.Error(err))
	}

	resp, err := a.startSession(w, rec, attestedAt)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, rec.ID, zap.Bool("totp_verified", resp.TOTPVerified))
	writeJSON(w, http.StatusOK, resp)
}

// Logout handles POST /auth/logout. The token is revoked until its natural
// expiry and both cookies are cleared.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	raw := TokenFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())
	id := IdentityFromContext(r.Context())

	clearSessionCookie(w)
	clearCSRFCookie(w)
	if err := a.sessions.Revoke(r.Context(), raw, claims.ExpiresAtTime()); err != nil {
		mapError(w, a.logger, fmt.Errorf("revoking session: %w", err))
		return
	}
	a.sessions.Forget(claims.SessionID())

	a.audit.logEvent(AuditLogout, r, id.ID)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	rec, err := a.identities.Get(r.Context(), id.ID)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	resp := MeResponse{
		Identity:     *id,
		TOTPEnabled:  rec.TOTP.Enabled,
		TOTPVerified: claims.TOTPVerified,
		ExpiresAt:    claims.ExpiresAtTime().UTC(),
	}
	if claims.TOTPVerifiedAt != nil {
		at := claims.TOTPVerifiedAt.UTC()
		resp.TOTPVerifiedAt = &at
	}
	if last, ok := a.sessions.LastActivity(r.Context(), claims.SessionID()); ok {
		last = last.UTC()
		resp.LastActivity = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssueCSRF handles GET /auth/csrf. It rotates the double-submit cookie and
// returns the new value.
func (a *API) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	value, err := writeCSRFCookie(w, a.now().Add(a.tokens.TTL()))
	if err != nil {
		mapError(w, a.logger, fmt.Errorf("generating csrf token: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, CSRFResponse{CSRFToken: value})
}

// startSession issues a token for rec, sets the session and CSRF cookies and
// returns the response body describing the new session.
func (a *API) startSession(w http.ResponseWriter, rec *identity.Record, attestedAt *time.Time) (SessionResponse, error) {
	raw, claims, err := a.issueSession(rec, attestedAt)
	if err != nil {
		return SessionResponse{}, err
	}
	return a.writeSession(w, rec, raw, claims)
}

func (a *API) issueSession(rec *identity.Record, attestedAt *time.Time) (string, *token.Claims, error) {
	return a.tokens.Issue(rec.ID, token.IssueOptions{
		TOTPVerifiedAt: attestedAt,
		Admin:          rec.IsAdmin(),
	})
}

// writeSession sets the session and CSRF cookies for a freshly issued token.
func (a *API) writeSession(w http.ResponseWriter, rec *identity.Record, raw string, claims *token.Claims) (SessionResponse, error) {
	expiresAt := claims.ExpiresAtTime()
	writeSessionCookie(w, raw, expiresAt)
	csrfValue, err := writeCSRFCookie(w, expiresAt)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("generating csrf token: %w", err)
	}
	return SessionResponse{
		Identity:     rec.Identity,
		TOTPEnabled:  rec.TOTP.Enabled,
		TOTPVerified: claims.TOTPVerified,
		ExpiresAt:    expiresAt.UTC(),
		CSRFToken:    csrfValue,
	}, nil
}

// supersede revokes a token that has just been replaced by a re-issued one.
// Failure leaves the older, less privileged token valid until it expires.
func (a *API) supersede(ctx context.Context, raw string, claims *token.Claims) {
	if raw == "" || claims == nil {
		return
	}
	if err := a.sessions.Revoke(ctx, raw, claims.ExpiresAtTime()); err != nil {
		a.logger.Warn("revoking superseded token", logging.TokenFingerprint(raw), zap.Error(err))
		return
	}
	a.sessions.Forget(claims.SessionID())
}

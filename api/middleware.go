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
	"github.com/jmcleod/civicgate/token"
)

type contextKey int

const (
	identityKey contextKey = iota
	claimsKey
	tokenKey
	transportKey
	verifiedKey
)

const sessionCookieName = "civic_session"

// transport records how the token reached the server.
type transport int

const (
	transportNone transport = iota
	transportCookie
	transportBearer
)

// tokenFromRequest returns the raw session token. The cookie always wins;
// the Authorization header is read only when legacy bearer auth is enabled.
func (a *API) tokenFromRequest(r *http.Request) (string, transport) {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value, transportCookie
	}
	if !a.legacyBearer {
		return "", transportNone
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		if raw := strings.TrimSpace(h[7:]); raw != "" {
			return raw, transportBearer
		}
	}
	return "", transportNone
}

// AuthenticateToken runs the full verification pipeline on raw: signature
// and expiry, the revocation set, the identity-wide cutoff and a fresh
// identity load. It is shared by the HTTP middleware and the WebSocket
// relay so both transports validate identically.
func (a *API) AuthenticateToken(ctx context.Context, raw string) (*identity.Identity, *token.Claims, error) {
	if raw == "" {
		return nil, nil, errAuthRequired
	}
	claims, err := a.tokens.Verify(raw)
	if err != nil {
		// Signing faults fall through classify untouched and surface as 500.
		return nil, nil, classify(err)
	}

	revoked, err := a.sessions.IsRevoked(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	if revoked {
		return nil, nil, errTokenRevoked
	}
	revoked, err = a.sessions.IdentityRevokedAt(ctx, claims.Subject, claims.SessionID(), claims.IssuedAtTime())
	if err != nil {
		return nil, nil, err
	}
	if revoked {
		return nil, nil, errTokenRevoked
	}

	rec, err := a.identities.Get(ctx, claims.Subject)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, nil, &AuthenticationError{Code: CodeInvalidToken, Message: "invalid token", Err: err}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading identity: %w", err)
	}
	id := rec.Identity
	return &id, claims, nil
}

// Authenticate rejects requests without a valid, unrevoked session token and
// attaches the identity, claims and raw token to the request context.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, via := a.tokenFromRequest(r)
		id, claims, err := a.authenticateRequest(r, raw)
		if err != nil {
			if raw != "" {
				a.logger.Debug("authentication failed",
					logging.TokenFingerprint(raw), zap.String("code", errorCode(err)))
				a.audit.logFailure(AuditAuthFailure, r, errorCode(err))
			}
			mapError(w, a.logger, err)
			return
		}

		a.sessions.TouchActivity(r.Context(), claims.SessionID(), claims.ExpiresAtTime().Sub(a.now()))

		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, claimsKey, claims)
		ctx = context.WithValue(ctx, tokenKey, raw)
		ctx = context.WithValue(ctx, transportKey, via)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateRequest reuses the result the rate limiter already obtained
// for raw, if any.
func (a *API) authenticateRequest(r *http.Request, raw string) (*identity.Identity, *token.Claims, error) {
	if v, ok := r.Context().Value(verifiedKey).(*verifiedToken); ok && raw != "" && v.raw == raw {
		return v.id, v.claims, nil
	}
	return a.AuthenticateToken(r.Context(), raw)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(identityKey).(*identity.Identity)
	return id
}

// ClaimsFromContext returns the verified token claims, or nil.
func ClaimsFromContext(ctx context.Context) *token.Claims {
	c, _ := ctx.Value(claimsKey).(*token.Claims)
	return c
}

// TokenFromContext returns the raw token the request authenticated with.
func TokenFromContext(ctx context.Context) string {
	s, _ := ctx.Value(tokenKey).(string)
	return s
}

func transportFromContext(ctx context.Context) transport {
	t, _ := ctx.Value(transportKey).(transport)
	return t
}

func writeSessionCookie(w http.ResponseWriter, raw string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

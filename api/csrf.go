package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/civicgate/internal/util"
)

const (
	csrfCookieName = "civic_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfTokenBytes = 32
)

// CSRFReason says which half of the double-submit pair was wrong.
type CSRFReason int

const (
	MissingHeader CSRFReason = iota + 1
	MissingCookie
	Mismatch
)

// CSRFError is a 403 distinguished from other authorization failures by its
// code.
type CSRFError struct {
	Reason CSRFReason
}

func (e *CSRFError) Error() string {
	switch e.Reason {
	case MissingHeader:
		return "missing CSRF token header"
	case MissingCookie:
		return "missing CSRF cookie"
	default:
		return "CSRF token mismatch"
	}
}

// Code returns the stable error code for the reason.
func (e *CSRFError) Code() string {
	switch e.Reason {
	case MissingHeader:
		return CodeCSRFTokenMissing
	case MissingCookie:
		return CodeCSRFCookieMissing
	default:
		return CodeCSRFTokenMismatch
	}
}

// CSRFGuard enforces double-submit cookie protection. Exempt paths are
// compared exactly against the router-relative path; there is no prefix
// matching.
type CSRFGuard struct {
	exempt map[string]struct{}
}

// NewCSRFGuard returns a guard exempting exactly the given paths.
func NewCSRFGuard(exempt ...string) *CSRFGuard {
	g := &CSRFGuard{exempt: make(map[string]struct{}, len(exempt))}
	for _, p := range exempt {
		g.exempt[p] = struct{}{}
	}
	return g
}

// Exempt reports whether path is on the allowlist.
func (g *CSRFGuard) Exempt(path string) bool {
	_, ok := g.exempt[path]
	return ok
}

// Check compares the header and cookie values in constant time.
func (g *CSRFGuard) Check(header, cookie string) error {
	switch {
	case header == "":
		return &CSRFError{Reason: MissingHeader}
	case cookie == "":
		return &CSRFError{Reason: MissingCookie}
	case subtle.ConstantTimeCompare([]byte(header), []byte(cookie)) != 1:
		return &CSRFError{Reason: Mismatch}
	}
	return nil
}

func safeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// routePath returns the path relative to the router the API is mounted on.
func routePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath != "" {
		return rctx.RoutePath
	}
	return r.URL.Path
}

// CSRF applies the guard to mutating requests. Requests authenticated by the
// legacy Authorization header carry no ambient credential and are not
// checked.
func (a *API) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethod(r.Method) || a.csrf.Exempt(routePath(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if transportFromContext(r.Context()) == transportBearer {
			next.ServeHTTP(w, r)
			return
		}
		var cookieValue string
		if c, err := r.Cookie(csrfCookieName); err == nil {
			cookieValue = c.Value
		}
		if err := a.csrf.Check(r.Header.Get(csrfHeaderName), cookieValue); err != nil {
			a.audit.logFailure(AuditCSRFRejected, r, err.Error())
			mapError(w, a.logger, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets a fresh double-submit value and returns it. The cookie
// is not HttpOnly so that browser code can copy it into the header.
func writeCSRFCookie(w http.ResponseWriter, expiresAt time.Time) (string, error) {
	value, err := util.RandomToken(csrfTokenBytes)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
	return value, nil
}

// clearCSRFCookie removes the CSRF cookie on logout.
func clearCSRFCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

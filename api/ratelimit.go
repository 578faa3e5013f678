package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/ratelimit"
	"github.com/jmcleod/civicgate/token"
)

const healthPath = "/health"

// Limits are the request ceilings for the two API limiters. A zero or
// negative value disables that ceiling.
type Limits struct {
	Burst         int64
	Anonymous     int64
	Authenticated int64
}

// DefaultLimits match the configuration defaults.
var DefaultLimits = Limits{Burst: 300, Anonymous: 100, Authenticated: 1000}

type tier int

const (
	tierAnonymous tier = iota
	tierAuthenticated
	tierAdmin
)

// verifiedToken is a successful AuthenticateToken result carried from the
// rate limiter to Authenticate on the same request.
type verifiedToken struct {
	raw    string
	id     *identity.Identity
	claims *token.Claims
}

// rateLimitKey keys requests carrying a live session by identity and
// everything else by normalised client address. The tier needs the full
// verification pipeline: a revoked or cut-off token counts as anonymous, and
// the admin tier follows the stored roles rather than the adm claim.
func (a *API) rateLimitKey(r *http.Request) (string, tier, *verifiedToken) {
	if raw, _ := a.tokenFromRequest(r); raw != "" {
		id, claims, err := a.AuthenticateToken(r.Context(), raw)
		if err == nil {
			v := &verifiedToken{raw: raw, id: id, claims: claims}
			if id.IsAdmin() {
				return "id:" + id.ID, tierAdmin, v
			}
			return "id:" + id.ID, tierAuthenticated, v
		}
		a.logger.Debug("rate limiting as anonymous", logging.TokenFingerprint(raw), zap.String("code", errorCode(err)))
	}
	ip := a.extractClientIP(r)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip, tierAnonymous, nil
}

func (a *API) sustainedLimit(t tier) int64 {
	switch t {
	case tierAdmin:
		return 0
	case tierAuthenticated:
		return a.limits.Authenticated
	default:
		return a.limits.Anonymous
	}
}

// RateLimit runs the burst and sustained limiters in series. The burst
// limiter is skipped for the health check and for administrators, who are
// also unlimited on the sustained limiter.
func (a *API) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, t, v := a.rateLimitKey(r)
		if t != tierAdmin && r.URL.Path != healthPath {
			if err := a.allow(r.Context(), a.burst, key, a.limits.Burst); err != nil {
				a.rejectRateLimited(w, r, key, err)
				return
			}
		}
		if err := a.allow(r.Context(), a.sustained, key, a.sustainedLimit(t)); err != nil {
			a.rejectRateLimited(w, r, key, err)
			return
		}
		if v != nil {
			r = r.WithContext(context.WithValue(r.Context(), verifiedKey, v))
		}
		next.ServeHTTP(w, r)
	})
}

// allow fails open: a broken counter store must not take the API down, and
// the limiter is not an authentication decision.
func (a *API) allow(ctx context.Context, l *ratelimit.Limiter, key string, limit int64) error {
	d, err := l.Allow(ctx, key, limit)
	if err != nil {
		a.logger.Error("rate limiter unavailable; allowing request",
			zap.String("limiter", l.Name()), zap.Error(err))
		return nil
	}
	return d.Err(l.Name())
}

func (a *API) rejectRateLimited(w http.ResponseWriter, r *http.Request, key string, err error) {
	a.audit.logFailure(AuditRateLimited, r, err.Error(), zap.String("key_kind", strings.SplitN(key, ":", 2)[0]))
	mapError(w, a.logger, err)
}

// extractClientIP returns the client IP for rate limiting using the API's
// configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if the request's RemoteAddr falls within one of trustedProxies. With no
// trusted proxies configured, RemoteAddr is always used.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(param[4:]); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// parseIPCandidate normalises one address: quotes, ports, brackets and zones
// are stripped and IPv4-mapped IPv6 is unmapped, so every connection from
// one host yields the same key.
func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/internal/util"
	"github.com/jmcleod/civicgate/ratelimit"
	"github.com/jmcleod/civicgate/session"
	"github.com/jmcleod/civicgate/storage"
	"github.com/jmcleod/civicgate/token"
	"github.com/jmcleod/civicgate/totp"
)

const (
	defaultBurstWindow     = time.Minute
	defaultSustainedWindow = 15 * time.Minute
	defaultLoginWindow     = 15 * time.Minute
	defaultLoginLimit      = 10
	defaultBackupCodes     = 10
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	tokens     *token.Codec
	kv         storage.Store
	identities identity.Store
	sessions   *session.Store
	totp       *totp.Verifier
	csrf       *CSRFGuard
	gate       AdminGate

	burst     *ratelimit.Limiter
	sustained *ratelimit.Limiter
	logins    *ratelimit.Limiter
	limits    Limits

	burstWindow       time.Duration
	sustainedWindow   time.Duration
	loginLimit        int64
	totpMaxAttempts   int64
	totpAttemptWindow time.Duration
	totpIssuer        string
	backupCodeCount   int
	passwordParams    util.Argon2idParams

	legacyBearer   bool
	trustedProxies []netip.Prefix
	corsOrigins    []string
	csrfExempt     []string

	logger  *zap.Logger
	audit   *auditLogger
	alertFn AlertFunc
	webhook *auditWebhook
	now     func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request, audit and internal-error output.
func WithLogger(logger *zap.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithLimits sets the request ceilings of the burst and sustained limiters.
func WithLimits(l Limits) Option {
	return func(a *API) { a.limits = l }
}

// WithWindows sets the burst and sustained window lengths.
func WithWindows(burst, sustained time.Duration) Option {
	return func(a *API) {
		if burst > 0 {
			a.burstWindow = burst
		}
		if sustained > 0 {
			a.sustainedWindow = sustained
		}
	}
}

// WithLoginLimit caps login attempts per login name per 15 minutes.
func WithLoginLimit(n int64) Option {
	return func(a *API) { a.loginLimit = n }
}

// WithTOTPAttempts sets the ceiling and window of the TOTP attempt limiter.
func WithTOTPAttempts(max int64, window time.Duration) Option {
	return func(a *API) {
		if max > 0 {
			a.totpMaxAttempts = max
		}
		if window > 0 {
			a.totpAttemptWindow = window
		}
	}
}

// WithTOTPIssuer sets the issuer shown by authenticator apps.
func WithTOTPIssuer(issuer string) Option {
	return func(a *API) {
		if issuer != "" {
			a.totpIssuer = issuer
		}
	}
}

// WithCSRFExempt replaces the exact-match CSRF exemption list.
func WithCSRFExempt(paths ...string) Option {
	return func(a *API) { a.csrfExempt = paths }
}

// WithLegacyBearerAuth accepts "Authorization: Bearer" tokens alongside the
// session cookie. Both go through the same verification.
func WithLegacyBearerAuth(enabled bool) Option {
	return func(a *API) { a.legacyBearer = enabled }
}

// WithTrustedProxies parses CIDR strings and returns an Option that
// configures which proxies' forwarding headers are honoured.
// Bare IPs are treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	var prefixes []netip.Prefix
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return func(a *API) { a.trustedProxies = prefixes }, nil
}

// WithTrustedProxyPrefixes sets already parsed trusted proxy prefixes.
func WithTrustedProxyPrefixes(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithCORSOrigins enables credentialed CORS for the given origins.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithAuditWebhook forwards audit events to url. authHeader is optional and
// takes the form "Header: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader, a.loggerOrNop())
		}
	}
}

// WithAlertFunc registers a callback for anomaly alerts derived from audit
// events.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithPasswordParams sets the argon2id cost used for new registrations.
func WithPasswordParams(p util.Argon2idParams) Option {
	return func(a *API) { a.passwordParams = p }
}

// WithClock overrides the time source of the API and the components it
// builds. The token codec keeps its own clock.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

func (a *API) loggerOrNop() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

// New creates a new API instance. kv backs revocations, activity, pending
// enrollments and every rate-limit counter.
func New(tokens *token.Codec, kv storage.Store, ids identity.Store, opts ...Option) *API {
	a := &API{
		tokens:            tokens,
		kv:                kv,
		identities:        ids,
		limits:            DefaultLimits,
		burstWindow:       defaultBurstWindow,
		sustainedWindow:   defaultSustainedWindow,
		loginLimit:        defaultLoginLimit,
		totpMaxAttempts:   totp.DefaultMaxAttempts,
		totpAttemptWindow: totp.AttemptWindow,
		totpIssuer:        totp.DefaultIssuer,
		backupCodeCount:   defaultBackupCodes,
		passwordParams:    util.DefaultArgon2idParams(),
		csrfExempt:        []string{"/auth/login", "/auth/register"},
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.loggerOrNop()

	a.sessions = session.New(kv, a.logger, session.WithClock(a.now))
	a.burst = ratelimit.New(kv, "burst", a.burstWindow, ratelimit.WithClock(a.now))
	a.sustained = ratelimit.New(kv, "sustained", a.sustainedWindow, ratelimit.WithClock(a.now))
	a.logins = ratelimit.New(kv, "login", defaultLoginWindow, ratelimit.WithClock(a.now))
	a.totp = totp.New(ids, ratelimit.New(kv, "totp", a.totpAttemptWindow, ratelimit.WithClock(a.now)),
		totp.WithClock(a.now),
		totp.WithMaxAttempts(a.totpMaxAttempts),
		totp.WithIssuer(a.totpIssuer),
	)
	a.csrf = NewCSRFGuard(a.csrfExempt...)
	a.gate = NewAdminGate(a.totp.SessionFlavour().Span(), a.now)

	a.audit = newAuditLogger(a.logger)
	a.audit.now = a.now
	a.audit.webhook = a.webhook
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
		a.audit.metrics.now = a.now
	}
	return a
}

// Sessions exposes the session store, for collaborators that revoke outside
// an HTTP request.
func (a *API) Sessions() *session.Store { return a.sessions }

// Close flushes the audit webhook, giving up when ctx ends. Backing stores
// are owned by the caller.
func (a *API) Close(ctx context.Context) error {
	if a.webhook == nil {
		return nil
	}
	return a.webhook.close(ctx)
}

// Router returns a chi.Router with all API routes mounted. Admin routes
// declare their gate explicitly; nothing is inferred from the path.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.CSRF)
		r.Get("/auth/csrf", a.IssueCSRF)
		r.Post("/auth/register", a.Register)
		r.Post("/auth/login", a.Login)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.Authenticate, a.CSRF)
		r.Post("/auth/logout", a.Logout)
		r.Get("/auth/me", a.Me)
		r.Post("/auth/totp/setup", a.SetupTOTP)
		r.Post("/auth/totp/enable", a.EnableTOTP)
		r.Post("/auth/totp/verify", a.VerifyTOTP)
		r.Post("/auth/totp/fresh", a.FreshTOTP)

		r.With(a.RequireAdmin).Get("/admin/status", a.AdminStatus)
		r.With(a.RequireAdmin, a.RequireFreshTOTP).Post("/admin/identities/{id}/revoke", a.RevokeIdentity)
	})

	return r
}

// Handler returns the complete HTTP handler: request logging, recovery,
// security headers, CORS and rate limiting in front of /health and the API
// mounted at /api/v1.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(SecurityHeaders)
	if len(a.corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins:   a.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowedHeaders:   []string{"Content-Type", csrfHeaderName, totpAttestationHeader, totpCodeHeader, "Authorization"},
			ExposedHeaders:   []string{totpVerifiedHeader, "Retry-After"},
			AllowCredentials: true,
			MaxAge:           600,
		}).Handler)
	}
	r.Use(a.RateLimit)

	r.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/api/v1", a.Router())
	return r
}

// requestLogger logs one line per request. Only the path is logged; query
// strings may carry credentials.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := a.now()
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", a.now().Sub(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

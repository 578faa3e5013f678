// Package config loads process configuration from the environment. A .env
// file, when present, is read first; variables already set in the
// environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/jmcleod/civicgate/token"
)

const envconfigPrefix = "CIVICGATE"

const (
	StoreMemory = "memory"
	StoreBBolt  = "bbolt"
	StoreRedis  = "redis"

	IdentityMemory   = "memory"
	IdentityPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	Addr    string `envconfig:"ADDR" default:":8443"`
	DataDir string `envconfig:"DATA_DIR" default:"./data"`
	TLSCert string `envconfig:"TLS_CERT"`
	TLSKey  string `envconfig:"TLS_KEY"`

	// PlainHTTP serves without TLS, for deployments behind a terminating
	// proxy. Session cookies are still marked Secure.
	PlainHTTP bool `envconfig:"PLAIN_HTTP" default:"false"`

	// SigningSecret must be at least token.MinSecretLen bytes; Validate
	// rejects anything shorter.
	SigningSecret string        `envconfig:"SIGNING_SECRET"`
	TokenIssuer   string        `envconfig:"TOKEN_ISSUER" default:"civicgate"`
	TokenTTL      time.Duration `envconfig:"TOKEN_TTL" default:"336h"`
	FreshTTL      time.Duration `envconfig:"FRESH_TTL" default:"5m"`

	// LegacyBearerAuth accepts "Authorization: Bearer" alongside the cookie.
	// Scheduled for removal once every client is cookie-only.
	LegacyBearerAuth bool `envconfig:"LEGACY_BEARER_AUTH" default:"false"`

	StoreBackend   string `envconfig:"STORE_BACKEND" default:"memory"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisTLS       bool   `envconfig:"REDIS_TLS" default:"false"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"civicgate:"`

	IdentityBackend string `envconfig:"IDENTITY_BACKEND" default:"memory"`
	DatabaseURL     string `envconfig:"DATABASE_URL"`

	BootstrapAdminEmail        string `envconfig:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminUsername     string `envconfig:"BOOTSTRAP_ADMIN_USERNAME" default:"admin"`
	BootstrapAdminPasswordHash string `envconfig:"BOOTSTRAP_ADMIN_PASSWORD_HASH"`

	CSRFExempt     []string `envconfig:"CSRF_EXEMPT" default:"/auth/login,/auth/register"`
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS"`

	BurstLimit         int64         `envconfig:"BURST_LIMIT" default:"300"`
	BurstWindow        time.Duration `envconfig:"BURST_WINDOW" default:"1m"`
	SustainedWindow    time.Duration `envconfig:"SUSTAINED_WINDOW" default:"15m"`
	AnonymousLimit     int64         `envconfig:"ANONYMOUS_LIMIT" default:"100"`
	AuthenticatedLimit int64         `envconfig:"AUTHENTICATED_LIMIT" default:"1000"`
	LoginLimit         int64         `envconfig:"LOGIN_LIMIT" default:"10"`

	TOTPMaxAttempts   int64         `envconfig:"TOTP_MAX_ATTEMPTS" default:"5"`
	TOTPAttemptWindow time.Duration `envconfig:"TOTP_ATTEMPT_WINDOW" default:"15m"`
	TOTPIssuer        string        `envconfig:"TOTP_ISSUER" default:"CivicGate"`

	AuditWebhookURL    string        `envconfig:"AUDIT_WEBHOOK_URL"`
	AuditWebhookHeader string        `envconfig:"AUDIT_WEBHOOK_HEADER"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads dotenvPath (if it exists) and then the CIVICGATE_* variables.
// An empty dotenvPath skips the file.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", dotenvPath, err)
		}
	}
	c := &Config{}
	if err := envconfig.Process(envconfigPrefix, c); err != nil {
		return nil, fmt.Errorf("reading configuration from environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the signing secret and cross-field constraints. It runs
// before any store is opened.
func (c *Config) Validate() error {
	if len(c.SigningSecret) < token.MinSecretLen {
		return fmt.Errorf("CIVICGATE_SIGNING_SECRET must be at least %d bytes", token.MinSecretLen)
	}
	switch c.StoreBackend {
	case StoreMemory, StoreBBolt, StoreRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.IdentityBackend {
	case IdentityMemory:
	case IdentityPostgres:
		if c.DatabaseURL == "" {
			return errors.New("a value is required for CIVICGATE_DATABASE_URL with the postgres identity backend")
		}
	default:
		return fmt.Errorf("unknown identity backend %q", c.IdentityBackend)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("CIVICGATE_TLS_CERT and CIVICGATE_TLS_KEY must be set together")
	}
	if c.PlainHTTP && c.TLSCert != "" {
		return errors.New("CIVICGATE_PLAIN_HTTP cannot be combined with a TLS certificate")
	}
	if c.BootstrapAdminEmail != "" && c.BootstrapAdminPasswordHash == "" {
		return errors.New(
			"with a bootstrap admin configured, a value is required for the " +
				"CIVICGATE_BOOTSTRAP_ADMIN_PASSWORD_HASH environment variable",
		)
	}
	for _, p := range c.CSRFExempt {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("csrf exemption %q must be an absolute path", p)
		}
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses are treated as
// single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", raw)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

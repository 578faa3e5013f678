// Package logging builds the process logger and the field helpers used
// whenever identity or credential material has to appear in a log line.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	// Dev switches to the human-readable console encoder and is the only way
	// to enable debug output.
	Dev bool
}

// ConfigFromEnv reads LOG_DEV and LOG_LEVEL.
func ConfigFromEnv() Config {
	dev := os.Getenv("LOG_DEV") == "1"
	lvl := os.Getenv("LOG_LEVEL")
	if lvl == "" {
		if dev {
			lvl = "debug"
		} else {
			lvl = "info"
		}
	}
	return Config{Level: lvl, Dev: dev}
}

// LevelFromString maps a level name to a zapcore.Level, defaulting to info.
func LevelFromString(l string) zapcore.Level {
	switch strings.ToLower(l) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// EffectiveLevel returns the level New will use. Debug is clamped to info
// unless Dev is set.
func (c Config) EffectiveLevel() zapcore.Level {
	lvl := LevelFromString(c.Level)
	if lvl < zapcore.InfoLevel && !c.Dev {
		return zapcore.InfoLevel
	}
	return lvl
}

// New initializes and returns a *zap.Logger.
func New(cfg Config) (*zap.Logger, error) {
	lvl := cfg.EffectiveLevel()
	if cfg.Dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return c.Build()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stdout), lvl)
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	return zap.New(core, opts...), nil
}

// Fingerprint returns the first 12 hex characters of the SHA-256 of s. It is
// enough to correlate log lines about the same credential without making the
// credential recoverable.
func Fingerprint(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// TokenFingerprint is the only sanctioned way to log a bearer token.
func TokenFingerprint(token string) zap.Field {
	return zap.String("token_fp", Fingerprint(token))
}

// RedactedEmail logs an address as its first character and domain.
func RedactedEmail(email string) zap.Field {
	return zap.String("email", RedactEmail(email))
}

func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// IdentityID attaches the identity id. Identifiers are not secret; role
// flags and TOTP state are never logged alongside them.
func IdentityID(id string) zap.Field {
	return zap.String("identity_id", id)
}

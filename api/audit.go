package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/internal/logging"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess     AuditEvent = "login_success"
	AuditLoginFailure     AuditEvent = "login_failure"
	AuditLoginRateLimited AuditEvent = "login_rate_limited"
	AuditRegister         AuditEvent = "register"
	AuditLogout           AuditEvent = "logout"
	AuditAuthFailure      AuditEvent = "auth_failure"
	AuditCSRFRejected     AuditEvent = "csrf_rejected"
	AuditRateLimited      AuditEvent = "rate_limited"
	AuditTOTPSetup        AuditEvent = "totp_setup"
	AuditTOTPEnabled      AuditEvent = "totp_enabled"
	AuditTOTPVerified     AuditEvent = "totp_verified"
	AuditTOTPFailure      AuditEvent = "totp_failure"
	AuditBackupCodeUsed   AuditEvent = "backup_code_used"
	AuditFreshTOTPIssued  AuditEvent = "fresh_totp_issued"
	AuditFreshTOTPFailure AuditEvent = "fresh_totp_failure"
	AuditAdminDenied      AuditEvent = "admin_denied"
	AuditIdentityRevoked  AuditEvent = "identity_revoked"
	AuditSessionsRotated  AuditEvent = "sessions_rotated"
)

// auditLogger writes security audit entries through zap and, optionally,
// forwards them to a webhook and the anomaly collector.
type auditLogger struct {
	logger  *zap.Logger
	metrics *metricsCollector
	webhook *auditWebhook
	now     func() time.Time
}

func newAuditLogger(logger *zap.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With(zap.String("component", "audit")),
		now:    time.Now,
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, identityID string, fields ...zap.Field) {
	ts := al.now().UTC()
	base := []zap.Field{
		zap.String("event", string(event)),
		zap.String("remote_addr", r.RemoteAddr),
		zap.Time("timestamp", ts),
	}
	if identityID != "" {
		base = append(base, logging.IdentityID(identityID))
	}
	al.logger.Info("audit", append(base, fields...)...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(newWebhookEvent(event, r, identityID, ts, fields))
	}
}

// logEvent is a convenience for events about a known identity.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, identityID string, extra ...zap.Field) {
	al.log(event, r, identityID, extra...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...zap.Field) {
	al.log(event, r, "", append([]zap.Field{zap.String("reason", reason)}, extra...)...)
}

package api

import (
	"time"

	"github.com/jmcleod/civicgate/identity"
)

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the JSON body for POST /auth/login. TOTPCode, when sent
// by an identity with TOTP enabled, yields a session-attested token in one
// step.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// SessionResponse is returned whenever a session token is (re)issued.
type SessionResponse struct {
	Identity     identity.Identity `json:"identity"`
	TOTPEnabled  bool              `json:"totp_enabled"`
	TOTPVerified bool              `json:"totp_verified"`
	ExpiresAt    time.Time         `json:"expires_at"`
	CSRFToken    string            `json:"csrf_token"`
}

// MeResponse is returned from GET /auth/me.
type MeResponse struct {
	Identity       identity.Identity `json:"identity"`
	TOTPEnabled    bool              `json:"totp_enabled"`
	TOTPVerified   bool              `json:"totp_verified"`
	TOTPVerifiedAt *time.Time        `json:"totp_verified_at,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastActivity   *time.Time        `json:"last_activity,omitempty"`
}

// CSRFResponse is returned from GET /auth/csrf.
type CSRFResponse struct {
	CSRFToken string `json:"csrf_token"`
}

// TOTPSetupResponse is returned from POST /auth/totp/setup. The secret is
// shown only here.
type TOTPSetupResponse struct {
	Secret            string    `json:"secret"`
	OTPAuthURL        string    `json:"otpauth_url"`
	SessionOTPAuthURL string    `json:"session_otpauth_url"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// TOTPCodeRequest carries a one-time code.
type TOTPCodeRequest struct {
	Code string `json:"code"`
}

// TOTPEnableResponse is returned from POST /auth/totp/enable.
type TOTPEnableResponse struct {
	BackupCodes []string        `json:"backup_codes"`
	Session     SessionResponse `json:"session"`
}

// TOTPVerifyRequest is the JSON body for POST /auth/totp/verify; exactly one
// field is expected.
type TOTPVerifyRequest struct {
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

// TOTPVerifyResponse is returned from POST /auth/totp/verify.
type TOTPVerifyResponse struct {
	Session              SessionResponse `json:"session"`
	BackupCodesRemaining *int            `json:"backup_codes_remaining,omitempty"`
}

// FreshAttestationResponse is returned from POST /auth/totp/fresh.
type FreshAttestationResponse struct {
	Attestation string    `json:"attestation"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AdminStatusResponse is returned from GET /admin/status.
type AdminStatusResponse struct {
	Identity       identity.Identity `json:"identity"`
	TOTPVerifiedAt *time.Time        `json:"totp_verified_at,omitempty"`
	ServerTime     time.Time         `json:"server_time"`
}

// RevokeIdentityResponse is returned from POST /admin/identities/{id}/revoke.
type RevokeIdentityResponse struct {
	IdentityID string    `json:"identity_id"`
	RevokedAt  time.Time `json:"revoked_at"`
}

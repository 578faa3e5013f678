package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/ratelimit"
	"github.com/jmcleod/civicgate/token"
	"github.com/jmcleod/civicgate/totp"
)

// Stable error codes returned in ErrorResponse.Code.
const (
	CodeAuthenticationRequired  = "AUTHENTICATION_REQUIRED"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeTokenExpired            = "ACCESS_TOKEN_EXPIRED"
	CodeTokenRevoked            = "TOKEN_REVOKED"
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodeCSRFTokenMissing        = "CSRF_TOKEN_MISSING"
	CodeCSRFCookieMissing       = "CSRF_COOKIE_MISSING"
	CodeCSRFTokenMismatch       = "CSRF_TOKEN_MISMATCH"
	CodeNotAdmin                = "NOT_ADMIN"
	CodeTOTPRequired            = "TOTP_REQUIRED"
	CodeTOTPVerificationExpired = "TOTP_VERIFICATION_EXPIRED"
	CodeTOTPInvalid             = "TOTP_INVALID"
	CodeTOTPNotEnabled          = "TOTP_NOT_ENABLED"
	CodeTOTPAlreadyEnabled      = "TOTP_ALREADY_ENABLED"
	CodeTOTPSetupRequired       = "TOTP_SETUP_REQUIRED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeBadRequest              = "BAD_REQUEST"
	CodeConflict                = "CONFLICT"
	CodeNotFound                = "NOT_FOUND"
	CodeInternal                = "INTERNAL_ERROR"
)

// AuthenticationError means the request carries no usable credential.
// Always 401.
type AuthenticationError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string { return e.Message }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// AuthorizationError means the identity is known but not allowed. Always 403.
type AuthorizationError struct {
	Code    string
	Message string
}

func (e *AuthorizationError) Error() string { return e.Message }

// TOTPVerificationError means a one-time code or fresh attestation was
// rejected. Always 403.
type TOTPVerificationError struct {
	Code    string
	Message string
	Err     error
}

func (e *TOTPVerificationError) Error() string { return e.Message }
func (e *TOTPVerificationError) Unwrap() error { return e.Err }

// badRequestError carries a client mistake that is not a policy decision.
type badRequestError struct {
	status  int
	code    string
	message string
}

func (e *badRequestError) Error() string { return e.message }

func badRequest(msg string) error {
	return &badRequestError{status: http.StatusBadRequest, code: CodeBadRequest, message: msg}
}

var (
	errAuthRequired = &AuthenticationError{Code: CodeAuthenticationRequired, Message: "authentication required"}
	errTokenRevoked = &AuthenticationError{Code: CodeTokenRevoked, Message: "token has been revoked"}
	errBadLogin     = &AuthenticationError{Code: CodeInvalidCredentials, Message: "invalid login or password"}
	errNotAdmin     = &AuthorizationError{Code: CodeNotAdmin, Message: "administrator role required"}
	errTOTPRequired = &AuthorizationError{Code: CodeTOTPRequired, Message: "two-factor verification required"}

	errSessionAttestationExpired = &TOTPVerificationError{Code: CodeTOTPVerificationExpired, Message: "two-factor verification expired; verify again"}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// classify translates package sentinels into the API error taxonomy. Errors
// that are already typed pass through unchanged.
func classify(err error) error {
	var (
		authnErr *AuthenticationError
		authzErr *AuthorizationError
		totpErr  *TOTPVerificationError
		csrfErr  *CSRFError
		rlErr    *ratelimit.Error
		badReq   *badRequestError
	)
	switch {
	case errors.As(err, &authnErr), errors.As(err, &authzErr), errors.As(err, &totpErr),
		errors.As(err, &csrfErr), errors.As(err, &rlErr), errors.As(err, &badReq):
		return err
	case errors.Is(err, token.ErrTokenExpired):
		return &AuthenticationError{Code: CodeTokenExpired, Message: "access token expired", Err: err}
	case errors.Is(err, token.ErrInvalidToken):
		return &AuthenticationError{Code: CodeInvalidToken, Message: "invalid token", Err: err}
	case errors.Is(err, token.ErrAttestationExpired):
		return &TOTPVerificationError{Code: CodeTOTPVerificationExpired, Message: "fresh two-factor verification expired", Err: err}
	case errors.Is(err, totp.ErrInvalidCode), errors.Is(err, totp.ErrReplay):
		return &TOTPVerificationError{Code: CodeTOTPInvalid, Message: "invalid two-factor code", Err: err}
	case errors.Is(err, totp.ErrNotEnabled):
		return &TOTPVerificationError{Code: CodeTOTPNotEnabled, Message: "two-factor authentication is not enabled", Err: err}
	case errors.Is(err, totp.ErrAlreadyEnabled):
		return &badRequestError{status: http.StatusConflict, code: CodeTOTPAlreadyEnabled, message: err.Error()}
	case errors.Is(err, identity.ErrNotFound):
		return &badRequestError{status: http.StatusNotFound, code: CodeNotFound, message: "identity not found"}
	case errors.Is(err, identity.ErrExists):
		return &badRequestError{status: http.StatusConflict, code: CodeConflict, message: "email or username already taken"}
	}
	return err
}

// describe returns the status, code and client-facing message for err.
// Anything outside the taxonomy is reported as an internal fault.
func describe(err error) (status int, code, msg string) {
	err = classify(err)
	var (
		authnErr *AuthenticationError
		authzErr *AuthorizationError
		totpErr  *TOTPVerificationError
		csrfErr  *CSRFError
		rlErr    *ratelimit.Error
		badReq   *badRequestError
	)
	switch {
	case errors.As(err, &rlErr):
		return http.StatusTooManyRequests, CodeRateLimited, "too many requests; try again later"
	case errors.As(err, &authnErr):
		return http.StatusUnauthorized, authnErr.Code, authnErr.Message
	case errors.As(err, &csrfErr):
		return http.StatusForbidden, csrfErr.Code(), csrfErr.Error()
	case errors.As(err, &authzErr):
		return http.StatusForbidden, authzErr.Code, authzErr.Message
	case errors.As(err, &totpErr):
		return http.StatusForbidden, totpErr.Code, totpErr.Message
	case errors.As(err, &badReq):
		return badReq.status, badReq.code, badReq.message
	}
	return http.StatusInternalServerError, CodeInternal, "internal server error"
}

// mapError writes err as a JSON error response. Internal faults are logged
// and their message is not sent to the client.
func mapError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, code, msg := describe(err)
	if status == http.StatusInternalServerError && logger != nil {
		logger.Error("internal error", zap.Error(err))
	}
	var rlErr *ratelimit.Error
	if errors.As(err, &rlErr) {
		w.Header().Set("Retry-After", rlErr.RetryAfterSeconds())
	}
	writeError(w, status, code, msg)
}

// errorCode returns the code mapError would send for err.
func errorCode(err error) string {
	_, code, _ := describe(err)
	return code
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/civicgate/internal/logging"
	"github.com/jmcleod/civicgate/storage"
)

const (
	pendingTOTPPrefix = "totp-pending:"
	pendingTOTPTTL    = 10 * time.Minute
)

var errNoPendingEnrollment = &badRequestError{
	status:  http.StatusBadRequest,
	code:    CodeTOTPSetupRequired,
	message: "no pending two-factor enrollment; call setup first",
}

// SetupTOTP handles POST /auth/totp/setup. It generates a secret and parks
// it for ten minutes until EnableTOTP confirms it. Replacing an existing
// secret requires a session attested by the current one.
func (a *API) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	rec, err := a.identities.Get(r.Context(), id.ID)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	if rec.TOTP.Enabled {
		if err := a.gate.Attested(claims); err != nil {
			mapError(w, a.logger, err)
			return
		}
	}

	account := rec.Email
	if account == "" {
		account = rec.Username
	}
	enrollment, err := a.totp.GenerateSecret(account)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	if err := a.kv.Set(r.Context(), pendingTOTPPrefix+id.ID, []byte(enrollment.Secret), pendingTOTPTTL); err != nil {
		mapError(w, a.logger, fmt.Errorf("storing pending totp secret: %w", err))
		return
	}

	a.audit.logEvent(AuditTOTPSetup, r, id.ID, zap.Bool("rotation", rec.TOTP.Enabled))
	writeJSON(w, http.StatusOK, TOTPSetupResponse{
		Secret:            enrollment.Secret,
		OTPAuthURL:        enrollment.URL,
		SessionOTPAuthURL: enrollment.SessionURL,
		ExpiresAt:         a.now().Add(pendingTOTPTTL).UTC(),
	})
}

// EnableTOTP handles POST /auth/totp/enable. The code must be valid for the
// pending secret. On success the backup codes are returned once and the
// token is re-issued with a session attestation. Rotating an existing
// secret also invalidates every other token for the identity.
func (a *API) EnableTOTP(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	req, ok := decodeJSON[TOTPCodeRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	pendingKey := pendingTOTPPrefix + id.ID
	secret, err := a.kv.Get(r.Context(), pendingKey)
	if errors.Is(err, storage.ErrNotFound) {
		mapError(w, a.logger, errNoPendingEnrollment)
		return
	}
	if err != nil {
		mapError(w, a.logger, fmt.Errorf("loading pending totp secret: %w", err))
		return
	}

	rec, err := a.identities.Get(r.Context(), id.ID)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	rotate := rec.TOTP.Enabled
	if rotate {
		if err := a.gate.Attested(claims); err != nil {
			mapError(w, a.logger, err)
			return
		}
	}

	codes, err := a.totp.Enable(r.Context(), id.ID, string(secret), req.Code, a.backupCodeCount, rotate)
	if err != nil {
		a.audit.logFailure(AuditTOTPFailure, r, errorCode(err), logging.IdentityID(id.ID))
		mapError(w, a.logger, err)
		return
	}
	if err := a.kv.Delete(r.Context(), pendingKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn("deleting pending totp secret", logging.IdentityID(id.ID), zap.Error(err))
	}

	now := a.now()
	rec.TOTP.Enabled = true
	raw, newClaims, err := a.issueSession(rec, &now)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	if rotate {
		// Every session but the one being handed out now.
		if err := a.sessions.RevokeIdentityExcept(r.Context(), id.ID, newClaims.SessionID(), now, a.tokens.TTL()); err != nil {
			mapError(w, a.logger, err)
			return
		}
		a.audit.logEvent(AuditSessionsRotated, r, id.ID)
	}
	a.supersede(r.Context(), TokenFromContext(r.Context()), claims)

	resp, err := a.writeSession(w, rec, raw, newClaims)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	a.audit.logEvent(AuditTOTPEnabled, r, id.ID, zap.Bool("rotation", rotate))
	writeJSON(w, http.StatusOK, TOTPEnableResponse{BackupCodes: codes, Session: resp})
}

// VerifyTOTP handles POST /auth/totp/verify. A session-step code or a
// backup code upgrades the session to a TOTP-attested token. The previous
// token is revoked.
func (a *API) VerifyTOTP(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	req, ok := decodeJSON[TOTPVerifyRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	var remaining *int
	var err error
	switch {
	case req.Code != "" && req.BackupCode != "":
		err = badRequest("send either code or backup_code, not both")
	case req.Code != "":
		err = a.totp.VerifySessionAttestation(r.Context(), id.ID, req.Code)
	case req.BackupCode != "":
		var n int
		if n, err = a.totp.VerifyBackupCode(r.Context(), id.ID, req.BackupCode); err == nil {
			remaining = &n
			a.audit.logEvent(AuditBackupCodeUsed, r, id.ID, zap.Int("remaining", n))
		}
	default:
		err = badRequest("code or backup_code is required")
	}
	if err != nil {
		a.audit.logFailure(AuditTOTPFailure, r, errorCode(err), logging.IdentityID(id.ID))
		mapError(w, a.logger, err)
		return
	}

	rec, err := a.identities.Get(r.Context(), id.ID)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	now := a.now()
	resp, err := a.startSession(w, rec, &now)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}
	a.supersede(r.Context(), TokenFromContext(r.Context()), ClaimsFromContext(r.Context()))

	a.audit.logEvent(AuditTOTPVerified, r, id.ID)
	writeJSON(w, http.StatusOK, TOTPVerifyResponse{Session: resp, BackupCodesRemaining: remaining})
}

// FreshTOTP handles POST /auth/totp/fresh. A fresh-step code is exchanged
// for a short-lived, single-use attestation to present in the
// X-TOTP-Attestation header.
func (a *API) FreshTOTP(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())

	req, ok := decodeJSON[TOTPCodeRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if err := a.totp.VerifyFreshAttestation(r.Context(), id.ID, req.Code); err != nil {
		a.audit.logFailure(AuditFreshTOTPFailure, r, errorCode(err), logging.IdentityID(id.ID))
		mapError(w, a.logger, err)
		return
	}
	attestation, expiresAt, err := a.tokens.IssueFreshAttestation(id.ID)
	if err != nil {
		mapError(w, a.logger, err)
		return
	}

	w.Header().Set(totpVerifiedHeader, "true")
	a.audit.logEvent(AuditFreshTOTPIssued, r, id.ID)
	writeJSON(w, http.StatusOK, FreshAttestationResponse{Attestation: attestation, ExpiresAt: expiresAt.UTC()})
}

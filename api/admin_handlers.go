package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminStatus handles GET /admin/status.
func (a *API) AdminStatus(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromContext(r.Context())
	claims := ClaimsFromContext(r.Context())

	resp := AdminStatusResponse{Identity: *id, ServerTime: a.now().UTC()}
	if claims.TOTPVerifiedAt != nil {
		at := claims.TOTPVerifiedAt.UTC()
		resp.TOTPVerifiedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

// RevokeIdentity handles POST /admin/identities/{id}/revoke. Every token
// issued to the target before now stops authenticating.
func (a *API) RevokeIdentity(w http.ResponseWriter, r *http.Request) {
	actor := IdentityFromContext(r.Context())
	targetID := chi.URLParam(r, "id")

	if _, err := a.identities.Get(r.Context(), targetID); err != nil {
		mapError(w, a.logger, err)
		return
	}
	now := a.now()
	if err := a.sessions.RevokeIdentity(r.Context(), targetID, now, a.tokens.TTL()); err != nil {
		mapError(w, a.logger, err)
		return
	}

	a.audit.logEvent(AuditIdentityRevoked, r, actor.ID, zap.String("target_id", targetID))
	writeJSON(w, http.StatusOK, RevokeIdentityResponse{
		IdentityID: targetID,
		RevokedAt:  now.UTC().Truncate(time.Second),
	})
}

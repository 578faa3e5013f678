package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/civicgate/totp"
)

func jsonRequest(method, path, raw, body string) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: raw})
	r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-value"})
	r.Header.Set(csrfHeaderName, "csrf-value")
	return r
}

func sessionCookieValue(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c.Value
		}
	}
	t.Fatalf("no %s cookie in response", sessionCookieName)
	return ""
}

func TestEnableTOTP_RotationRevokesOtherSessions(t *testing.T) {
	h := newHarness(t)
	user := h.addIdentity(t, "rene", false, testTOTPSecret)
	other := h.issue(t, user, true)
	current := h.issue(t, user, true)

	rec := h.serve(authedRequest(http.MethodPost, "/api/v1/auth/totp/setup", current))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var setup TOTPSetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &setup))

	code, err := totp.CodeAt(setup.Secret, h.clock.Now(), totp.Fresh)
	require.NoError(t, err)
	rec = h.serve(jsonRequest(http.MethodPost, "/api/v1/auth/totp/enable", current, `{"code":"`+code+`"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := sessionCookieValue(t, rec)

	// The rotated session is minted in the cutoff's own second and still
	// survives it.
	assert.Equal(t, http.StatusOK, h.serve(meRequest(rotated)).Code)
	assert.Equal(t, http.StatusUnauthorized, h.serve(meRequest(other)).Code)
	assert.Equal(t, http.StatusUnauthorized, h.serve(meRequest(current)).Code)
}

func TestSetupTOTP_RotationNeedsLiveAttestation(t *testing.T) {
	h := newHarness(t)
	user := h.addIdentity(t, "rene", false, testTOTPSecret)
	raw := h.issue(t, user, true)

	h.clock.Advance(totp.Session.Span() + totp.Fresh.Period)
	rec := h.serve(authedRequest(http.MethodPost, "/api/v1/auth/totp/setup", raw))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeTOTPVerificationExpired, errorBody(t, rec).Code)

	unattested := h.issue(t, user, false)
	rec = h.serve(authedRequest(http.MethodPost, "/api/v1/auth/totp/setup", unattested))
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, CodeTOTPRequired, errorBody(t, rec).Code)
}

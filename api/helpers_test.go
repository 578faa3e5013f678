package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jmcleod/civicgate/identity"
	"github.com/jmcleod/civicgate/internal/util"
	"github.com/jmcleod/civicgate/storage/memory"
	"github.com/jmcleod/civicgate/token"
	"github.com/jmcleod/civicgate/totp"
)

const (
	testSigningKey = "test-signing-key-0123456789abcdef"
	testPassword   = "correct horse battery"
	testTOTPSecret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
)

var cheapParams = util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	api    *API
	tokens *token.Codec
	kv     *memory.Store
	ids    *identity.MemoryStore
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	codec, err := token.New([]byte(testSigningKey), token.WithClock(clock.Now))
	require.NoError(t, err)
	kv := memory.New(memory.WithClock(clock.Now), memory.WithoutSweeper())
	t.Cleanup(func() { kv.Close() })
	ids := identity.NewMemoryStore()

	base := []Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(clock.Now),
		WithPasswordParams(cheapParams),
	}
	a := New(codec, kv, ids, append(base, opts...)...)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	return &harness{api: a, tokens: codec, kv: kv, ids: ids, clock: clock}
}

// addIdentity creates an identity with testPassword. A non-empty secret
// enables TOTP.
func (h *harness) addIdentity(t *testing.T, username string, admin bool, secret string) *identity.Record {
	t.Helper()
	hash, err := util.HashPassword(testPassword, cheapParams)
	require.NoError(t, err)
	rec := &identity.Record{
		Identity: identity.Identity{
			ID:       identity.NewID(),
			Email:    username + "@example.org",
			Username: username,
			Roles:    identity.Roles{Admin: admin},
		},
		PasswordHash: hash,
	}
	if secret != "" {
		rec.TOTP = identity.TOTPSecret{Secret: secret, Enabled: true}
	}
	require.NoError(t, h.ids.Create(context.Background(), rec))
	return rec
}

func (h *harness) issue(t *testing.T, rec *identity.Record, attested bool) string {
	t.Helper()
	opts := token.IssueOptions{Admin: rec.IsAdmin()}
	if attested {
		at := h.clock.Now()
		opts.TOTPVerifiedAt = &at
	}
	raw, _, err := h.tokens.Issue(rec.ID, opts)
	require.NoError(t, err)
	return raw
}

func (h *harness) code(t *testing.T, f totp.Flavour) string {
	t.Helper()
	c, err := totp.CodeAt(testTOTPSecret, h.clock.Now(), f)
	require.NoError(t, err)
	return c
}

// serve sends r through the full handler stack.
func (h *harness) serve(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.api.Handler().ServeHTTP(rec, r)
	return rec
}

// authedRequest builds a request carrying the session cookie and a matching
// CSRF cookie and header.
func authedRequest(method, path, raw string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.AddCookie(&http.Cookie{Name: sessionCookieName, Value: raw})
	r.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-value"})
	r.Header.Set(csrfHeaderName, "csrf-value")
	return r
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

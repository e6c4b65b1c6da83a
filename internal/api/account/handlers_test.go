package account

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-portal/portal/internal/audit"
	"github.com/knowledge-portal/portal/internal/auth/oidc"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/db/models"
	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/session"
	"github.com/knowledge-portal/portal/internal/store"
	"github.com/knowledge-portal/portal/internal/usersync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProvider struct {
	exchangeErr  error
	lastCode     string
	logoutHint   string
	logoutReturn string
}

func (p *fakeProvider) AuthURL(state string) string {
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*oidc.Tokens, *oidc.Profile, error) {
	p.lastCode = code
	if p.exchangeErr != nil {
		return nil, nil, p.exchangeErr
	}
	return &oidc.Tokens{AccessToken: "at-1", IDToken: "idt-1"},
		&oidc.Profile{Subject: "auth0|ada", Email: "ada@example.com", Name: "Ada"}, nil
}

func (p *fakeProvider) LogoutURL(idTokenHint, returnTo string) string {
	p.logoutHint = idTokenHint
	p.logoutReturn = returnTo
	return "https://idp.example.com/logout"
}

type fakeSyncer struct {
	result *usersync.Result
	err    error
}

func (f *fakeSyncer) Sync(context.Context, usersync.Request) (*usersync.Result, error) {
	return f.result, f.err
}

type memoryWriter struct {
	entries chan *models.AuditLog
}

func (w *memoryWriter) CreateAuditLog(_ context.Context, l *models.AuditLog) error {
	w.entries <- l
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	router   *gin.Engine
	provider *fakeProvider
	kv       *kv.Memory
	sessions *session.Manager
	users    *store.UserRegistry
	chats    *store.ChatRegistry
	writer   *memoryWriter
	recorder *audit.Recorder
}

func testConfig() *config.Config {
	return &config.Config{
		App:  config.AppConfig{Environment: "test", FrontendURL: "https://portal.example.com/"},
		I18n: config.I18nConfig{Locales: []string{"en", "es"}, DefaultLocale: "en"},
		Auth: config.AuthConfig{Session: config.SessionConfig{
			Secret:     "account-test-secret-at-least-32-chars",
			CookieName: "portal_session",
			TTL:        time.Hour,
		}},
		Store: config.StoreConfig{Namespace: "portal-user-store", ChatCapacity: 10, ChatIdleTTL: time.Hour, UserCapacity: 10, UserIdleTTL: time.Hour},
	}
}

func newHarness(t *testing.T, withProvider bool) *harness {
	t.Helper()
	cfg := testConfig()
	mem := kv.NewMemory()
	codec, err := session.NewCodec(cfg.Auth.Session.Secret)
	require.NoError(t, err)
	sessions := session.NewManager(codec, mem, cfg.Auth.Session)

	writer := &memoryWriter{entries: make(chan *models.AuditLog, 8)}
	recorder := audit.NewRecorder(writer, nil)
	syncer := &fakeSyncer{result: &usersync.Result{ID: "3f2504e0-4f89-41d3-9a0c-0305e82c3301", Roles: []string{"manager"}}}

	h := &harness{
		provider: &fakeProvider{},
		kv:       mem,
		sessions: sessions,
		users:    store.NewUserRegistry(mem, cfg.Store.Namespace, time.Hour, 10, time.Hour),
		chats:    store.NewChatRegistry(10, time.Hour),
		writer:   writer,
		recorder: recorder,
	}
	opts := Options{
		Resolver: session.NewResolver(syncer, recorder, cfg.Auth.Session.TTL),
		Sessions: sessions,
		KV:       mem,
		Recorder: recorder,
		Users:    h.users,
		Chats:    h.chats,
	}
	if withProvider {
		opts.Provider = h.provider
	}
	handlers := NewHandlers(cfg, opts)

	r := gin.New()
	r.GET("/api/v1/auth/signin", handlers.SignInHandler())
	r.GET("/api/v1/auth/callback", handlers.CallbackHandler())
	r.GET("/api/v1/auth/session", handlers.SessionHandler())
	r.POST("/api/v1/auth/refresh", func(c *gin.Context) {
		if s, err := sessions.Load(c.Request); err == nil {
			session.Set(c, s)
		}
		c.Next()
	}, handlers.RefreshHandler())
	r.POST("/api/v1/auth/signout", handlers.SignOutHandler())
	h.router = r
	return h
}

func (h *harness) do(method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// signIn runs the full sign-in round trip and returns the session cookie.
func (h *harness) signIn(t *testing.T, callbackURL string) (*http.Cookie, *httptest.ResponseRecorder) {
	t.Helper()
	w := h.do(http.MethodGet, "/api/v1/auth/signin?locale=es&callbackUrl="+url.QueryEscape(callbackURL))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	w = h.do(http.MethodGet, "/api/v1/auth/callback?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, w.Code)
	return sessionCookie(w), w
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "portal_session" {
			return ck
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sign-in and callback
// ---------------------------------------------------------------------------

func TestSignIn_RoundTrip(t *testing.T) {
	h := newHarness(t, true)
	ck, w := h.signIn(t, "/es/chat")

	assert.Equal(t, "https://portal.example.com/es/chat", w.Header().Get("Location"))
	assert.Equal(t, "abc", h.provider.lastCode)
	require.NotNil(t, ck)
	assert.True(t, ck.HttpOnly)

	entry := <-h.writer.entries
	assert.Equal(t, models.ActionSignIn, entry.Action)

	w = h.do(http.MethodGet, "/api/v1/auth/session", ck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"manager"`)
	assert.Contains(t, w.Body.String(), `"synced":true`)
	assert.NotContains(t, w.Body.String(), "at-1")
}

func TestSignIn_DefaultsToDashboard(t *testing.T) {
	h := newHarness(t, true)
	_, w := h.signIn(t, "")
	assert.Equal(t, "https://portal.example.com/es/dashboard", w.Header().Get("Location"))
}

func TestSignIn_RejectsExternalCallback(t *testing.T) {
	for _, cb := range []string{"https://evil.example.com/", "//evil.example.com", `/\evil.example.com`, "javascript:alert(1)"} {
		t.Run(cb, func(t *testing.T) {
			h := newHarness(t, true)
			_, w := h.signIn(t, cb)
			assert.Equal(t, "https://portal.example.com/es/dashboard", w.Header().Get("Location"))
		})
	}
}

func TestSignIn_NotConfigured(t *testing.T) {
	h := newHarness(t, false)
	w := h.do(http.MethodGet, "/api/v1/auth/signin")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	h := newHarness(t, true)
	w := h.do(http.MethodGet, "/api/v1/auth/signin?locale=es")
	loc, _ := url.Parse(w.Header().Get("Location"))
	state := loc.Query().Get("state")

	first := h.do(http.MethodGet, "/api/v1/auth/callback?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, first.Code)
	require.NotNil(t, sessionCookie(first))

	second := h.do(http.MethodGet, "/api/v1/auth/callback?code=abc&state="+url.QueryEscape(state))
	assert.Equal(t, "https://portal.example.com/en/auth/signin?error=invalid_state", second.Header().Get("Location"))
	assert.Nil(t, sessionCookie(second))
}

func TestCallback_Errors(t *testing.T) {
	tests := []struct {
		name     string
		query    func(state string) string
		exchange error
		want     string
	}{
		{"missing state", func(string) string { return "code=abc" }, nil, "/en/auth/signin?error=invalid_state"},
		{"unknown state", func(string) string { return "code=abc&state=forged" }, nil, "/en/auth/signin?error=invalid_state"},
		{"provider error", func(s string) string { return "error=access_denied&state=" + url.QueryEscape(s) }, nil, "/es/auth/signin?error=access_denied"},
		{"exchange failure", func(s string) string { return "code=abc&state=" + url.QueryEscape(s) }, errors.New("bad code"), "/es/auth/signin?error=token_exchange_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.provider.exchangeErr = tt.exchange
			w := h.do(http.MethodGet, "/api/v1/auth/signin?locale=es")
			loc, _ := url.Parse(w.Header().Get("Location"))

			w = h.do(http.MethodGet, "/api/v1/auth/callback?"+tt.query(loc.Query().Get("state")))
			assert.Equal(t, http.StatusFound, w.Code)
			assert.Equal(t, "https://portal.example.com"+tt.want, w.Header().Get("Location"))
		})
	}
}

// ---------------------------------------------------------------------------
// Session and refresh
// ---------------------------------------------------------------------------

func TestSession_Unauthenticated(t *testing.T) {
	h := newHarness(t, true)
	w := h.do(http.MethodGet, "/api/v1/auth/session")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/api/v1/auth/session", &http.Cookie{Name: "portal_session", Value: "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, true)
	ck, _ := h.signIn(t, "/es/chat")

	w := h.do(http.MethodPost, "/api/v1/auth/refresh", ck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"manager"`)
	assert.NotNil(t, sessionCookie(w))

	w = h.do(http.MethodPost, "/api/v1/auth/refresh")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---------------------------------------------------------------------------
// Sign-out
// ---------------------------------------------------------------------------

func TestSignOut_ClearsScopedState(t *testing.T) {
	h := newHarness(t, true)
	ck, _ := h.signIn(t, "/es/chat")
	<-h.writer.entries

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(ck)
	s, err := h.sessions.Load(req)
	require.NoError(t, err)

	ctx := context.Background()
	us := h.users.Get(ctx, s.ID)
	us.SetSectors(ctx, []store.SectorSummary{{ID: "s1", Name: "Finance"}})
	h.chats.Get(s.ID)
	require.Equal(t, 1, h.chats.Len())

	w := h.do(http.MethodPost, "/api/v1/auth/signout?locale=es", ck)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://portal.example.com/es/auth/signin", w.Header().Get("Location"))

	cleared := sessionCookie(w)
	require.NotNil(t, cleared)
	assert.True(t, cleared.MaxAge < 0)

	_, err = h.kv.Get(ctx, store.UserStoreKey("portal-user-store", s.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Equal(t, 0, h.users.Len())
	assert.Equal(t, 0, h.chats.Len())

	entry := <-h.writer.entries
	assert.Equal(t, models.ActionSignOut, entry.Action)
	assert.Equal(t, false, entry.Metadata["federated"])
}

func TestSignOut_Federated(t *testing.T) {
	h := newHarness(t, true)
	ck, _ := h.signIn(t, "/es/chat")

	w := h.do(http.MethodPost, "/api/v1/auth/signout?locale=es&federated=true", ck)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "https://idp.example.com/logout", w.Header().Get("Location"))
	assert.Equal(t, "idt-1", h.provider.logoutHint)
	assert.Equal(t, "https://portal.example.com/es/auth/signin", h.provider.logoutReturn)
}

func TestSignOut_ExpiredSession(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	codec, err := session.NewCodec(testConfig().Auth.Session.Secret)
	require.NoError(t, err)
	s := &session.Session{
		ID:        "sid-expired",
		Subject:   "auth0|abc",
		Roles:     []string{"user"},
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	raw, err := codec.Encode(s)
	require.NoError(t, err)
	ck := &http.Cookie{Name: "portal_session", Value: raw}

	require.NoError(t, h.kv.Set(ctx, kv.Key("portal-session-idt", s.ID), "idt-old", time.Hour))
	h.users.Get(ctx, s.ID).SetSectors(ctx, []store.SectorSummary{{ID: "s1", Name: "Finance"}})
	h.chats.Get(s.ID)

	w := h.do(http.MethodPost, "/api/v1/auth/signout?locale=es&federated=true", ck)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "idt-old", h.provider.logoutHint)

	_, err = h.kv.Get(ctx, store.UserStoreKey("portal-user-store", s.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound)
	_, err = h.kv.Get(ctx, kv.Key("portal-session-idt", s.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Equal(t, 0, h.users.Len())
	assert.Equal(t, 0, h.chats.Len())

	entry := <-h.writer.entries
	assert.Equal(t, models.ActionSignOut, entry.Action)
	assert.Equal(t, true, entry.Metadata["federated"])
}

func TestSignOut_ForgedCookieIsOnlyCleared(t *testing.T) {
	h := newHarness(t, true)
	forged := &http.Cookie{Name: "portal_session", Value: "forged"}

	w := h.do(http.MethodPost, "/api/v1/auth/signout?locale=es&federated=true", forged)
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Empty(t, h.provider.logoutHint)
	cleared := sessionCookie(w)
	require.NotNil(t, cleared)
	assert.True(t, cleared.MaxAge < 0)
}

func TestSignOut_WithoutSession(t *testing.T) {
	h := newHarness(t, true)
	w := h.do(http.MethodPost, "/api/v1/auth/signout?locale=fr")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.True(t, strings.HasSuffix(w.Header().Get("Location"), "/en/auth/signin"))
}

func TestSafeCallback(t *testing.T) {
	assert.Equal(t, "/es/documents?x=1", safeCallback("/es/documents?x=1", "es"))
	assert.Equal(t, "/en/dashboard", safeCallback("", "en"))
	assert.Equal(t, "/en/dashboard", safeCallback("relative/path", "en"))
}

// Package account implements the browser sign-in flow: OIDC authorization-code
// sign-in and callback, the session endpoint, session refresh and sign-out with
// optional federated logout at the identity provider.
package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/audit"
	"github.com/knowledge-portal/portal/internal/auth/oidc"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/guard"
	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/session"
	"github.com/knowledge-portal/portal/internal/store"
)

const (
	stateNamespace = "portal-oauth-state"
	stateTTL       = 5 * time.Minute
)

// IdentityProvider is the part of the OIDC provider the handlers use.
// *oidc.Provider implements it.
type IdentityProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oidc.Tokens, *oidc.Profile, error)
	LogoutURL(idTokenHint, returnTo string) string
}

// pendingSignIn is stored under the OAuth state between sign-in and callback
type pendingSignIn struct {
	Locale      string `json:"locale"`
	CallbackURL string `json:"callbackUrl"`
}

// Handlers serves /api/v1/auth/*
type Handlers struct {
	provider    IdentityProvider
	resolver    *session.Resolver
	sessions    *session.Manager
	kv          kv.Store
	recorder    *audit.Recorder
	users       *store.UserRegistry
	chats       *store.ChatRegistry
	i18n        config.I18nConfig
	frontendURL string
}

// Options carries the collaborators of Handlers
type Options struct {
	// Provider is nil when OIDC is not configured; sign-in then answers 503.
	Provider IdentityProvider
	Resolver *session.Resolver
	Sessions *session.Manager
	KV       kv.Store
	Recorder *audit.Recorder
	Users    *store.UserRegistry
	Chats    *store.ChatRegistry
}

// NewHandlers creates the account handlers
func NewHandlers(cfg *config.Config, opts Options) *Handlers {
	return &Handlers{
		provider:    opts.Provider,
		resolver:    opts.Resolver,
		sessions:    opts.Sessions,
		kv:          opts.KV,
		recorder:    opts.Recorder,
		users:       opts.Users,
		chats:       opts.Chats,
		i18n:        cfg.I18n,
		frontendURL: strings.TrimRight(cfg.App.FrontendURL, "/"),
	}
}

// generateState generates a random state string for OAuth
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// safeCallback keeps post-login redirects on the portal: only absolute paths
// are accepted, never a scheme or a protocol-relative "//host".
func safeCallback(raw, locale string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return guard.DashboardPath(locale)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return guard.DashboardPath(locale)
	}
	return raw
}

// SignInHandler starts the authorization-code flow
// GET /api/v1/auth/signin?locale=es&callbackUrl=/es/chat
func (h *Handlers) SignInHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.provider == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Sign-in is not configured"})
			return
		}

		locale := h.i18n.Resolve(c.Query("locale"))
		pending := pendingSignIn{
			Locale:      locale,
			CallbackURL: safeCallback(c.Query("callbackUrl"), locale),
		}

		state, err := generateState()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate state"})
			return
		}
		raw, _ := json.Marshal(pending)
		if err := h.kv.Set(c.Request.Context(), kv.Key(stateNamespace, state), string(raw), stateTTL); err != nil {
			slog.Error("failed to store oauth state", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to start sign-in"})
			return
		}

		c.Redirect(http.StatusFound, h.provider.AuthURL(state))
	}
}

// CallbackHandler completes the flow: it consumes the state, exchanges the
// code, establishes the session (running the one-shot user sync) and sends the
// browser to the page it started from.
// GET /api/v1/auth/callback?code=...&state=...
func (h *Handlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		callbackError := func(locale, code string) {
			target := h.frontendURL + guard.SignInPath(locale) + "?error=" + url.QueryEscape(code)
			c.Redirect(http.StatusFound, target)
		}

		state := c.Query("state")
		if state == "" {
			callbackError(h.i18n.DefaultLocale, "invalid_state")
			return
		}
		raw, err := h.kv.Take(c.Request.Context(), kv.Key(stateNamespace, state))
		if err != nil {
			if !errors.Is(err, kv.ErrNotFound) {
				slog.Error("failed to read oauth state", "error", err)
			}
			callbackError(h.i18n.DefaultLocale, "invalid_state")
			return
		}
		var pending pendingSignIn
		if err := json.Unmarshal([]byte(raw), &pending); err != nil {
			callbackError(h.i18n.DefaultLocale, "invalid_state")
			return
		}
		locale := h.i18n.Resolve(pending.Locale)

		if idpErr := c.Query("error"); idpErr != "" {
			slog.Warn("identity provider returned an error", "error", idpErr, "description", c.Query("error_description"))
			callbackError(locale, "access_denied")
			return
		}
		if h.provider == nil {
			callbackError(locale, "provider_not_configured")
			return
		}

		tokens, profile, err := h.provider.Exchange(c.Request.Context(), c.Query("code"))
		if err != nil {
			slog.Warn("authorization code exchange failed", "error", err)
			callbackError(locale, "token_exchange_failed")
			return
		}

		s := h.resolver.Establish(c.Request.Context(), *profile, *tokens)
		if err := h.sessions.Save(c, s); err != nil {
			slog.Error("failed to write session cookie", "error", err)
			callbackError(locale, "session_failed")
			return
		}

		c.Redirect(http.StatusFound, h.frontendURL+safeCallback(pending.CallbackURL, locale))
	}
}

// SessionHandler returns the current session
// GET /api/v1/auth/session
func (h *Handlers) SessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := h.sessions.Load(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.JSON(http.StatusOK, s.View(false))
	}
}

// RefreshHandler re-issues the session cookie with a new expiry. It runs behind
// the API guard, which has attached the session.
// POST /api/v1/auth/refresh
func (h *Handlers) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := session.From(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		next, err := h.sessions.Refresh(c, s)
		if err != nil {
			slog.Error("session refresh failed", "session_id", s.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refresh session"})
			return
		}
		c.JSON(http.StatusOK, next.View(false))
	}
}

// SignOutHandler destroys the session and its scoped state. With federated=true
// the browser continues to the identity provider's logout. An expired but
// authentic cookie is still signed out.
// POST /api/v1/auth/signout?locale=es&federated=true
func (h *Handlers) SignOutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		locale := h.i18n.Resolve(c.Query("locale"))
		returnTo := h.frontendURL + guard.SignInPath(locale)
		federated := c.Query("federated") == "true"

		s, err := h.sessions.LoadAllowExpired(c.Request)
		var idToken string
		if err == nil {
			idToken = h.sessions.IDToken(c.Request.Context(), s.ID)
			if h.users != nil {
				h.users.Clear(c.Request.Context(), s.ID)
			}
			if h.chats != nil {
				h.chats.Drop(s.ID)
			}
			h.recorder.RecordSignOut(s, federated)
			slog.Info("session ended", "session_id", s.ID, "sub", s.Subject, "federated", federated)
		}
		h.sessions.Clear(c, s)

		if federated && h.provider != nil {
			c.Redirect(http.StatusSeeOther, h.provider.LogoutURL(idToken, returnTo))
			return
		}
		c.Redirect(http.StatusSeeOther, returnTo)
	}
}

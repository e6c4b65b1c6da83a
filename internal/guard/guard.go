// Package guard is the role-based route guard in front of every protected page and
// API action. It returns a Decision instead of writing a response so callers (the
// gin adapters below, or tests) match on the outcome.
package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/auth"
	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/session"
	"github.com/knowledge-portal/portal/internal/telemetry"
)

// Reason explains a redirect
type Reason string

const (
	ReasonNoSession Reason = "no_session"
	ReasonForbidden Reason = "forbidden"
)

// Decision is either Authorized or Redirect
type Decision interface {
	decision()
}

// Authorized lets the request through. Session is nil when the test bypass
// authorized the request without looking one up.
type Authorized struct {
	Session *session.Session
	Bypass  bool
}

// Redirect sends the visitor to To, a locale-prefixed path on the frontend
type Redirect struct {
	To     string
	Reason Reason
}

func (Authorized) decision() {}
func (Redirect) decision()   {}

// SessionLoader loads the session for a request. session.Manager implements it.
type SessionLoader interface {
	Load(r *http.Request) (*session.Session, error)
}

// Guard authorizes requests against permission sets
type Guard struct {
	sessions    SessionLoader
	bypass      bool
	i18n        config.I18nConfig
	frontendURL string
}

// New builds a guard. Enabling the test bypass in production is refused here as
// well as in config validation, so a guard can never be built in that state.
func New(sessions SessionLoader, cfg *config.Config) (*Guard, error) {
	if err := config.ValidateTestBypass(cfg.Auth.TestBypass, cfg.App.Environment); err != nil {
		return nil, err
	}
	if cfg.Auth.TestBypass {
		slog.Warn("route guard test bypass is ENABLED; every page is authorized without a session",
			"environment", cfg.App.Environment)
	}
	return &Guard{
		sessions:    sessions,
		bypass:      cfg.Auth.TestBypass,
		i18n:        cfg.I18n,
		frontendURL: strings.TrimRight(cfg.App.FrontendURL, "/"),
	}, nil
}

// SignInPath is the sign-in destination for a locale
func SignInPath(locale string) string {
	return fmt.Sprintf("/%s/auth/signin", locale)
}

// DashboardPath is the default authenticated landing page for a locale
func DashboardPath(locale string) string {
	return fmt.Sprintf("/%s/dashboard", locale)
}

// Authorize decides whether the request may view a page guarded by set. The
// locale only shapes redirect destinations; unsupported locales fall back to the
// default one. Any session lookup failure is treated as no session.
func (g *Guard) Authorize(r *http.Request, set auth.PermissionSet, locale string) Decision {
	if g.bypass {
		telemetry.GuardDecisionsTotal.WithLabelValues("bypass").Inc()
		return Authorized{Bypass: true}
	}
	return g.check(r, set, g.i18n.Resolve(locale))
}

func (g *Guard) check(r *http.Request, set auth.PermissionSet, locale string) Decision {
	s, err := g.sessions.Load(r)
	if err != nil || s == nil {
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			slog.Debug("session lookup failed; treating as signed out", "path", r.URL.Path, "error", err)
		}
		telemetry.GuardDecisionsTotal.WithLabelValues("redirect_signin").Inc()
		return Redirect{To: SignInPath(locale), Reason: ReasonNoSession}
	}

	role := authorizationRole(s)
	if !set.Allows(role) {
		telemetry.GuardDecisionsTotal.WithLabelValues("redirect_dashboard").Inc()
		slog.Debug("role not permitted", "path", r.URL.Path, "role", role, "permission", set.Name())
		return Redirect{To: DashboardPath(locale), Reason: ReasonForbidden}
	}

	telemetry.GuardDecisionsTotal.WithLabelValues("authorized").Inc()
	return Authorized{Session: s}
}

// authorizationRole returns the effective role, mapping unknown role strings to
// "user" with a warning.
func authorizationRole(s *session.Session) string {
	role := s.EffectiveRole()
	if auth.Role(role).Known() {
		return role
	}
	telemetry.GuardUnrecognizedRoleTotal.Inc()
	slog.Warn("unrecognized role; authorizing as user", "role", role, "session_id", s.ID, "user_id", s.UserID)
	return string(auth.RoleUser)
}

// RequirePermission guards a page route. The locale comes from the :locale path
// parameter. A Redirect becomes a 302 to the frontend; Authorized attaches the
// session and continues.
func (g *Guard) RequirePermission(set auth.PermissionSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch d := g.Authorize(c.Request, set, c.Param("locale")).(type) {
		case Redirect:
			c.Redirect(http.StatusFound, g.frontendURL+d.To)
			c.Abort()
		case Authorized:
			if d.Session != nil {
				session.Set(c, d.Session)
			}
			c.Next()
		}
	}
}

// RequireAPI guards a JSON API route. It never honours the test bypass: API
// handlers act on behalf of a real session. No session answers 401 and a
// missing role answers 403.
func (g *Guard) RequireAPI(set auth.PermissionSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch d := g.check(c.Request, set, g.i18n.DefaultLocale).(type) {
		case Redirect:
			if d.Reason == ReasonNoSession {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Authentication required",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Insufficient permissions",
				"details": "Required permission: " + set.Name(),
			})
		case Authorized:
			session.Set(c, d.Session)
			c.Next()
		}
	}
}

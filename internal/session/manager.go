package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/kv"
)

// ErrNoSession is returned when the request carries no session cookie
var ErrNoSession = errors.New("no session")

const (
	// idTokenNamespace keys the server-side copy of each session's ID token
	idTokenNamespace = "portal-session-idt"
	// idTokenGrace keeps the ID token past the cookie expiry so signing out of a
	// lapsed session can still hint the provider.
	idTokenGrace = 24 * time.Hour
)

// Manager moves sessions between the cookie and the request. It keeps the ID
// token out of the cookie and in the KV area, where it is only needed for
// federated logout.
type Manager struct {
	codec  *Codec
	kv     kv.Store
	cookie string
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewManager builds a manager from the session configuration
func NewManager(codec *Codec, store kv.Store, cfg config.SessionConfig) *Manager {
	return &Manager{
		codec:  codec,
		kv:     store,
		cookie: cfg.CookieName,
		ttl:    cfg.TTL,
		secure: cfg.Secure,
		now:    time.Now,
	}
}

// TTL returns the configured session lifetime
func (m *Manager) TTL() time.Duration { return m.ttl }

// Load reads and verifies the session cookie. It returns ErrNoSession when the
// cookie is absent and ErrInvalidSession or ErrSessionExpired when it is unusable.
func (m *Manager) Load(r *http.Request) (*Session, error) {
	ck, err := r.Cookie(m.cookie)
	if err != nil || ck.Value == "" {
		return nil, ErrNoSession
	}
	return m.codec.Decode(ck.Value)
}

// LoadAllowExpired is Load that also accepts a cookie past its expiry. Only
// sign-out uses it; a tampered cookie is still rejected.
func (m *Manager) LoadAllowExpired(r *http.Request) (*Session, error) {
	s, err := m.Load(r)
	if !errors.Is(err, ErrSessionExpired) {
		return s, err
	}
	ck, _ := r.Cookie(m.cookie)
	return m.codec.DecodeExpired(ck.Value)
}

// Save writes s as the session cookie. The ID token, when present, is stored
// server-side for the lifetime of the session.
func (m *Manager) Save(c *gin.Context, s *Session) error {
	raw, err := m.codec.Encode(s)
	if err != nil {
		return err
	}

	if s.IDToken != "" {
		ttl := s.ExpiresAt.Sub(m.now()) + idTokenGrace
		if err := m.kv.Set(c.Request.Context(), kv.Key(idTokenNamespace, s.ID), s.IDToken, ttl); err != nil {
			// Only federated logout needs it; the session itself is still valid.
			slog.Warn("failed to store id token", "session_id", s.ID, "error", err)
		}
	}

	maxAge := int(s.ExpiresAt.Sub(m.now()).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookie, raw, maxAge, "/", "", m.secure, true)
	return nil
}

// IDToken returns the stored ID token for a session, or "" when none is known
func (m *Manager) IDToken(ctx context.Context, sessionID string) string {
	v, err := m.kv.Get(ctx, kv.Key(idTokenNamespace, sessionID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Warn("failed to read id token", "session_id", sessionID, "error", err)
		}
		return ""
	}
	return v
}

// Clear expires the session cookie and forgets the stored ID token
func (m *Manager) Clear(c *gin.Context, s *Session) {
	if s != nil {
		if err := m.kv.Delete(c.Request.Context(), kv.Key(idTokenNamespace, s.ID)); err != nil {
			slog.Warn("failed to delete id token", "session_id", s.ID, "error", err)
		}
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(m.cookie, "", -1, "/", "", m.secure, true)
}

// Refresh re-issues s with a new expiry. Roles, user id and sync state are kept
// and the backend sync is not run again.
func (m *Manager) Refresh(c *gin.Context, s *Session) (*Session, error) {
	next := *s
	next.Roles = append([]string{}, s.Roles...)
	next.IDToken = ""
	next.ExpiresAt = m.now().Add(m.ttl)
	if err := m.Save(c, &next); err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}

	// Keep the stored ID token alive past the cookie.
	if idt := m.IDToken(c.Request.Context(), s.ID); idt != "" {
		ttl := next.ExpiresAt.Sub(m.now()) + idTokenGrace
		if err := m.kv.Set(c.Request.Context(), kv.Key(idTokenNamespace, s.ID), idt, ttl); err != nil {
			slog.Warn("failed to extend id token", "session_id", s.ID, "error", err)
		}
	}
	return &next, nil
}

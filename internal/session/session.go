// Package session resolves and carries the authenticated principal of a browser
// session. A session is created from an identity-provider callback, enriched
// once by the backend user sync, and travels as a signed cookie.
package session

import (
	"time"

	"github.com/knowledge-portal/portal/internal/auth"
)

// SyncState records the terminal state of the sign-in sync for this session
type SyncState string

const (
	SyncStateSynced   SyncState = "synced"
	SyncStateUnsynced SyncState = "unsynced"
)

// Session is the authenticated principal for one browser session.
// UserID is empty unless the backend sync succeeded; that is a valid state and
// the session then authorizes as "user".
type Session struct {
	// ID keys every piece of per-session state (user store, chat scope, id token).
	ID          string
	Subject     string
	UserID      string
	Name        string
	Email       string
	Image       string
	Roles       []string
	AccessToken string
	// IDToken is kept server-side and only filled on sign-in and sign-out.
	IDToken   string
	ExpiresAt time.Time
	SyncState SyncState
}

// EffectiveRole returns the role used for authorization decisions
func (s *Session) EffectiveRole() string {
	return auth.EffectiveRole(s.Roles)
}

// Synced reports whether an internal user id was attached at sign-in
func (s *Session) Synced() bool {
	return s.SyncState == SyncStateSynced && s.UserID != ""
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// View is the session object exposed to pages
type View struct {
	User        UserView `json:"user"`
	Role        string   `json:"role"`
	Roles       []string `json:"roles"`
	Synced      bool     `json:"synced"`
	AccessToken string   `json:"accessToken,omitempty"`
	ExpiresAt   string   `json:"expires"`
}

// UserView is the user part of View
type UserView struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// View renders the page-facing session. The access token is included only when
// withToken is set.
func (s *Session) View(withToken bool) View {
	roles := s.Roles
	if roles == nil {
		roles = []string{}
	}
	v := View{
		User: UserView{
			ID:    s.UserID,
			Name:  s.Name,
			Email: s.Email,
			Image: s.Image,
		},
		Role:      s.EffectiveRole(),
		Roles:     roles,
		Synced:    s.Synced(),
		ExpiresAt: s.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if withToken {
		v.AccessToken = s.AccessToken
	}
	return v
}

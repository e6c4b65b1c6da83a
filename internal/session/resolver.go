package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knowledge-portal/portal/internal/auth/oidc"
	"github.com/knowledge-portal/portal/internal/telemetry"
	"github.com/knowledge-portal/portal/internal/usersync"
)

// SignInRecorder receives one record per established session
type SignInRecorder interface {
	RecordSignIn(ctx context.Context, s *Session, outcome string)
}

// Resolver turns an identity-provider callback into a Session
type Resolver struct {
	syncer   usersync.Syncer
	recorder SignInRecorder
	ttl      time.Duration
	now      func() time.Time
}

// NewResolver creates a resolver. recorder may be nil.
func NewResolver(syncer usersync.Syncer, recorder SignInRecorder, ttl time.Duration) *Resolver {
	return &Resolver{
		syncer:   syncer,
		recorder: recorder,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Establish builds the session for a verified profile and runs the one-shot
// backend sync. A failed sync never fails the sign-in: the session is returned
// unsynced, without user id or roles.
func (r *Resolver) Establish(ctx context.Context, profile oidc.Profile, tokens oidc.Tokens) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		Subject:     profile.Subject,
		Name:        profile.Name,
		Email:       profile.Email,
		Image:       profile.Picture,
		Roles:       []string{},
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
		ExpiresAt:   r.now().Add(r.ttl),
		SyncState:   SyncStateUnsynced,
	}

	result, err := r.syncer.Sync(ctx, usersync.Request{
		Auth0UserID: profile.Subject,
		Email:       profile.Email,
		Name:        profile.Name,
	})
	outcome := usersync.Outcome(err)
	telemetry.SessionSyncTotal.WithLabelValues(outcome).Inc()

	if err == nil && result != nil {
		s.UserID = result.ID
		s.Roles = append([]string{}, result.Roles...)
		s.SyncState = SyncStateSynced
	}

	slog.Info("session established",
		"session_id", s.ID,
		"sub", s.Subject,
		"sync", outcome,
		"effective_role", s.EffectiveRole(),
	)

	if r.recorder != nil {
		r.recorder.RecordSignIn(ctx, s, outcome)
	}
	return s
}

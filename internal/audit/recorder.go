// Package audit records security-relevant portal events: sign-ins with their
// sync outcome, sign-outs, and successful authenticated writes. Entries are
// written to the audit_logs table and copied to any configured Shipper (file or
// webhook) off the request path, so a slow or unavailable destination never
// delays a user.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/knowledge-portal/portal/internal/db/models"
	"github.com/knowledge-portal/portal/internal/safego"
	"github.com/knowledge-portal/portal/internal/session"
)

const writeTimeout = 5 * time.Second

// Writer persists audit entries. *repositories.AuditRepository implements it.
type Writer interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes audit entries asynchronously. A Recorder with neither a
// Writer nor a Shipper drops every entry.
type Recorder struct {
	w       Writer
	shipper Shipper
	wg      sync.WaitGroup
}

var _ session.SignInRecorder = (*Recorder)(nil)

// NewRecorder creates a recorder writing to w and shipping to shipper. Either
// may be nil.
func NewRecorder(w Writer, shipper Shipper) *Recorder {
	return &Recorder{w: w, shipper: shipper}
}

// Enabled reports whether entries go anywhere
func (r *Recorder) Enabled() bool {
	return r != nil && (r.w != nil || r.shipper != nil)
}

// Record stores entry in the background
func (r *Recorder) Record(entry *models.AuditLog) {
	if !r.Enabled() {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	r.wg.Add(1)
	safego.Go("audit.record", func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if r.w != nil {
			if err := r.w.CreateAuditLog(ctx, entry); err != nil {
				slog.Error("failed to write audit log", "action", entry.Action, "error", err)
			}
		}
		if r.shipper != nil {
			if err := r.shipper.Ship(ctx, NewLogEntry(entry)); err != nil {
				slog.Debug("failed to ship audit log", "action", entry.Action, "error", err)
			}
		}
	})
}

// RecordSignIn stores a sign-in with the outcome of its backend sync
func (r *Recorder) RecordSignIn(_ context.Context, s *session.Session, outcome string) {
	entry := FromSession(s, models.ActionSignIn)
	entry.Outcome = &outcome
	entry.Metadata = models.Metadata{"role": s.EffectiveRole()}
	r.Record(entry)
}

// RecordSignOut stores a sign-out
func (r *Recorder) RecordSignOut(s *session.Session, federated bool) {
	entry := FromSession(s, models.ActionSignOut)
	entry.Metadata = models.Metadata{"federated": federated}
	r.Record(entry)
}

// Wait blocks until every pending write has finished
func (r *Recorder) Wait() {
	if r != nil {
		r.wg.Wait()
	}
}

// Close waits for pending writes, then flushes and closes the shipper
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.wg.Wait()
	if r.shipper == nil {
		return nil
	}
	return r.shipper.Close()
}

// FromSession builds an entry attributed to s
func FromSession(s *session.Session, action string) *models.AuditLog {
	entry := &models.AuditLog{Action: action}
	if s == nil {
		return entry
	}
	if s.UserID != "" {
		uid := s.UserID
		entry.UserID = &uid
	}
	if s.Subject != "" {
		sub := s.Subject
		entry.Subject = &sub
	}
	return entry
}

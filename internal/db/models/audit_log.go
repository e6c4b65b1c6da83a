// Package models - audit_log.go defines the AuditLog model for recording sign-ins
// and authenticated writes made through the portal.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actions recorded by the portal
const (
	ActionSignIn  = "auth.signin"
	ActionSignOut = "auth.signout"
)

// Metadata is a JSONB column holding free-form context
type Metadata map[string]any

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
}

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           string    `db:"id" json:"id"`
	UserID       *string   `db:"user_id" json:"userId,omitempty"` // nil when the session was never synced
	Subject      *string   `db:"subject" json:"subject,omitempty"`
	Action       string    `db:"action" json:"action"` // "auth.signin", "sector.create", "document.delete"
	ResourceType *string   `db:"resource_type" json:"resourceType,omitempty"`
	ResourceID   *string   `db:"resource_id" json:"resourceId,omitempty"`
	Outcome      *string   `db:"outcome" json:"outcome,omitempty"` // sync outcome for sign-ins
	StatusCode   *int      `db:"status_code" json:"statusCode,omitempty"`
	RequestID    *string   `db:"request_id" json:"requestId,omitempty"`
	IPAddress    *string   `db:"ip_address" json:"ipAddress,omitempty"`
	Metadata     Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

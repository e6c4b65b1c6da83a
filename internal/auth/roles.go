// Package auth - roles.go defines the closed set of portal roles, the effective-role
// rule and the static permission sets that guard pages and API actions.
package auth

import "fmt"

// Role is one of the closed set of portal roles. Roles are not ranked numerically;
// privilege is expressed only through the permission sets below.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// AllRoles returns every known role
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleManager, RoleUser}
}

// Known reports whether r is one of admin, manager or user.
func (r Role) Known() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// ParseRole validates a role string
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Known() {
		return "", fmt.Errorf("invalid role: %q", s)
	}
	return r, nil
}

// EffectiveRole returns the first entry of roles, or "user" when roles is empty.
// The value is returned as-is; callers decide what to do with an unknown string.
func EffectiveRole(roles []string) string {
	if len(roles) == 0 {
		return string(RoleUser)
	}
	return roles[0]
}

// PermissionSet is a named, immutable list of roles allowed to view a page or
// perform an action.
type PermissionSet struct {
	name  string
	roles []Role
}

func newPermissionSet(name string, roles ...Role) PermissionSet {
	return PermissionSet{name: name, roles: roles}
}

// Name returns the permission set name used in logs and error payloads
func (p PermissionSet) Name() string { return p.name }

// Roles returns a copy of the roles in the set
func (p PermissionSet) Roles() []Role {
	out := make([]Role, len(p.roles))
	copy(out, p.roles)
	return out
}

// Allows reports whether role is a member of the set
func (p PermissionSet) Allows(role string) bool {
	for _, r := range p.roles {
		if string(r) == role {
			return true
		}
	}
	return false
}

var (
	// Authenticated admits any signed-in user
	Authenticated = newPermissionSet("authenticated", RoleAdmin, RoleManager, RoleUser)
	// CanViewAdminPage gates the admin area
	CanViewAdminPage = newPermissionSet("can_view_admin_page", RoleAdmin)
	// CanManageSectors gates sector create/delete
	CanManageSectors = newPermissionSet("can_manage_sectors", RoleAdmin)
	// CanUpload gates document upload and delete
	CanUpload = newPermissionSet("can_upload", RoleAdmin, RoleManager)
	// CanInviteUsers gates invitations
	CanInviteUsers = newPermissionSet("can_invite_users", RoleAdmin, RoleManager)
	// CanViewAuditLog gates the audit log
	CanViewAuditLog = newPermissionSet("can_view_audit_log", RoleAdmin)
)

// PermissionSets returns every named permission set
func PermissionSets() []PermissionSet {
	return []PermissionSet{
		Authenticated,
		CanViewAdminPage,
		CanManageSectors,
		CanUpload,
		CanInviteUsers,
		CanViewAuditLog,
	}
}

// CanInvite reports whether a user whose effective role is inviter may invite
// someone with role target. Admins may invite any role; managers only users.
func CanInvite(inviter, target Role) bool {
	if !target.Known() {
		return false
	}
	switch inviter {
	case RoleAdmin:
		return true
	case RoleManager:
		return target == RoleUser
	}
	return false
}

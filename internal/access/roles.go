package access

import (
	"sort"
	"strings"
	"time"
)

// Role is the closed set of actor roles. Role strings are stored on user
// rows; anything outside this set resolves to no permissions at all.
type Role string

const (
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleAuditor  Role = "auditor"
	RoleReadOnly Role = "read_only"
)

// ParseRole normalizes a stored role string into the closed set.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(strings.ToLower(s))) {
	case RoleProvider:
		return RoleProvider, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleAuditor:
		return RoleAuditor, true
	case RoleReadOnly:
		return RoleReadOnly, true
	}
	return "", false
}

// Permission is a fine-grained capability key.
type Permission string

const (
	PermissionCreatePatient Permission = "patient.create"
	PermissionReadPatient   Permission = "patient.read"
	PermissionUpdatePatient Permission = "patient.update"
	PermissionDeletePatient Permission = "patient.delete"

	PermissionCreateNote Permission = "note.create"
	PermissionReadNote   Permission = "note.read"
	PermissionUpdateNote Permission = "note.update"
	PermissionDeleteNote Permission = "note.delete"

	PermissionManageUsers Permission = "user.manage"

	PermissionReadAuditLog   Permission = "audit.read"
	PermissionExportAuditLog Permission = "audit.export"

	PermissionAccessReports   Permission = "report.access"
	PermissionManageRetention Permission = "retention.manage"
	PermissionManageSystem    Permission = "system.manage"
	PermissionExportData      Permission = "data.export"
)

// rolePermissions is the single static role -> permission table. Every
// authorization decision goes through this map; no endpoint carries its
// own copy of the rules.
var rolePermissions = map[Role]map[Permission]struct{}{
	RoleProvider: permSet(
		PermissionCreatePatient, PermissionReadPatient, PermissionUpdatePatient,
		PermissionCreateNote, PermissionReadNote, PermissionUpdateNote, PermissionDeleteNote,
		PermissionExportData,
	),
	RoleAdmin: permSet(
		PermissionCreatePatient, PermissionReadPatient, PermissionUpdatePatient, PermissionDeletePatient,
		PermissionCreateNote, PermissionReadNote, PermissionUpdateNote, PermissionDeleteNote,
		PermissionManageUsers,
		PermissionReadAuditLog, PermissionExportAuditLog,
		PermissionAccessReports, PermissionManageRetention, PermissionManageSystem,
		PermissionExportData,
	),
	RoleAuditor: permSet(
		PermissionReadPatient, PermissionReadNote,
		PermissionReadAuditLog, PermissionExportAuditLog,
		PermissionAccessReports,
	),
	RoleReadOnly: permSet(
		PermissionReadPatient, PermissionReadNote,
	),
}

// unrestrictedRoles may reach records they do not own, within their own
// tenant. The auditor's reach is read-only.
var unrestrictedRoles = map[Role]struct{}{
	RoleAdmin:   {},
	RoleAuditor: {},
}

func permSet(perms ...Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// RoleHasPermission consults the static table.
func RoleHasPermission(role Role, perm Permission) bool {
	set, ok := rolePermissions[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// PermissionsForRole lists a role's permissions in stable order.
func PermissionsForRole(role Role) []Permission {
	set, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// readOnlyPermissions marks the permissions an auditor's unrestricted
// reach extends to; anything else stays owner-scoped for that role.
var readOnlyPermissions = permSet(
	PermissionReadPatient, PermissionReadNote,
	PermissionReadAuditLog, PermissionAccessReports,
)

// Actor is an authenticated identity as the decision service sees it.
type Actor struct {
	ID           string
	Username     string
	DisplayName  string
	Role         Role
	TenantID     string
	PasswordHash string
	Active       bool

	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
}

// Locked reports whether the actor is locked out at time now.
func (a *Actor) Locked(now time.Time) bool {
	return a != nil && a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// Name returns the display name, falling back to the username.
func (a *Actor) Name() string {
	if a == nil {
		return ""
	}
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}

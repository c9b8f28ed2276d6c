package auth

import (
	"errors"
	"slices"
)

// RBAC errors.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRole      = errors.New("invalid role")
)

// Role is an operator's access level.
type Role string

const (
	// RoleAdmin may read and change the registry.
	RoleAdmin Role = "admin"
	// RoleViewer may only read nodes, status and the overview.
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permission represents an action that can be performed.
type Permission string

const (
	// PermissionViewNodes allows listing nodes and reading status.
	PermissionViewNodes Permission = "view_nodes"
	// PermissionManageNodes allows creating, updating and deleting nodes.
	PermissionManageNodes Permission = "manage_nodes"
	// PermissionProbe allows triggering an immediate probe round.
	PermissionProbe Permission = "probe"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionViewNodes,
		PermissionManageNodes,
		PermissionProbe,
	},
	RoleViewer: {
		PermissionViewNodes,
	},
}

// HasPermission reports whether role grants permission.
func HasPermission(role Role, permission Permission) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// CheckPermission returns ErrPermissionDenied unless role grants permission.
func CheckPermission(role Role, permission Permission) error {
	if !HasPermission(role, permission) {
		return ErrPermissionDenied
	}
	return nil
}

package repositories

import (
	"context"
	"errors"

	"github.com/asakaida/monban/internal/entities"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("repositories: not found")

// RoleFilter defines filter criteria for listing roles
type RoleFilter struct {
	TenantID      string // Filter by tenant (optional)
	IncludeGlobal bool   // Include roles without tenant when TenantID is set
	SystemOnly    bool   // Only system roles
}

// PermissionFilter defines filter criteria for listing permissions
type PermissionFilter struct {
	Action  string // Filter by action (optional)
	Subject string // Filter by subject (optional)
}

// RoleRepository defines the interface for role data access
type RoleRepository interface {
	CreateRole(ctx context.Context, role *entities.Role) error
	UpdateRole(ctx context.Context, role *entities.Role) error
	DeleteRole(ctx context.Context, roleID string) error
	GetRole(ctx context.Context, roleID string) (*entities.Role, error)
	ListRoles(ctx context.Context, filter *RoleFilter) ([]*entities.Role, error)

	// GetChildRoles returns roles whose parent or inherit list contains roleID (one level)
	GetChildRoles(ctx context.Context, roleID string) ([]string, error)
}

// PermissionRepository defines the interface for permission data access
type PermissionRepository interface {
	CreatePermission(ctx context.Context, perm *entities.Permission) error
	UpdatePermission(ctx context.Context, perm *entities.Permission) error
	DeletePermission(ctx context.Context, permissionID string) error
	GetPermission(ctx context.Context, permissionID string) (*entities.Permission, error)
	ListPermissions(ctx context.Context, filter *PermissionFilter) ([]*entities.Permission, error)

	// GetPermissionRoles returns the IDs of roles linked to the permission
	GetPermissionRoles(ctx context.Context, permissionID string) ([]string, error)

	// GetPermissionUsers returns the IDs of users holding the permission directly
	GetPermissionUsers(ctx context.Context, permissionID string) ([]string, error)
}

// RolePermissionRepository defines the interface for role-permission links
type RolePermissionRepository interface {
	// AssignPermission creates or replaces the link
	AssignPermission(ctx context.Context, link *entities.RolePermission) error
	RemovePermission(ctx context.Context, roleID string, permissionID string) error
	ListRolePermissions(ctx context.Context, roleID string) ([]*entities.RolePermission, error)
}

// AssignmentRepository defines the interface for user-role assignments
type AssignmentRepository interface {
	// AssignRole creates or replaces the assignment of roleID to userID
	AssignRole(ctx context.Context, assignment *entities.UserRoleAssignment) error
	RemoveRole(ctx context.Context, userID string, roleID string) error

	// ListUserAssignments returns all assignments of the user, effective or not
	ListUserAssignments(ctx context.Context, userID string) ([]*entities.UserRoleAssignment, error)

	// ListRoleUsers returns the IDs of users holding an assignment of roleID
	ListRoleUsers(ctx context.Context, roleID string) ([]string, error)
}

// UserPermissionRepository defines the interface for direct user grants
type UserPermissionRepository interface {
	GrantUserPermission(ctx context.Context, grant *entities.UserPermission) error
	RevokeUserPermission(ctx context.Context, userID string, permissionID string) error
}

// ResourcePermissionRepository defines the interface for instance-level grants
type ResourcePermissionRepository interface {
	// SetResourcePermission upserts the grant for (resource, principal)
	SetResourcePermission(ctx context.Context, rp *entities.ResourcePermission) error
	DeleteResourcePermission(ctx context.Context, id string) error
	ListResourcePermissions(ctx context.Context, resourceType string, resourceID string) ([]*entities.ResourcePermission, error)
}

// PolicyRepository defines the interface for ABAC policies and context field rules
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, policy *entities.ABACPolicy) error
	DeletePolicy(ctx context.Context, policyID string) error
	ListPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error)

	CreateContextFieldRule(ctx context.Context, rule *entities.ContextFieldRule) error
	DeleteContextFieldRule(ctx context.Context, ruleID string) error
}

// Store is the write side used by the permission service.
type Store interface {
	RoleRepository
	PermissionRepository
	RolePermissionRepository
	AssignmentRepository
	UserPermissionRepository
	ResourcePermissionRepository
	PolicyRepository
}

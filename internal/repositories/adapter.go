package repositories

import (
	"context"

	"github.com/asakaida/monban/internal/entities"
)

// PermissionAdapter supplies raw role, permission and assignment data to the authorization engine.
// Implementations must not cache; caching happens in front of the engine's resolvers.
type PermissionAdapter interface {
	// GetUserDirectRoles returns the IDs of roles assigned to the user whose assignment is effective now
	GetUserDirectRoles(ctx context.Context, userID string) ([]string, error)

	// GetInheritedRoles returns the parent and inherited role IDs of every given role (one level)
	GetInheritedRoles(ctx context.Context, roleIDs []string) ([]string, error)

	// GetRoleDirectPermissions returns the permissions linked to the role, with link overrides applied
	GetRoleDirectPermissions(ctx context.Context, roleID string) ([]*entities.Permission, error)

	// GetParentRoles returns the parent and inherited role IDs of a single role
	GetParentRoles(ctx context.Context, roleID string) ([]string, error)

	// GetRoleFieldPermissions returns the union of field rules of the role's direct permissions on resourceType
	GetRoleFieldPermissions(ctx context.Context, roleID string, resourceType string) (*entities.FieldPermissions, error)

	// GetContextFieldPermissions returns field rules conditioned on the request context
	GetContextFieldPermissions(ctx context.Context, user *entities.User, resourceType string, actx *entities.AccessContext) (*entities.FieldPermissions, error)

	// GetRoleConditions returns the merged conditions of the role's direct permissions matching action and subject
	GetRoleConditions(ctx context.Context, roleID string, action string, subject string) (map[string]interface{}, error)

	// GetResourceConditions returns the merged conditions of resource grants on one resource instance
	// held by the user directly or by any of roleIDs (the user's effective roles)
	GetResourceConditions(ctx context.Context, userID string, roleIDs []string, action string, resource *entities.Resource) (map[string]interface{}, error)

	// GetRoleResourceQuery returns the role's query fragment for listing resources of resourceType
	GetRoleResourceQuery(ctx context.Context, roleID string, action string, resourceType string) (entities.QueryFilter, error)

	// GetUserDirectPermissions returns permissions granted to the user without a role
	GetUserDirectPermissions(ctx context.Context, userID string) ([]*entities.Permission, error)

	// GetPrincipalResourcePermissions returns resource grants held by the user or by any of the roles
	GetPrincipalResourcePermissions(ctx context.Context, userID string, roleIDs []string) ([]*entities.ResourcePermission, error)

	// GetABACPolicies returns enabled policies for the tenant (and global ones), ordered by priority
	GetABACPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error)
}

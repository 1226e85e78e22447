package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/asakaida/monban/internal/entities"
	"github.com/lib/pq"
)

// PostgresPermissionAdapter implements PermissionAdapter using PostgreSQL
type PostgresPermissionAdapter struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresPermissionAdapter creates a new PostgreSQL permission adapter
func NewPostgresPermissionAdapter(db *sql.DB) *PostgresPermissionAdapter {
	return &PostgresPermissionAdapter{db: db, now: time.Now}
}

// GetUserDirectRoles returns the roles of the user's effective assignments
func (a *PostgresPermissionAdapter) GetUserDirectRoles(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT role_id
		FROM user_role_assignments
		WHERE user_id = $1
			AND valid_from <= $2
			AND (valid_to IS NULL OR valid_to >= $2)
		ORDER BY created_at, role_id
	`
	roles, err := queryStrings(ctx, a.db, query, userID, a.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	return roles, nil
}

// GetInheritedRoles returns the ancestors of every given role, one level deep,
// in the order of the input roles
func (a *PostgresPermissionAdapter) GetInheritedRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ancestors, err := a.ancestors(ctx, roleIDs)
	if err != nil {
		return nil, err
	}

	var out []string
	seen := make(map[string]struct{})
	for _, id := range roleIDs {
		for _, parent := range ancestors[id] {
			if _, dup := seen[parent]; dup {
				continue
			}
			seen[parent] = struct{}{}
			out = append(out, parent)
		}
	}
	return out, nil
}

// GetParentRoles returns the ancestors of a single role
func (a *PostgresPermissionAdapter) GetParentRoles(ctx context.Context, roleID string) ([]string, error) {
	ancestors, err := a.ancestors(ctx, []string{roleID})
	if err != nil {
		return nil, err
	}
	return ancestors[roleID], nil
}

// GetRoleDirectPermissions returns the role's linked permissions with overrides applied
func (a *PostgresPermissionAdapter) GetRoleDirectPermissions(ctx context.Context, roleID string) ([]*entities.Permission, error) {
	return a.rolePermissions(ctx, roleID, "", nil)
}

// GetRoleFieldPermissions unions the field lists of the role's permissions on resourceType
func (a *PostgresPermissionAdapter) GetRoleFieldPermissions(ctx context.Context, roleID string, resourceType string) (*entities.FieldPermissions, error) {
	perms, err := a.rolePermissions(ctx, roleID, ` AND p.subject IN ($2, 'all')`, []interface{}{resourceType})
	if err != nil {
		return nil, err
	}
	fields := entities.NewFieldPermissions()
	for _, perm := range perms {
		fields.Merge(perm.Fields())
	}
	return fields, nil
}

// GetContextFieldPermissions unions the context field rules that apply to the request
func (a *PostgresPermissionAdapter) GetContextFieldPermissions(ctx context.Context, user *entities.User, resourceType string, actx *entities.AccessContext) (*entities.FieldPermissions, error) {
	query := `
		SELECT id, tenant_id, match, allowed_fields, denied_fields
		FROM context_field_rules
		WHERE resource_type = $1
		ORDER BY id
	`
	rows, err := a.db.QueryContext(ctx, query, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to query context field rules: %w", err)
	}
	defer rows.Close()

	fields := entities.NewFieldPermissions()
	for rows.Next() {
		rule := &entities.ContextFieldRule{ResourceType: resourceType}
		var match []byte
		var allowed, denied pq.StringArray
		if err := rows.Scan(&rule.ID, &rule.TenantID, &match, &allowed, &denied); err != nil {
			return nil, fmt.Errorf("failed to scan context field rule: %w", err)
		}
		if rule.Match, err = decodeStringMap(match); err != nil {
			return nil, err
		}
		if !rule.Applies(user, actx) {
			continue
		}
		fields.Merge(&entities.FieldPermissions{Allowed: allowed, Denied: denied})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating context field rules: %w", err)
	}
	return fields, nil
}

// GetRoleConditions merges the conditions of the role's permissions matching action and subject
func (a *PostgresPermissionAdapter) GetRoleConditions(ctx context.Context, roleID string, action string, subject string) (map[string]interface{}, error) {
	perms, err := a.rolePermissions(ctx, roleID,
		` AND p.action IN ($2, 'manage') AND p.subject IN ($3, 'all')`, []interface{}{action, subject})
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	for _, perm := range perms {
		for k, v := range perm.Conditions {
			out[k] = v
		}
	}
	return out, nil
}

// GetRoleResourceQuery returns the role's conditions for action on resourceType as a query fragment
func (a *PostgresPermissionAdapter) GetRoleResourceQuery(ctx context.Context, roleID string, action string, resourceType string) (entities.QueryFilter, error) {
	conds, err := a.GetRoleConditions(ctx, roleID, action, resourceType)
	if err != nil {
		return nil, err
	}
	return entities.QueryFilter(conds), nil
}

// GetResourceConditions merges the conditions of grants on the resource held by the user
// or by one of the roles
func (a *PostgresPermissionAdapter) GetResourceConditions(ctx context.Context, userID string, roleIDs []string, action string, resource *entities.Resource) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if userID == "" || resource == nil || resource.ID == "" {
		return out, nil
	}

	query := `
		SELECT conditions
		FROM resource_permissions
		WHERE resource_type = $1
			AND resource_id = $2
			AND ($3 = ANY(actions) OR 'manage' = ANY(actions))
			AND (user_id = $4 OR role_id = ANY($5))
		ORDER BY ` + principalOrder
	rows, err := a.db.QueryContext(ctx, query,
		resource.ResourceType(), resource.ID, action, userID, pq.Array(nonNil(roleIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query resource conditions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan resource conditions: %w", err)
		}
		conds, err := decodeJSON(data)
		if err != nil {
			return nil, err
		}
		for k, v := range conds {
			out[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource conditions: %w", err)
	}
	return out, nil
}

// GetUserDirectPermissions returns the permissions granted to the user without a role
func (a *PostgresPermissionAdapter) GetUserDirectPermissions(ctx context.Context, userID string) ([]*entities.Permission, error) {
	query := `SELECT ` + permissionColumns + `
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
		ORDER BY p.action, p.subject, p.id`
	rows, err := a.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user permissions: %w", err)
	}
	defer rows.Close()

	var perms []*entities.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user permissions: %w", err)
	}
	return perms, nil
}

// GetPrincipalResourcePermissions returns the grants held by the user or by any of the roles
func (a *PostgresPermissionAdapter) GetPrincipalResourcePermissions(ctx context.Context, userID string, roleIDs []string) ([]*entities.ResourcePermission, error) {
	query := `SELECT ` + resourcePermissionColumns + `
		FROM resource_permissions
		WHERE (user_id <> '' AND user_id = $1) OR (role_id <> '' AND role_id = ANY($2))
		ORDER BY ` + principalOrder
	return queryResourcePermissions(ctx, a.db, query, userID, pq.Array(nonNil(roleIDs)))
}

// GetABACPolicies returns the enabled policies visible to the tenant
func (a *PostgresPermissionAdapter) GetABACPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error) {
	return queryPolicies(ctx, a.db, true, tenantID)
}

func (a *PostgresPermissionAdapter) ancestors(ctx context.Context, roleIDs []string) (map[string][]string, error) {
	query := `SELECT id, COALESCE(parent_role_id, ''), inherits FROM roles WHERE id = ANY($1)`
	rows, err := a.db.QueryContext(ctx, query, pq.Array(roleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query role parents: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string, len(roleIDs))
	for rows.Next() {
		role := &entities.Role{}
		var inherits pq.StringArray
		if err := rows.Scan(&role.ID, &role.ParentRoleID, &inherits); err != nil {
			return nil, fmt.Errorf("failed to scan role parents: %w", err)
		}
		role.Inherits = inherits
		out[role.ID] = role.Ancestors()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role parents: %w", err)
	}
	return out, nil
}

// rolePermissions loads the role's linked permissions with overrides applied.
// extra is appended to the WHERE clause; its placeholders start at $2.
func (a *PostgresPermissionAdapter) rolePermissions(ctx context.Context, roleID string, extra string, args []interface{}) ([]*entities.Permission, error) {
	query := `SELECT ` + permissionColumns + `,
			rp.override_conditions, rp.override_allowed_fields, rp.override_denied_fields
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1` + extra + `
		ORDER BY p.action, p.subject, p.id`

	rows, err := a.db.QueryContext(ctx, query, append([]interface{}{roleID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	var perms []*entities.Permission
	for rows.Next() {
		perm := &entities.Permission{}
		link := &entities.RolePermission{RoleID: roleID}
		var conditions, overrides []byte
		var allowed, denied, overrideAllowed, overrideDenied pq.StringArray
		err := rows.Scan(
			&perm.ID, &perm.Name, &perm.Description, &perm.Action, &perm.Subject, &conditions,
			&allowed, &denied, &perm.IsSystemPermission, &perm.CreatedAt, &perm.UpdatedAt,
			&overrides, &overrideAllowed, &overrideDenied,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		if perm.Conditions, err = decodeJSON(conditions); err != nil {
			return nil, err
		}
		if link.OverrideConditions, err = decodeJSON(overrides); err != nil {
			return nil, err
		}
		perm.AllowedFields = []string(allowed)
		perm.DeniedFields = []string(denied)
		link.PermissionID = perm.ID
		link.OverrideAllowedFields = []string(overrideAllowed)
		link.OverrideDeniedFields = []string(overrideDenied)
		perms = append(perms, link.Apply(perm))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role permissions: %w", err)
	}
	return perms, nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/lib/pq"
)

// PostgresPermissionRepository implements PermissionRepository using PostgreSQL
type PostgresPermissionRepository struct {
	db *sql.DB
}

// NewPostgresPermissionRepository creates a new PostgreSQL permission repository
func NewPostgresPermissionRepository(db *sql.DB) *PostgresPermissionRepository {
	return &PostgresPermissionRepository{db: db}
}

const permissionColumns = `p.id, p.name, p.description, p.action, p.subject, p.conditions,
	p.allowed_fields, p.denied_fields, p.is_system_permission, p.created_at, p.updated_at`

// CreatePermission creates a new permission
func (r *PostgresPermissionRepository) CreatePermission(ctx context.Context, perm *entities.Permission) error {
	if err := perm.Validate(); err != nil {
		return fmt.Errorf("invalid permission: %w", err)
	}
	conditions, err := encodeJSON(perm.Conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO permissions (
			id, name, description, action, subject, conditions,
			allowed_fields, denied_fields, is_system_permission, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`
	now := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		perm.ID, perm.Name, perm.Description, perm.Action, perm.Subject, conditions,
		pq.Array(nonNil(perm.AllowedFields)), pq.Array(nonNil(perm.DeniedFields)), perm.IsSystemPermission, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	perm.CreatedAt, perm.UpdatedAt = now, now
	return nil
}

// UpdatePermission updates an existing permission
func (r *PostgresPermissionRepository) UpdatePermission(ctx context.Context, perm *entities.Permission) error {
	if err := perm.Validate(); err != nil {
		return fmt.Errorf("invalid permission: %w", err)
	}
	conditions, err := encodeJSON(perm.Conditions)
	if err != nil {
		return err
	}

	query := `
		UPDATE permissions
		SET name = $2, description = $3, action = $4, subject = $5, conditions = $6,
			allowed_fields = $7, denied_fields = $8, is_system_permission = $9, updated_at = $10
		WHERE id = $1
	`
	now := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		perm.ID, perm.Name, perm.Description, perm.Action, perm.Subject, conditions,
		pq.Array(nonNil(perm.AllowedFields)), pq.Array(nonNil(perm.DeniedFields)), perm.IsSystemPermission, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	if err := checkAffected(result, "permission "+perm.ID); err != nil {
		return err
	}
	perm.UpdatedAt = now
	return nil
}

// DeletePermission deletes a permission; links and direct grants cascade
func (r *PostgresPermissionRepository) DeletePermission(ctx context.Context, permissionID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM permissions WHERE id = $1`, permissionID)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	return checkAffected(result, "permission "+permissionID)
}

// GetPermission retrieves a permission by ID
func (r *PostgresPermissionRepository) GetPermission(ctx context.Context, permissionID string) (*entities.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions p WHERE p.id = $1`
	perm, err := scanPermission(r.db.QueryRowContext(ctx, query, permissionID))
	if err != nil {
		return nil, notFound(err, "permission "+permissionID)
	}
	return perm, nil
}

// ListPermissions lists permissions matching the filter
func (r *PostgresPermissionRepository) ListPermissions(ctx context.Context, filter *repositories.PermissionFilter) ([]*entities.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions p WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if filter != nil {
		if filter.Action != "" {
			query += fmt.Sprintf(" AND p.action = $%d", argIdx)
			args = append(args, filter.Action)
			argIdx++
		}
		if filter.Subject != "" {
			query += fmt.Sprintf(" AND p.subject = $%d", argIdx)
			args = append(args, filter.Subject)
			argIdx++
		}
	}
	query += " ORDER BY p.action, p.subject, p.id"

	return r.queryPermissions(ctx, query, args...)
}

// GetPermissionRoles returns the roles linked to the permission
func (r *PostgresPermissionRepository) GetPermissionRoles(ctx context.Context, permissionID string) ([]string, error) {
	return queryStrings(ctx, r.db, `SELECT role_id FROM role_permissions WHERE permission_id = $1 ORDER BY role_id`, permissionID)
}

// GetPermissionUsers returns the users holding the permission directly
func (r *PostgresPermissionRepository) GetPermissionUsers(ctx context.Context, permissionID string) ([]string, error) {
	return queryStrings(ctx, r.db, `SELECT user_id FROM user_permissions WHERE permission_id = $1 ORDER BY user_id`, permissionID)
}

func (r *PostgresPermissionRepository) queryPermissions(ctx context.Context, query string, args ...interface{}) ([]*entities.Permission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
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
		return nil, fmt.Errorf("error iterating permissions: %w", err)
	}
	return perms, nil
}

func scanPermission(row rowScanner) (*entities.Permission, error) {
	perm := &entities.Permission{}
	var conditions []byte
	var allowed, denied pq.StringArray
	err := row.Scan(
		&perm.ID, &perm.Name, &perm.Description, &perm.Action, &perm.Subject, &conditions,
		&allowed, &denied, &perm.IsSystemPermission, &perm.CreatedAt, &perm.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if perm.Conditions, err = decodeJSON(conditions); err != nil {
		return nil, err
	}
	if len(allowed) > 0 {
		perm.AllowedFields = []string(allowed)
	}
	if len(denied) > 0 {
		perm.DeniedFields = []string(denied)
	}
	return perm, nil
}

// PostgresRolePermissionRepository implements RolePermissionRepository using PostgreSQL
type PostgresRolePermissionRepository struct {
	db *sql.DB
}

// NewPostgresRolePermissionRepository creates a new PostgreSQL role-permission repository
func NewPostgresRolePermissionRepository(db *sql.DB) *PostgresRolePermissionRepository {
	return &PostgresRolePermissionRepository{db: db}
}

// AssignPermission creates or replaces a role-permission link
func (r *PostgresRolePermissionRepository) AssignPermission(ctx context.Context, link *entities.RolePermission) error {
	overrides, err := encodeJSON(link.OverrideConditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO role_permissions (
			role_id, permission_id, override_conditions, override_allowed_fields, override_denied_fields, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET
			override_conditions = EXCLUDED.override_conditions,
			override_allowed_fields = EXCLUDED.override_allowed_fields,
			override_denied_fields = EXCLUDED.override_denied_fields
	`
	now := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		link.RoleID, link.PermissionID, overrides,
		pq.Array(nonNil(link.OverrideAllowedFields)), pq.Array(nonNil(link.OverrideDeniedFields)), now,
	)
	if err != nil {
		return fmt.Errorf("failed to assign permission: %w", err)
	}
	link.CreatedAt = now
	return nil
}

// RemovePermission removes a role-permission link
func (r *PostgresRolePermissionRepository) RemovePermission(ctx context.Context, roleID string, permissionID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to remove permission: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("link %s/%s", roleID, permissionID))
}

// ListRolePermissions returns the links of a role
func (r *PostgresRolePermissionRepository) ListRolePermissions(ctx context.Context, roleID string) ([]*entities.RolePermission, error) {
	query := `
		SELECT role_id, permission_id, override_conditions, override_allowed_fields, override_denied_fields, created_at
		FROM role_permissions
		WHERE role_id = $1
		ORDER BY permission_id
	`
	rows, err := r.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	defer rows.Close()

	var links []*entities.RolePermission
	for rows.Next() {
		link := &entities.RolePermission{}
		var overrides []byte
		var allowed, denied pq.StringArray
		if err := rows.Scan(&link.RoleID, &link.PermissionID, &overrides, &allowed, &denied, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		if link.OverrideConditions, err = decodeJSON(overrides); err != nil {
			return nil, err
		}
		if len(allowed) > 0 {
			link.OverrideAllowedFields = []string(allowed)
		}
		if len(denied) > 0 {
			link.OverrideDeniedFields = []string(denied)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role permissions: %w", err)
	}
	return links, nil
}

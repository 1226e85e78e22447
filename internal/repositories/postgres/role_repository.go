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

// PostgresRoleRepository implements RoleRepository using PostgreSQL
type PostgresRoleRepository struct {
	db *sql.DB
}

// NewPostgresRoleRepository creates a new PostgreSQL role repository
func NewPostgresRoleRepository(db *sql.DB) *PostgresRoleRepository {
	return &PostgresRoleRepository{db: db}
}

const roleColumns = `id, name, description, COALESCE(parent_role_id, ''), inherits, is_system_role, tenant_id, created_at, updated_at`

// CreateRole creates a new role
func (r *PostgresRoleRepository) CreateRole(ctx context.Context, role *entities.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}

	query := `
		INSERT INTO roles (id, name, description, parent_role_id, inherits, is_system_role, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	now := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		role.ID, role.Name, role.Description, nullString(role.ParentRoleID),
		pq.Array(nonNil(role.Inherits)), role.IsSystemRole, role.TenantID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	role.CreatedAt, role.UpdatedAt = now, now
	return nil
}

// UpdateRole updates an existing role
func (r *PostgresRoleRepository) UpdateRole(ctx context.Context, role *entities.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}

	query := `
		UPDATE roles
		SET name = $2, description = $3, parent_role_id = $4, inherits = $5,
			is_system_role = $6, tenant_id = $7, updated_at = $8
		WHERE id = $1
	`
	now := time.Now()
	result, err := r.db.ExecContext(ctx, query,
		role.ID, role.Name, role.Description, nullString(role.ParentRoleID),
		pq.Array(nonNil(role.Inherits)), role.IsSystemRole, role.TenantID, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if err := checkAffected(result, "role "+role.ID); err != nil {
		return err
	}
	role.UpdatedAt = now
	return nil
}

// DeleteRole deletes a role. Links and assignments cascade; role-held resource grants are removed here.
func (r *PostgresRoleRepository) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to delete role resource permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE roles SET inherits = array_remove(inherits, $1) WHERE $1 = ANY(inherits)`, roleID); err != nil {
		return fmt.Errorf("failed to detach inheriting roles: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if err := checkAffected(result, "role "+roleID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID
func (r *PostgresRoleRepository) GetRole(ctx context.Context, roleID string) (*entities.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	role, err := scanRole(r.db.QueryRowContext(ctx, query, roleID))
	if err != nil {
		return nil, notFound(err, "role "+roleID)
	}
	return role, nil
}

// ListRoles lists roles matching the filter
func (r *PostgresRoleRepository) ListRoles(ctx context.Context, filter *repositories.RoleFilter) ([]*entities.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE 1=1`
	var args []interface{}
	argIdx := 1

	if filter != nil {
		if filter.TenantID != "" {
			if filter.IncludeGlobal {
				query += fmt.Sprintf(" AND (tenant_id = $%d OR tenant_id = '')", argIdx)
			} else {
				query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
			}
			args = append(args, filter.TenantID)
			argIdx++
		}
		if filter.SystemOnly {
			query += " AND is_system_role = TRUE"
		}
	}
	query += " ORDER BY name, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*entities.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roles: %w", err)
	}
	return roles, nil
}

// GetChildRoles returns the IDs of roles whose parent or inherit list contains roleID
func (r *PostgresRoleRepository) GetChildRoles(ctx context.Context, roleID string) ([]string, error) {
	query := `SELECT id FROM roles WHERE parent_role_id = $1 OR $1 = ANY(inherits) ORDER BY id`
	return queryStrings(ctx, r.db, query, roleID)
}

func scanRole(row rowScanner) (*entities.Role, error) {
	role := &entities.Role{}
	var inherits pq.StringArray
	err := row.Scan(
		&role.ID, &role.Name, &role.Description, &role.ParentRoleID, &inherits,
		&role.IsSystemRole, &role.TenantID, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(inherits) > 0 {
		role.Inherits = []string(inherits)
	}
	return role, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

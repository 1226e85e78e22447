package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/asakaida/monban/internal/entities"
	"github.com/google/uuid"
)

// PostgresAssignmentRepository implements AssignmentRepository and UserPermissionRepository using PostgreSQL
type PostgresAssignmentRepository struct {
	db *sql.DB
}

// NewPostgresAssignmentRepository creates a new PostgreSQL assignment repository
func NewPostgresAssignmentRepository(db *sql.DB) *PostgresAssignmentRepository {
	return &PostgresAssignmentRepository{db: db}
}

// AssignRole creates or replaces the assignment of a role to a user
func (r *PostgresAssignmentRepository) AssignRole(ctx context.Context, a *entities.UserRoleAssignment) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid assignment: %w", err)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now()
	if a.ValidFrom.IsZero() {
		a.ValidFrom = now
	}

	query := `
		INSERT INTO user_role_assignments (id, user_id, role_id, scope, scope_type, valid_from, valid_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, role_id) DO UPDATE SET
			scope = EXCLUDED.scope,
			scope_type = EXCLUDED.scope_type,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to
	`
	var validTo sql.NullTime
	if a.ValidTo != nil {
		validTo = sql.NullTime{Time: *a.ValidTo, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query, a.ID, a.UserID, a.RoleID, a.Scope, a.ScopeType, a.ValidFrom, validTo, now)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	a.CreatedAt = now
	return nil
}

// RemoveRole removes the assignment of a role from a user
func (r *PostgresAssignmentRepository) RemoveRole(ctx context.Context, userID string, roleID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM user_role_assignments WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("assignment %s/%s", userID, roleID))
}

// ListUserAssignments returns all assignments of a user, effective or not
func (r *PostgresAssignmentRepository) ListUserAssignments(ctx context.Context, userID string) ([]*entities.UserRoleAssignment, error) {
	query := `
		SELECT id, user_id, role_id, scope, scope_type, valid_from, valid_to, created_at
		FROM user_role_assignments
		WHERE user_id = $1
		ORDER BY created_at, role_id
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []*entities.UserRoleAssignment
	for rows.Next() {
		a := &entities.UserRoleAssignment{}
		var validTo sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.Scope, &a.ScopeType, &a.ValidFrom, &validTo, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		if validTo.Valid {
			t := validTo.Time
			a.ValidTo = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return out, nil
}

// ListRoleUsers returns the users holding an assignment of the role
func (r *PostgresAssignmentRepository) ListRoleUsers(ctx context.Context, roleID string) ([]string, error) {
	return queryStrings(ctx, r.db,
		`SELECT DISTINCT user_id FROM user_role_assignments WHERE role_id = $1 ORDER BY user_id`, roleID)
}

// GrantUserPermission grants a permission directly to a user
func (r *PostgresAssignmentRepository) GrantUserPermission(ctx context.Context, grant *entities.UserPermission) error {
	query := `
		INSERT INTO user_permissions (user_id, permission_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, permission_id) DO NOTHING
	`
	now := time.Now()
	if _, err := r.db.ExecContext(ctx, query, grant.UserID, grant.PermissionID, now); err != nil {
		return fmt.Errorf("failed to grant user permission: %w", err)
	}
	grant.CreatedAt = now
	return nil
}

// RevokeUserPermission revokes a direct grant
func (r *PostgresAssignmentRepository) RevokeUserPermission(ctx context.Context, userID string, permissionID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return fmt.Errorf("failed to revoke user permission: %w", err)
	}
	return checkAffected(result, fmt.Sprintf("grant %s/%s", userID, permissionID))
}

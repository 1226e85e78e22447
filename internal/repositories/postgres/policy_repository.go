package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/asakaida/monban/internal/entities"
	"github.com/lib/pq"
)

// PostgresPolicyRepository implements PolicyRepository and ResourcePermissionRepository using PostgreSQL
type PostgresPolicyRepository struct {
	db *sql.DB
}

// NewPostgresPolicyRepository creates a new PostgreSQL policy repository
func NewPostgresPolicyRepository(db *sql.DB) *PostgresPolicyRepository {
	return &PostgresPolicyRepository{db: db}
}

const resourcePermissionColumns = `id, resource_type, resource_id, user_id, role_id, actions, conditions, created_at, updated_at`

// SetResourcePermission upserts the grant for (resource, principal)
func (r *PostgresPolicyRepository) SetResourcePermission(ctx context.Context, rp *entities.ResourcePermission) error {
	if err := rp.Validate(); err != nil {
		return fmt.Errorf("invalid resource permission: %w", err)
	}
	if rp.ID == "" {
		return fmt.Errorf("resource permission ID is required")
	}
	conditions, err := encodeJSON(rp.Conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resource_permissions (id, resource_type, resource_id, user_id, role_id, actions, conditions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (resource_type, resource_id, user_id, role_id) DO UPDATE SET
			actions = EXCLUDED.actions,
			conditions = EXCLUDED.conditions,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		rp.ID, rp.ResourceType, rp.ResourceID, rp.UserID, rp.RoleID, pq.Array(rp.Actions), conditions, time.Now(),
	).Scan(&rp.ID, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to set resource permission: %w", err)
	}
	return nil
}

// DeleteResourcePermission deletes a grant by ID
func (r *PostgresPolicyRepository) DeleteResourcePermission(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM resource_permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource permission: %w", err)
	}
	return checkAffected(result, "resource permission "+id)
}

// ListResourcePermissions returns the grants on one resource instance
func (r *PostgresPolicyRepository) ListResourcePermissions(ctx context.Context, resourceType string, resourceID string) ([]*entities.ResourcePermission, error) {
	query := `SELECT ` + resourcePermissionColumns + `
		FROM resource_permissions
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY ` + principalOrder
	return queryResourcePermissions(ctx, r.db, query, resourceType, resourceID)
}

// CreatePolicy creates an ABAC policy
func (r *PostgresPolicyRepository) CreatePolicy(ctx context.Context, p *entities.ABACPolicy) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	conditions, err := encodeJSON(p.Conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO abac_policies (
			id, name, tenant_id, effect, action, subject, expression, conditions, fields, priority, enabled, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`
	now := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.Name, p.TenantID, string(p.Effect), p.Action, p.Subject, p.Expression, conditions,
		pq.Array(nonNil(p.Fields)), p.Priority, p.Enabled, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

// DeletePolicy deletes an ABAC policy
func (r *PostgresPolicyRepository) DeletePolicy(ctx context.Context, policyID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM abac_policies WHERE id = $1`, policyID)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return checkAffected(result, "policy "+policyID)
}

// ListPolicies returns all policies visible to the tenant, enabled or not
func (r *PostgresPolicyRepository) ListPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error) {
	return queryPolicies(ctx, r.db, false, tenantID)
}

// CreateContextFieldRule creates a context field rule
func (r *PostgresPolicyRepository) CreateContextFieldRule(ctx context.Context, rule *entities.ContextFieldRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid context field rule: %w", err)
	}
	match, err := encodeStringMap(rule.Match)
	if err != nil {
		return fmt.Errorf("failed to encode match: %w", err)
	}

	query := `
		INSERT INTO context_field_rules (id, resource_type, tenant_id, match, allowed_fields, denied_fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	now := time.Now()
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.ResourceType, rule.TenantID, match,
		pq.Array(nonNil(rule.AllowedFields)), pq.Array(nonNil(rule.DeniedFields)), now,
	)
	if err != nil {
		return fmt.Errorf("failed to create context field rule: %w", err)
	}
	rule.CreatedAt = now
	return nil
}

// DeleteContextFieldRule deletes a context field rule
func (r *PostgresPolicyRepository) DeleteContextFieldRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM context_field_rules WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete context field rule: %w", err)
	}
	return checkAffected(result, "context field rule "+ruleID)
}

// principalOrder sorts role grants before user grants, matching "role:" < "user:"
const principalOrder = `CASE WHEN user_id <> '' THEN 'user:' || user_id ELSE 'role:' || role_id END, id`

func queryResourcePermissions(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*entities.ResourcePermission, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource permissions: %w", err)
	}
	defer rows.Close()

	var out []*entities.ResourcePermission
	for rows.Next() {
		rp := &entities.ResourcePermission{}
		var actions pq.StringArray
		var conditions []byte
		if err := rows.Scan(&rp.ID, &rp.ResourceType, &rp.ResourceID, &rp.UserID, &rp.RoleID,
			&actions, &conditions, &rp.CreatedAt, &rp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource permission: %w", err)
		}
		rp.Actions = []string(actions)
		if rp.Conditions, err = decodeJSON(conditions); err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource permissions: %w", err)
	}
	return out, nil
}

func queryPolicies(ctx context.Context, db *sql.DB, enabledOnly bool, tenantID string) ([]*entities.ABACPolicy, error) {
	query := `
		SELECT id, name, tenant_id, effect, action, subject, expression, conditions, fields, priority, enabled, created_at, updated_at
		FROM abac_policies
		WHERE (tenant_id = '' OR tenant_id = $1)
	`
	if enabledOnly {
		query += " AND enabled = TRUE"
	}
	query += " ORDER BY priority, id"

	rows, err := db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var out []*entities.ABACPolicy
	for rows.Next() {
		p := &entities.ABACPolicy{}
		var effect string
		var conditions []byte
		var fields pq.StringArray
		if err := rows.Scan(&p.ID, &p.Name, &p.TenantID, &effect, &p.Action, &p.Subject, &p.Expression,
			&conditions, &fields, &p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.Effect = entities.Effect(effect)
		if p.Conditions, err = decodeJSON(conditions); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			p.Fields = []string(fields)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policies: %w", err)
	}
	return out, nil
}

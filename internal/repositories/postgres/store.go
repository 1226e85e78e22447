package postgres

import (
	"database/sql"

	"github.com/asakaida/monban/internal/repositories"
)

var (
	_ repositories.Store             = (*Store)(nil)
	_ repositories.PermissionAdapter = (*PostgresPermissionAdapter)(nil)
)

// Store bundles the PostgreSQL repositories into a repositories.Store
type Store struct {
	*PostgresRoleRepository
	*PostgresPermissionRepository
	*PostgresRolePermissionRepository
	*PostgresAssignmentRepository
	*PostgresPolicyRepository
}

// NewStore creates a Store backed by db
func NewStore(db *sql.DB) *Store {
	return &Store{
		PostgresRoleRepository:           NewPostgresRoleRepository(db),
		PostgresPermissionRepository:     NewPostgresPermissionRepository(db),
		PostgresRolePermissionRepository: NewPostgresRolePermissionRepository(db),
		PostgresAssignmentRepository:     NewPostgresAssignmentRepository(db),
		PostgresPolicyRepository:         NewPostgresPolicyRepository(db),
	}
}

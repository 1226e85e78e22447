package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var permissionRowColumns = []string{
	"id", "name", "description", "action", "subject", "conditions",
	"allowed_fields", "denied_fields", "is_system_permission", "created_at", "updated_at",
}

func TestRoleRepository_CreateRole(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresRoleRepository(db)

	mock.ExpectExec("INSERT INTO roles").
		WithArgs("ADMIN", "Admin", "", sql.NullString{String: "USER", Valid: true}, sqlmock.AnyArg(), false, "T1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	role := &entities.Role{ID: "ADMIN", Name: "Admin", ParentRoleID: "USER", TenantID: "T1"}
	require.NoError(t, repo.CreateRole(context.Background(), role))
	assert.False(t, role.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRepository_CreateRole_Invalid(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresRoleRepository(db)

	err := repo.CreateRole(context.Background(), &entities.Role{ID: "A", Name: "A", ParentRoleID: "A"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRepository_GetRole(t *testing.T) {
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPostgresRoleRepository(db)

		rows := sqlmock.NewRows([]string{"id", "name", "description", "parent_role_id", "inherits", "is_system_role", "tenant_id", "created_at", "updated_at"}).
			AddRow("ADMIN", "Admin", "admins", "USER", []byte("{AUDITOR,BILLING}"), true, "", now, now)
		mock.ExpectQuery("SELECT (.+) FROM roles WHERE id = \\$1").WithArgs("ADMIN").WillReturnRows(rows)

		role, err := repo.GetRole(context.Background(), "ADMIN")
		require.NoError(t, err)
		assert.Equal(t, "USER", role.ParentRoleID)
		assert.Equal(t, []string{"AUDITOR", "BILLING"}, role.Inherits)
		assert.True(t, role.IsSystemRole)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMock(t)
		repo := NewPostgresRoleRepository(db)

		mock.ExpectQuery("SELECT (.+) FROM roles").WithArgs("nope").WillReturnError(sql.ErrNoRows)

		_, err := repo.GetRole(context.Background(), "nope")
		assert.True(t, errors.Is(err, repositories.ErrNotFound), "got %v", err)
	})
}

func TestRoleRepository_DeleteRole(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresRoleRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM resource_permissions WHERE role_id").WithArgs("EDITOR").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE roles SET inherits = array_remove").WithArgs("EDITOR").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM roles WHERE id").WithArgs("EDITOR").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.DeleteRole(context.Background(), "EDITOR"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRepository_DeleteRole_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresRoleRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM resource_permissions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM roles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.DeleteRole(context.Background(), "ghost")
	assert.True(t, errors.Is(err, repositories.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleRepository_ListRoles_Filter(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresRoleRepository(db)

	mock.ExpectQuery(`FROM roles WHERE 1=1 AND \(tenant_id = \$1 OR tenant_id = ''\) AND is_system_role = TRUE ORDER BY name, id`).
		WithArgs("T1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "parent_role_id", "inherits", "is_system_role", "tenant_id", "created_at", "updated_at"}))

	roles, err := repo.ListRoles(context.Background(), &repositories.RoleFilter{TenantID: "T1", IncludeGlobal: true, SystemOnly: true})
	require.NoError(t, err)
	assert.Empty(t, roles)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepository_GetPermission(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresPermissionRepository(db)
	now := time.Now()

	rows := sqlmock.NewRows(permissionRowColumns).
		AddRow("p1", "read users", "", "read", "user", []byte(`{"tenantId":"${user.tenantId}"}`),
			[]byte("{name,email}"), []byte("{password}"), false, now, now)
	mock.ExpectQuery("SELECT (.+) FROM permissions p WHERE p.id = \\$1").WithArgs("p1").WillReturnRows(rows)

	perm, err := repo.GetPermission(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "read:user", perm.Key())
	assert.Equal(t, "${user.tenantId}", perm.Conditions["tenantId"])
	assert.Equal(t, []string{"name", "email"}, perm.AllowedFields)
	assert.Equal(t, []string{"password"}, perm.DeniedFields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepository_UpdatePermission_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresPermissionRepository(db)

	mock.ExpectExec("UPDATE permissions").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdatePermission(context.Background(), &entities.Permission{ID: "p1", Action: "read", Subject: "user"})
	assert.True(t, errors.Is(err, repositories.ErrNotFound), "got %v", err)
}

func TestAssignmentRepository_ListUserAssignments(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAssignmentRepository(db)
	now := time.Now()
	until := now.Add(time.Hour)

	rows := sqlmock.NewRows([]string{"id", "user_id", "role_id", "scope", "scope_type", "valid_from", "valid_to", "created_at"}).
		AddRow("a1", "alice", "EDITOR", "proj-1", "project", now, until, now).
		AddRow("a2", "alice", "USER", "", "", now, nil, now)
	mock.ExpectQuery("FROM user_role_assignments").WithArgs("alice").WillReturnRows(rows)

	list, err := repo.ListUserAssignments(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NotNil(t, list[0].ValidTo)
	assert.True(t, list[0].ValidTo.Equal(until))
	assert.Equal(t, "project", list[0].ScopeType)
	assert.Nil(t, list[1].ValidTo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepository_AssignRole_GeneratesID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresAssignmentRepository(db)

	mock.ExpectExec("INSERT INTO user_role_assignments").
		WithArgs(sqlmock.AnyArg(), "alice", "EDITOR", "", "", sqlmock.AnyArg(), sql.NullTime{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := &entities.UserRoleAssignment{UserID: "alice", RoleID: "EDITOR"}
	require.NoError(t, repo.AssignRole(context.Background(), a))
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.ValidFrom.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyRepository_SetResourcePermission_Upsert(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostgresPolicyRepository(db)
	created := time.Now().Add(-time.Hour)
	updated := time.Now()

	mock.ExpectQuery("INSERT INTO resource_permissions (.+) ON CONFLICT (.+) RETURNING id, created_at, updated_at").
		WithArgs("new-id", "document", "doc1", "alice", "", sqlmock.AnyArg(), []byte(`{"status":"draft"}`), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("existing-id", created, updated))

	rp := &entities.ResourcePermission{
		ID: "new-id", ResourceType: "document", ResourceID: "doc1", UserID: "alice",
		Actions: []string{"read"}, Conditions: map[string]interface{}{"status": "draft"},
	}
	require.NoError(t, repo.SetResourcePermission(context.Background(), rp))
	assert.Equal(t, "existing-id", rp.ID)
	assert.True(t, rp.CreatedAt.Equal(created))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetInheritedRoles_PreservesInputOrder(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)

	rows := sqlmock.NewRows([]string{"id", "parent_role_id", "inherits"}).
		AddRow("EDITOR", "USER", []byte("{}")).
		AddRow("ADMIN", "EDITOR", []byte("{AUDITOR,USER}"))
	mock.ExpectQuery("SELECT id, COALESCE\\(parent_role_id, ''\\), inherits FROM roles WHERE id = ANY").WillReturnRows(rows)

	got, err := adapter.GetInheritedRoles(context.Background(), []string{"ADMIN", "EDITOR"})
	require.NoError(t, err)
	assert.Equal(t, []string{"EDITOR", "AUDITOR", "USER"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetInheritedRoles_Empty(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)

	got, err := adapter.GetInheritedRoles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetUserDirectRoles_UsesClock(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	adapter.now = func() time.Time { return fixed }

	mock.ExpectQuery("FROM user_role_assignments (.+) valid_from <= \\$2").
		WithArgs("alice", fixed).
		WillReturnRows(sqlmock.NewRows([]string{"role_id"}).AddRow("USER").AddRow("EDITOR"))

	got, err := adapter.GetUserDirectRoles(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"USER", "EDITOR"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetRoleDirectPermissions_AppliesOverrides(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)
	now := time.Now()

	cols := append(append([]string{}, permissionRowColumns...), "override_conditions", "override_allowed_fields", "override_denied_fields")
	rows := sqlmock.NewRows(cols).
		AddRow("p1", "", "", "read", "user", []byte(`{"tenantId":"T1"}`), []byte("{name,email}"), []byte("{password}"), false, now, now,
			[]byte(`{"departmentId":"d1"}`), []byte("{name}"), []byte("{}")).
		AddRow("p2", "", "", "update", "user", []byte(`{}`), []byte("{}"), []byte("{}"), false, now, now,
			[]byte(`{}`), []byte("{}"), []byte("{}"))
	mock.ExpectQuery("FROM role_permissions rp\\s+JOIN permissions p").WithArgs("ADMIN").WillReturnRows(rows)

	perms, err := adapter.GetRoleDirectPermissions(context.Background(), "ADMIN")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, map[string]interface{}{"departmentId": "d1"}, perms[0].Conditions)
	assert.Equal(t, []string{"name"}, perms[0].AllowedFields)
	assert.Equal(t, []string{"password"}, perms[0].DeniedFields)
	assert.Nil(t, perms[1].Conditions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetRoleConditions_MergesMatching(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)
	now := time.Now()

	cols := append(append([]string{}, permissionRowColumns...), "override_conditions", "override_allowed_fields", "override_denied_fields")
	rows := sqlmock.NewRows(cols).
		AddRow("p1", "", "", "manage", "all", []byte(`{"status":"active"}`), []byte("{}"), []byte("{}"), false, now, now, []byte(`{}`), []byte("{}"), []byte("{}")).
		AddRow("p2", "", "", "read", "user", []byte(`{"tenantId":"T2"}`), []byte("{}"), []byte("{}"), false, now, now, []byte(`{}`), []byte("{}"), []byte("{}"))
	mock.ExpectQuery("p.action IN \\(\\$2, 'manage'\\) AND p.subject IN \\(\\$3, 'all'\\)").
		WithArgs("TENANT_ADMIN", "read", "user").
		WillReturnRows(rows)

	conds, err := adapter.GetRoleConditions(context.Background(), "TENANT_ADMIN", "read", "user")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "active", "tenantId": "T2"}, conds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetContextFieldPermissions(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "match", "allowed_fields", "denied_fields"}).
		AddRow("hr", "", []byte(`{"department":"hr"}`), []byte("{salary}"), []byte("{}")).
		AddRow("remote", "", []byte(`{"location":"remote"}`), []byte("{}"), []byte("{ssn}"))
	mock.ExpectQuery("FROM context_field_rules").WithArgs("employee").WillReturnRows(rows)

	fields, err := adapter.GetContextFieldPermissions(context.Background(),
		&entities.User{ID: "u1"}, "employee", &entities.AccessContext{Department: "hr"})
	require.NoError(t, err)
	assert.Equal(t, []string{"salary"}, fields.Allowed)
	assert.Empty(t, fields.Denied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetResourceConditions(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)

	mock.ExpectQuery("SELECT conditions\\s+FROM resource_permissions").
		WithArgs("document", "doc1", "update", "alice", pq.Array([]string{"EDITOR", "AUTHOR"})).
		WillReturnRows(sqlmock.NewRows([]string{"conditions"}).
			AddRow([]byte(`{"status":"published"}`)).
			AddRow([]byte(`{"status":"draft","ownerId":"alice"}`)))

	conds, err := adapter.GetResourceConditions(context.Background(),
		"alice", []string{"EDITOR", "AUTHOR"}, "update", &entities.Resource{Type: "document", ID: "doc1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "draft", "ownerId": "alice"}, conds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetResourceConditions_TypeOnly(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)

	conds, err := adapter.GetResourceConditions(context.Background(),
		"alice", nil, "read", &entities.Resource{Type: "document"})
	require.NoError(t, err)
	assert.Empty(t, conds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_PropagatesErrors(t *testing.T) {
	db, mock := newMock(t)
	adapter := NewPostgresPermissionAdapter(db)
	boom := errors.New("connection reset")

	mock.ExpectQuery("FROM abac_policies").WillReturnError(boom)

	_, err := adapter.GetABACPolicies(context.Background(), "T1")
	assert.ErrorIs(t, err, boom)
}

package services

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/internal/repositories/memory"
	"github.com/asakaida/monban/internal/services/authorization"
	"github.com/asakaida/monban/pkg/cache/memorycache"
)

type serviceFixture struct {
	ctx     context.Context
	store   *memory.Store
	engine  *authorization.Engine
	service *PermissionService
	hook    *logtest.Hook
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	c, err := memorycache.New(&memorycache.Config{
		MaxSizeBytes:  1 << 20,
		DefaultTTL:    time.Minute,
		EnableMetrics: true,
	})
	if err != nil {
		t.Fatalf("memorycache.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })

	store := memory.NewStore()
	engine, err := authorization.NewEngine(store, authorization.WithCache(c, "", time.Minute))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return &serviceFixture{
		ctx:     context.Background(),
		store:   store,
		engine:  engine,
		service: NewPermissionService(store, engine, logger),
		hook:    hook,
	}
}

func (f *serviceFixture) role(t *testing.T, id, parent string, inherits ...string) *entities.Role {
	t.Helper()
	role, err := f.service.CreateRole(f.ctx, &entities.Role{ID: id, Name: id, ParentRoleID: parent, Inherits: inherits})
	if err != nil || role == nil {
		t.Fatalf("CreateRole(%s) = %v, %v", id, role, err)
	}
	return role
}

func (f *serviceFixture) perm(t *testing.T, id, action, subject string) *entities.Permission {
	t.Helper()
	perm, err := f.service.CreatePermission(f.ctx, &entities.Permission{ID: id, Name: id, Action: action, Subject: subject})
	if err != nil || perm == nil {
		t.Fatalf("CreatePermission(%s) = %v, %v", id, perm, err)
	}
	return perm
}

func (f *serviceFixture) link(t *testing.T, roleID, permID string) {
	t.Helper()
	ok, err := f.service.AssignPermissionToRole(f.ctx, roleID, permID, nil)
	if err != nil || !ok {
		t.Fatalf("AssignPermissionToRole(%s, %s) = %v, %v", roleID, permID, ok, err)
	}
}

func (f *serviceFixture) assign(t *testing.T, userID, roleID string) {
	t.Helper()
	a, err := f.service.AssignRoleToUser(f.ctx, userID, roleID, AssignmentOptions{})
	if err != nil || a == nil {
		t.Fatalf("AssignRoleToUser(%s, %s) = %v, %v", userID, roleID, a, err)
	}
}

func (f *serviceFixture) can(t *testing.T, user *entities.User, action, subject string) bool {
	t.Helper()
	ok, err := f.engine.Check(f.ctx, user, action, subject, nil)
	if err != nil {
		t.Fatalf("Check(%s, %s) error = %v", action, subject, err)
	}
	return ok
}

// hierarchy: ADMIN -> EDITOR -> USER, ADMIN also inherits AUDITOR
func (f *serviceFixture) hierarchy(t *testing.T) {
	t.Helper()
	f.role(t, "USER", "")
	f.role(t, "EDITOR", "USER")
	f.role(t, "AUDITOR", "")
	f.role(t, "ADMIN", "EDITOR", "AUDITOR")
}

func TestPermissionService_CreateRole(t *testing.T) {
	tests := []struct {
		name    string
		role    *entities.Role
		wantErr error
	}{
		{name: "valid role", role: &entities.Role{ID: "EDITOR", Name: "Editor"}},
		{name: "generated ID", role: &entities.Role{Name: "Viewer"}},
		{name: "nil role", role: nil, wantErr: ErrInvalidInput},
		{name: "missing name", role: &entities.Role{ID: "X"}, wantErr: ErrInvalidInput},
		{name: "own parent", role: &entities.Role{ID: "X", Name: "X", ParentRoleID: "X"}, wantErr: ErrInvalidInput},
		{name: "inherits itself", role: &entities.Role{ID: "X", Name: "X", Inherits: []string{"X"}}, wantErr: ErrInvalidInput},
		{name: "empty inherited ID", role: &entities.Role{ID: "X", Name: "X", Inherits: []string{""}}, wantErr: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			got, err := f.service.CreateRole(f.ctx, tt.role)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("CreateRole() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got == nil {
				t.Fatalf("CreateRole() = %v, %v", got, err)
			}
			if got.ID == "" {
				t.Error("expected an ID")
			}
			if _, err := f.service.GetRole(f.ctx, got.ID); err != nil {
				t.Errorf("GetRole() error = %v", err)
			}
		})
	}
}

func TestPermissionService_CreateRole_Duplicate(t *testing.T) {
	f := newServiceFixture(t)
	f.role(t, "EDITOR", "")

	got, err := f.service.CreateRole(f.ctx, &entities.Role{ID: "EDITOR", Name: "again"})
	if err != nil {
		t.Fatalf("store failures should not be returned, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil role, got %+v", got)
	}
	if entry := f.hook.LastEntry(); entry == nil || entry.Level != logrus.ErrorLevel {
		t.Errorf("expected the store failure to be logged, got %v", entry)
	}
}

func TestPermissionService_UpdateRole(t *testing.T) {
	t.Run("cycle is rejected", func(t *testing.T) {
		f := newServiceFixture(t)
		f.role(t, "A", "")
		f.role(t, "B", "A")
		f.role(t, "C", "B")

		_, err := f.service.UpdateRole(f.ctx, &entities.Role{ID: "A", Name: "A", Inherits: []string{"C"}})
		if !errors.Is(err, ErrRoleCycle) {
			t.Fatalf("UpdateRole() error = %v, want ErrRoleCycle", err)
		}
		role, _ := f.service.GetRole(f.ctx, "A")
		if len(role.Inherits) != 0 {
			t.Errorf("role should be unchanged, got %+v", role)
		}
	})

	t.Run("system role is protected", func(t *testing.T) {
		f := newServiceFixture(t)
		if _, err := f.service.CreateRole(f.ctx, &entities.Role{ID: "SUPER_ADMIN", Name: "Super", IsSystemRole: true}); err != nil {
			t.Fatalf("CreateRole() error = %v", err)
		}

		_, err := f.service.UpdateRole(f.ctx, &entities.Role{ID: "SUPER_ADMIN", Name: "renamed"})
		if !errors.Is(err, ErrSystemRole) {
			t.Errorf("UpdateRole() error = %v, want ErrSystemRole", err)
		}
		ok, err := f.service.DeleteRole(f.ctx, "SUPER_ADMIN")
		if ok || !errors.Is(err, ErrSystemRole) {
			t.Errorf("DeleteRole() = %v, %v, want ErrSystemRole", ok, err)
		}
	})

	t.Run("missing role", func(t *testing.T) {
		f := newServiceFixture(t)
		got, err := f.service.UpdateRole(f.ctx, &entities.Role{ID: "GHOST", Name: "ghost"})
		if got != nil || err != nil {
			t.Errorf("UpdateRole() = %v, %v, want nil, nil", got, err)
		}
	})

	t.Run("new parent grants its permissions", func(t *testing.T) {
		f := newServiceFixture(t)
		f.role(t, "VIEWER", "")
		f.role(t, "EDITOR", "")
		f.perm(t, "read-article", "read", "article")
		f.link(t, "VIEWER", "read-article")
		f.assign(t, "alice", "EDITOR")
		alice := &entities.User{ID: "alice"}

		if f.can(t, alice, "read", "article") {
			t.Fatal("editor should not read articles yet")
		}
		if _, err := f.service.UpdateRole(f.ctx, &entities.Role{ID: "EDITOR", Name: "EDITOR", ParentRoleID: "VIEWER"}); err != nil {
			t.Fatalf("UpdateRole() error = %v", err)
		}
		if !f.can(t, alice, "read", "article") {
			t.Error("cached denial should be invalidated by the role update")
		}
	})
}

func TestPermissionService_DeleteRole(t *testing.T) {
	f := newServiceFixture(t)
	f.role(t, "EDITOR", "")
	f.perm(t, "update-article", "update", "article")
	f.link(t, "EDITOR", "update-article")
	f.assign(t, "alice", "EDITOR")
	alice := &entities.User{ID: "alice"}

	if !f.can(t, alice, "update", "article") {
		t.Fatal("expected allow before delete")
	}

	ok, err := f.service.DeleteRole(f.ctx, "EDITOR")
	if err != nil || !ok {
		t.Fatalf("DeleteRole() = %v, %v", ok, err)
	}
	if f.can(t, alice, "update", "article") {
		t.Error("deleted role should no longer grant")
	}

	ok, err = f.service.DeleteRole(f.ctx, "EDITOR")
	if ok || err != nil {
		t.Errorf("second DeleteRole() = %v, %v, want false, nil", ok, err)
	}
	if _, err := f.service.DeleteRole(f.ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("DeleteRole(\"\") error = %v, want ErrInvalidInput", err)
	}
}

func TestPermissionService_GetRoleHierarchy(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)

	tests := []struct {
		role            string
		wantAncestors   []string
		wantDescendants []string
	}{
		{role: "ADMIN", wantAncestors: []string{"EDITOR", "AUDITOR", "USER"}, wantDescendants: []string{}},
		{role: "EDITOR", wantAncestors: []string{"USER"}, wantDescendants: []string{"ADMIN"}},
		{role: "USER", wantAncestors: nil, wantDescendants: []string{"EDITOR", "ADMIN"}},
		{role: "AUDITOR", wantAncestors: nil, wantDescendants: []string{"ADMIN"}},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			h, err := f.service.GetRoleHierarchy(f.ctx, tt.role)
			if err != nil {
				t.Fatalf("GetRoleHierarchy() error = %v", err)
			}
			if h.Role.ID != tt.role {
				t.Errorf("role = %s, want %s", h.Role.ID, tt.role)
			}
			if !reflect.DeepEqual(h.Ancestors, tt.wantAncestors) {
				t.Errorf("ancestors = %v, want %v", h.Ancestors, tt.wantAncestors)
			}
			if !reflect.DeepEqual(h.Descendants, tt.wantDescendants) {
				t.Errorf("descendants = %v, want %v", h.Descendants, tt.wantDescendants)
			}
		})
	}

	if _, err := f.service.GetRoleHierarchy(f.ctx, "GHOST"); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("GetRoleHierarchy(GHOST) error = %v, want ErrNotFound", err)
	}
}

func TestPermissionService_AssignPermissionToRole(t *testing.T) {
	t.Run("missing role is a soft failure", func(t *testing.T) {
		f := newServiceFixture(t)
		f.perm(t, "read-article", "read", "article")

		ok, err := f.service.AssignPermissionToRole(f.ctx, "GHOST", "read-article", nil)
		if ok || err != nil {
			t.Errorf("AssignPermissionToRole() = %v, %v, want false, nil", ok, err)
		}
	})

	t.Run("empty IDs are rejected", func(t *testing.T) {
		f := newServiceFixture(t)
		if _, err := f.service.AssignPermissionToRole(f.ctx, "", "read-article", nil); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("parent grant reaches users of descendant roles", func(t *testing.T) {
		f := newServiceFixture(t)
		f.hierarchy(t)
		f.perm(t, "export-report", "export", "report")
		f.assign(t, "alice", "ADMIN")
		f.assign(t, "bob", "AUDITOR")
		alice := &entities.User{ID: "alice"}
		bob := &entities.User{ID: "bob"}

		if f.can(t, alice, "export", "report") || f.can(t, bob, "export", "report") {
			t.Fatal("nobody should export yet")
		}
		f.link(t, "USER", "export-report")

		if !f.can(t, alice, "export", "report") {
			t.Error("ADMIN inherits USER and should export after the link")
		}
		if f.can(t, bob, "export", "report") {
			t.Error("AUDITOR does not inherit USER")
		}

		ok, err := f.service.RemovePermissionFromRole(f.ctx, "USER", "export-report")
		if err != nil || !ok {
			t.Fatalf("RemovePermissionFromRole() = %v, %v", ok, err)
		}
		if f.can(t, alice, "export", "report") {
			t.Error("removed link should no longer grant")
		}
	})

	t.Run("overrides are applied to the role's permissions", func(t *testing.T) {
		f := newServiceFixture(t)
		f.role(t, "SUPPORT", "")
		f.perm(t, "read-user", "read", "user")

		ok, err := f.service.AssignPermissionToRole(f.ctx, "SUPPORT", "read-user", &PermissionOverrides{
			DeniedFields: []string{"password"},
		})
		if err != nil || !ok {
			t.Fatalf("AssignPermissionToRole() = %v, %v", ok, err)
		}

		perms, err := f.service.GetRolePermissions(f.ctx, "SUPPORT", false)
		if err != nil {
			t.Fatalf("GetRolePermissions() error = %v", err)
		}
		if len(perms) != 1 || !reflect.DeepEqual(perms[0].DeniedFields, []string{"password"}) {
			t.Errorf("unexpected permissions %+v", perms)
		}
	})
}

func TestPermissionService_GetRolePermissions(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)
	f.perm(t, "read-profile", "read", "profile")
	f.perm(t, "write-profile", "write", "profile")
	f.link(t, "USER", "read-profile")
	f.link(t, "ADMIN", "write-profile")

	direct, err := f.service.GetRolePermissions(f.ctx, "ADMIN", false)
	if err != nil {
		t.Fatalf("GetRolePermissions() error = %v", err)
	}
	if got := permissionIDs(direct); !reflect.DeepEqual(got, []string{"write-profile"}) {
		t.Errorf("direct = %v", got)
	}

	inherited, err := f.service.GetRolePermissions(f.ctx, "ADMIN", true)
	if err != nil {
		t.Fatalf("GetRolePermissions() error = %v", err)
	}
	if got := permissionIDs(inherited); !containsAll(got, "write-profile", "read-profile") || len(got) != 2 {
		t.Errorf("inherited = %v", got)
	}
}

func TestPermissionService_AssignRoleToUser(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)
	f.perm(t, "read-audit", "read", "audit")
	f.link(t, "AUDITOR", "read-audit")
	carol := &entities.User{ID: "carol"}

	if f.can(t, carol, "read", "audit") {
		t.Fatal("carol has no roles yet")
	}
	f.assign(t, "carol", "ADMIN")
	if !f.can(t, carol, "read", "audit") {
		t.Error("assignment should invalidate the cached denial")
	}

	roles, err := f.service.GetUserRoles(f.ctx, "carol", false)
	if err != nil || !reflect.DeepEqual(roles, []string{"ADMIN"}) {
		t.Errorf("GetUserRoles(direct) = %v, %v", roles, err)
	}
	roles, err = f.service.GetUserRoles(f.ctx, "carol", true)
	if err != nil || !reflect.DeepEqual(roles, []string{"ADMIN", "EDITOR", "AUDITOR", "USER"}) {
		t.Errorf("GetUserRoles(inherited) = %v, %v", roles, err)
	}

	ok, err := f.service.RemoveRoleFromUser(f.ctx, "carol", "ADMIN")
	if err != nil || !ok {
		t.Fatalf("RemoveRoleFromUser() = %v, %v", ok, err)
	}
	if f.can(t, carol, "read", "audit") {
		t.Error("removal should invalidate the cached grant")
	}

	ok, err = f.service.RemoveRoleFromUser(f.ctx, "carol", "ADMIN")
	if ok || err != nil {
		t.Errorf("second RemoveRoleFromUser() = %v, %v, want false, nil", ok, err)
	}
}

func TestPermissionService_AssignRoleToUser_Options(t *testing.T) {
	f := newServiceFixture(t)
	f.role(t, "EDITOR", "")

	past := time.Now().Add(-time.Hour)
	earlier := past.Add(-time.Hour)

	tests := []struct {
		name      string
		roleID    string
		opts      AssignmentOptions
		wantErr   error
		wantNil   bool
		effective bool
	}{
		{name: "scoped assignment", roleID: "EDITOR", opts: AssignmentOptions{Scope: "p1", ScopeType: "project"}, effective: true},
		{name: "expired assignment", roleID: "EDITOR", opts: AssignmentOptions{ValidFrom: earlier, ValidTo: &past}, effective: false},
		{name: "scope without type", roleID: "EDITOR", opts: AssignmentOptions{Scope: "p1"}, wantErr: ErrInvalidInput},
		{name: "validTo before validFrom", roleID: "EDITOR", opts: AssignmentOptions{ValidFrom: past, ValidTo: &earlier}, wantErr: ErrInvalidInput},
		{name: "missing role", roleID: "GHOST", wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := "user-" + tt.name
			got, err := f.service.AssignRoleToUser(f.ctx, user, tt.roleID, tt.opts)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("expected nil assignment, got %+v", got)
				}
				return
			}
			roles, err := f.service.GetUserRoles(f.ctx, user, false)
			if err != nil {
				t.Fatalf("GetUserRoles() error = %v", err)
			}
			if (len(roles) == 1) != tt.effective {
				t.Errorf("roles = %v, effective %v", roles, tt.effective)
			}
			assignments, err := f.service.GetUserAssignments(f.ctx, user)
			if err != nil || len(assignments) != 1 {
				t.Errorf("GetUserAssignments() = %v, %v", assignments, err)
			}
		})
	}
}

func TestPermissionService_UpdatePermission(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)
	f.perm(t, "read-article", "read", "article")
	f.link(t, "USER", "read-article")
	f.assign(t, "alice", "ADMIN")
	alice := &entities.User{ID: "alice"}

	if !f.can(t, alice, "read", "article") {
		t.Fatal("expected inherited grant")
	}

	updated, err := f.service.UpdatePermission(f.ctx, &entities.Permission{ID: "read-article", Action: "read", Subject: "comment"})
	if err != nil || updated == nil {
		t.Fatalf("UpdatePermission() = %v, %v", updated, err)
	}
	if f.can(t, alice, "read", "article") {
		t.Error("users of descendant roles should see the updated subject")
	}
	if !f.can(t, alice, "read", "comment") {
		t.Error("expected grant on the new subject")
	}

	ok, err := f.service.DeletePermission(f.ctx, "read-article")
	if err != nil || !ok {
		t.Fatalf("DeletePermission() = %v, %v", ok, err)
	}
	if f.can(t, alice, "read", "comment") {
		t.Error("deleted permission should no longer grant")
	}

	sys := &entities.Permission{ID: "manage-all", Action: "manage", Subject: "all", IsSystemPermission: true}
	if _, err := f.service.CreatePermission(f.ctx, sys); err != nil {
		t.Fatalf("CreatePermission() error = %v", err)
	}
	if _, err := f.service.UpdatePermission(f.ctx, sys); !errors.Is(err, ErrSystemPermission) {
		t.Errorf("UpdatePermission(system) error = %v", err)
	}
	if _, err := f.service.DeletePermission(f.ctx, "manage-all"); !errors.Is(err, ErrSystemPermission) {
		t.Errorf("DeletePermission(system) error = %v", err)
	}
}

func TestPermissionService_DirectPermissions(t *testing.T) {
	f := newServiceFixture(t)
	f.perm(t, "export-report", "export", "report")
	dave := &entities.User{ID: "dave"}

	if f.can(t, dave, "export", "report") {
		t.Fatal("no grant yet")
	}
	ok, err := f.service.AssignPermissionToUser(f.ctx, "dave", "export-report")
	if err != nil || !ok {
		t.Fatalf("AssignPermissionToUser() = %v, %v", ok, err)
	}
	if !f.can(t, dave, "export", "report") {
		t.Error("direct grant should apply")
	}

	eff, err := f.service.GetUserEffectivePermissions(f.ctx, "dave", nil)
	if err != nil {
		t.Fatalf("GetUserEffectivePermissions() error = %v", err)
	}
	if len(eff.Roles) != 0 || len(eff.Rules) == 0 {
		t.Errorf("unexpected effective permissions %+v", eff)
	}

	ok, err = f.service.RemovePermissionFromUser(f.ctx, "dave", "export-report")
	if err != nil || !ok {
		t.Fatalf("RemovePermissionFromUser() = %v, %v", ok, err)
	}
	if f.can(t, dave, "export", "report") {
		t.Error("revoked grant should no longer apply")
	}

	ok, err = f.service.AssignPermissionToUser(f.ctx, "dave", "ghost")
	if ok || err != nil {
		t.Errorf("AssignPermissionToUser(ghost) = %v, %v, want false, nil", ok, err)
	}
}

func TestPermissionService_GetUserEffectivePermissions(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)
	f.perm(t, "read-profile", "read", "profile")
	f.perm(t, "read-audit", "read", "audit")
	f.link(t, "USER", "read-profile")
	f.link(t, "AUDITOR", "read-audit")
	f.assign(t, "erin", "ADMIN")

	eff, err := f.service.GetUserEffectivePermissions(f.ctx, "erin", &entities.AccessContext{TenantID: "T1"})
	if err != nil {
		t.Fatalf("GetUserEffectivePermissions() error = %v", err)
	}
	if eff.UserID != "erin" {
		t.Errorf("user = %s", eff.UserID)
	}
	if !reflect.DeepEqual(eff.Roles, []string{"ADMIN", "EDITOR", "AUDITOR", "USER"}) {
		t.Errorf("roles = %v", eff.Roles)
	}
	if got := permissionIDs(eff.Permissions); !containsAll(got, "read-profile", "read-audit") {
		t.Errorf("permissions = %v", got)
	}
	if len(eff.Rules) < 2 {
		t.Errorf("rules = %+v", eff.Rules)
	}

	if _, err := f.service.GetUserEffectivePermissions(f.ctx, "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty user error = %v", err)
	}
}

func TestPermissionService_ResourcePermissions(t *testing.T) {
	f := newServiceFixture(t)
	f.role(t, "REVIEWER", "")
	f.assign(t, "frank", "REVIEWER")
	frank := &entities.User{ID: "frank"}
	doc := &entities.Resource{Type: "document", ID: "d1"}
	other := &entities.Resource{Type: "document", ID: "d2"}

	canDoc := func(res *entities.Resource) bool {
		t.Helper()
		ok, err := f.engine.Check(f.ctx, frank, "comment", res, nil)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return ok
	}

	if canDoc(doc) {
		t.Fatal("no grant yet")
	}

	grant, err := f.service.SetResourcePermission(f.ctx, "document", "d1", Principal{RoleID: "REVIEWER"}, []string{"comment"}, nil)
	if err != nil || grant == nil {
		t.Fatalf("SetResourcePermission() = %v, %v", grant, err)
	}
	if !canDoc(doc) {
		t.Error("role grant should reach the role's users")
	}
	if canDoc(other) {
		t.Error("grant is limited to d1")
	}

	grants, err := f.service.GetResourcePermissions(f.ctx, "document", "d1")
	if err != nil || len(grants) != 1 || grants[0].ID != grant.ID {
		t.Fatalf("GetResourcePermissions() = %v, %v", grants, err)
	}

	ok, err := f.service.DeleteResourcePermission(f.ctx, "document", "d1", grant.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteResourcePermission() = %v, %v", ok, err)
	}
	if canDoc(doc) {
		t.Error("deleted grant should no longer apply")
	}

	ok, err = f.service.DeleteResourcePermission(f.ctx, "document", "d1", grant.ID)
	if ok || err != nil {
		t.Errorf("second DeleteResourcePermission() = %v, %v, want false, nil", ok, err)
	}

	tests := []struct {
		name      string
		principal Principal
		actions   []string
	}{
		{name: "no principal", principal: Principal{}, actions: []string{"read"}},
		{name: "both principals", principal: Principal{UserID: "u", RoleID: "r"}, actions: []string{"read"}},
		{name: "no actions", principal: Principal{UserID: "u"}},
		{name: "empty action", principal: Principal{UserID: "u"}, actions: []string{""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.SetResourcePermission(f.ctx, "document", "d1", tt.principal, tt.actions, nil)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestPermissionService_Policies(t *testing.T) {
	f := newServiceFixture(t)
	grace := &entities.User{ID: "grace", Department: "finance"}

	if f.can(t, grace, "export", "report") {
		t.Fatal("no policy yet")
	}

	policy, err := f.service.CreatePolicy(f.ctx, &entities.ABACPolicy{
		Name:       "finance exports",
		Effect:     entities.EffectAllow,
		Action:     "export",
		Subject:    "report",
		Expression: `subject.department == "finance"`,
		Enabled:    true,
	})
	if err != nil || policy == nil {
		t.Fatalf("CreatePolicy() = %v, %v", policy, err)
	}
	if policy.ID == "" {
		t.Error("expected a generated ID")
	}
	if !f.can(t, grace, "export", "report") {
		t.Error("policy creation should clear the cache")
	}

	policies, err := f.service.GetPolicies(f.ctx, "")
	if err != nil || len(policies) != 1 {
		t.Errorf("GetPolicies() = %v, %v", policies, err)
	}

	ok, err := f.service.DeletePolicy(f.ctx, policy.ID)
	if err != nil || !ok {
		t.Fatalf("DeletePolicy() = %v, %v", ok, err)
	}
	if f.can(t, grace, "export", "report") {
		t.Error("policy deletion should clear the cache")
	}

	invalid := []struct {
		name   string
		policy *entities.ABACPolicy
	}{
		{name: "syntax error", policy: &entities.ABACPolicy{Effect: entities.EffectDeny, Action: "read", Subject: "x", Expression: `subject.department ==`}},
		{name: "unknown effect", policy: &entities.ABACPolicy{Effect: "maybe", Action: "read", Subject: "x", Expression: `true`}},
		{name: "missing expression", policy: &entities.ABACPolicy{Effect: entities.EffectAllow, Action: "read", Subject: "x"}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.service.CreatePolicy(f.ctx, tt.policy); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("CreatePolicy() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestPermissionService_ContextFieldRules(t *testing.T) {
	f := newServiceFixture(t)

	rule, err := f.service.CreateContextFieldRule(f.ctx, &entities.ContextFieldRule{
		ResourceType: "employee",
		Match:        map[string]string{"department": "hr"},
		AllowedFields: []string{"salary"},
	})
	if err != nil || rule == nil || rule.ID == "" {
		t.Fatalf("CreateContextFieldRule() = %v, %v", rule, err)
	}

	if _, err := f.service.CreateContextFieldRule(f.ctx, &entities.ContextFieldRule{ResourceType: "employee"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("rule without fields error = %v, want ErrInvalidInput", err)
	}

	ok, err := f.service.DeleteContextFieldRule(f.ctx, rule.ID)
	if err != nil || !ok {
		t.Errorf("DeleteContextFieldRule() = %v, %v", ok, err)
	}
	ok, err = f.service.DeleteContextFieldRule(f.ctx, rule.ID)
	if ok || err != nil {
		t.Errorf("second DeleteContextFieldRule() = %v, %v, want false, nil", ok, err)
	}
}

func TestPermissionService_InvalidateCaches(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)
	f.perm(t, "read-profile", "read", "profile")
	f.assign(t, "alice", "ADMIN")
	alice := &entities.User{ID: "alice"}

	if f.can(t, alice, "read", "profile") {
		t.Fatal("no link yet")
	}
	// written behind the service's back, so nothing is invalidated
	if err := f.store.AssignPermission(f.ctx, &entities.RolePermission{RoleID: "USER", PermissionID: "read-profile"}); err != nil {
		t.Fatalf("AssignPermission() error = %v", err)
	}
	if f.can(t, alice, "read", "profile") {
		t.Fatal("expected the cached denial")
	}

	if err := f.service.InvalidateRolePermissionCache(f.ctx, "USER"); err != nil {
		t.Fatalf("InvalidateRolePermissionCache() error = %v", err)
	}
	if !f.can(t, alice, "read", "profile") {
		t.Error("role invalidation should reach users of descendant roles")
	}

	if err := f.store.RemovePermission(f.ctx, "USER", "read-profile"); err != nil {
		t.Fatalf("RemovePermission() error = %v", err)
	}
	if err := f.service.InvalidateUserPermissionCache(f.ctx, "alice"); err != nil {
		t.Fatalf("InvalidateUserPermissionCache() error = %v", err)
	}
	if f.can(t, alice, "read", "profile") {
		t.Error("user invalidation should drop the cached grant")
	}

	if err := f.service.InvalidateUserPermissionCache(f.ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty user error = %v", err)
	}
	if err := f.service.InvalidateRolePermissionCache(f.ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty role error = %v", err)
	}
}

func TestPermissionService_Lists(t *testing.T) {
	f := newServiceFixture(t)
	f.hierarchy(t)
	f.perm(t, "read-profile", "read", "profile")
	f.perm(t, "write-profile", "write", "profile")

	roles, err := f.service.GetRoles(f.ctx, nil)
	if err != nil || len(roles) != 4 {
		t.Errorf("GetRoles() = %d roles, %v", len(roles), err)
	}
	perms, err := f.service.GetPermissions(f.ctx, &repositories.PermissionFilter{Action: "write"})
	if err != nil || len(perms) != 1 || perms[0].ID != "write-profile" {
		t.Errorf("GetPermissions(write) = %v, %v", perms, err)
	}
	if _, err := f.service.GetPermission(f.ctx, "ghost"); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("GetPermission(ghost) error = %v", err)
	}
}

func permissionIDs(perms []*entities.Permission) []string {
	ids := make([]string, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	return ids
}

func containsAll(list []string, want ...string) bool {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		set[s] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

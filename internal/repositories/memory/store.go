// Package memory provides an in-process implementation of the repositories
// used for development mode, examples and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
)

var (
	_ repositories.Store             = (*Store)(nil)
	_ repositories.PermissionAdapter = (*Store)(nil)
)

// Store keeps all permission data in memory
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	roles               map[string]*entities.Role
	permissions         map[string]*entities.Permission
	rolePermissions     map[string]map[string]*entities.RolePermission     // roleID -> permissionID -> link
	assignments         map[string]map[string]*entities.UserRoleAssignment // userID -> roleID -> assignment
	userPermissions     map[string]map[string]*entities.UserPermission     // userID -> permissionID -> grant
	resourcePermissions map[string]*entities.ResourcePermission
	policies            map[string]*entities.ABACPolicy
	fieldRules          map[string]*entities.ContextFieldRule
}

// NewStore creates an empty memory store
func NewStore() *Store {
	return &Store{
		now:                 time.Now,
		roles:               make(map[string]*entities.Role),
		permissions:         make(map[string]*entities.Permission),
		rolePermissions:     make(map[string]map[string]*entities.RolePermission),
		assignments:         make(map[string]map[string]*entities.UserRoleAssignment),
		userPermissions:     make(map[string]map[string]*entities.UserPermission),
		resourcePermissions: make(map[string]*entities.ResourcePermission),
		policies:            make(map[string]*entities.ABACPolicy),
		fieldRules:          make(map[string]*entities.ContextFieldRule),
	}
}

// SetClock overrides the clock used for assignment validity. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// === Roles ===

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *entities.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roles[role.ID]; exists {
		return fmt.Errorf("role %s already exists", role.ID)
	}
	now := s.now()
	stored := cloneRole(role)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.roles[role.ID] = stored
	role.CreatedAt, role.UpdatedAt = now, now
	return nil
}

// UpdateRole replaces an existing role
func (s *Store) UpdateRole(ctx context.Context, role *entities.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.roles[role.ID]
	if !exists {
		return fmt.Errorf("role %s: %w", role.ID, repositories.ErrNotFound)
	}
	stored := cloneRole(role)
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now()
	s.roles[role.ID] = stored
	role.CreatedAt, role.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

// DeleteRole removes a role together with its links and assignments
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.roles[roleID]; !exists {
		return fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}
	delete(s.roles, roleID)
	delete(s.rolePermissions, roleID)
	for _, byRole := range s.assignments {
		delete(byRole, roleID)
	}
	for id, rp := range s.resourcePermissions {
		if rp.RoleID == roleID {
			delete(s.resourcePermissions, id)
		}
	}
	return nil
}

// GetRole retrieves a role by ID
func (s *Store) GetRole(ctx context.Context, roleID string) (*entities.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, exists := s.roles[roleID]
	if !exists {
		return nil, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}
	return cloneRole(role), nil
}

// ListRoles returns roles matching the filter ordered by name
func (s *Store) ListRoles(ctx context.Context, filter *repositories.RoleFilter) ([]*entities.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make([]*entities.Role, 0, len(s.roles))
	for _, role := range s.roles {
		if filter != nil {
			if filter.SystemOnly && !role.IsSystemRole {
				continue
			}
			if filter.TenantID != "" && role.TenantID != filter.TenantID {
				if !(filter.IncludeGlobal && role.TenantID == "") {
					continue
				}
			}
		}
		roles = append(roles, cloneRole(role))
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].Name != roles[j].Name {
			return roles[i].Name < roles[j].Name
		}
		return roles[i].ID < roles[j].ID
	})
	return roles, nil
}

// GetChildRoles returns roles that directly inherit from roleID
func (s *Store) GetChildRoles(ctx context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children []string
	for id, role := range s.roles {
		if role.HasAncestor(roleID) {
			children = append(children, id)
		}
	}
	sort.Strings(children)
	return children, nil
}

// === Permissions ===

// CreatePermission creates a new permission
func (s *Store) CreatePermission(ctx context.Context, perm *entities.Permission) error {
	if err := perm.Validate(); err != nil {
		return fmt.Errorf("invalid permission: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.permissions[perm.ID]; exists {
		return fmt.Errorf("permission %s already exists", perm.ID)
	}
	now := s.now()
	stored := perm.Clone()
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.permissions[perm.ID] = stored
	perm.CreatedAt, perm.UpdatedAt = now, now
	return nil
}

// UpdatePermission replaces an existing permission
func (s *Store) UpdatePermission(ctx context.Context, perm *entities.Permission) error {
	if err := perm.Validate(); err != nil {
		return fmt.Errorf("invalid permission: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.permissions[perm.ID]
	if !exists {
		return fmt.Errorf("permission %s: %w", perm.ID, repositories.ErrNotFound)
	}
	stored := perm.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now()
	s.permissions[perm.ID] = stored
	perm.CreatedAt, perm.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

// DeletePermission removes a permission together with its role links and user grants
func (s *Store) DeletePermission(ctx context.Context, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.permissions[permissionID]; !exists {
		return fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)
	}
	delete(s.permissions, permissionID)
	for _, links := range s.rolePermissions {
		delete(links, permissionID)
	}
	for _, grants := range s.userPermissions {
		delete(grants, permissionID)
	}
	return nil
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, permissionID string) (*entities.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perm, exists := s.permissions[permissionID]
	if !exists {
		return nil, fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)
	}
	return perm.Clone(), nil
}

// ListPermissions returns permissions matching the filter ordered by action:subject
func (s *Store) ListPermissions(ctx context.Context, filter *repositories.PermissionFilter) ([]*entities.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]*entities.Permission, 0, len(s.permissions))
	for _, perm := range s.permissions {
		if filter != nil {
			if filter.Action != "" && perm.Action != filter.Action {
				continue
			}
			if filter.Subject != "" && perm.Subject != filter.Subject {
				continue
			}
		}
		perms = append(perms, perm.Clone())
	}
	sortPermissions(perms)
	return perms, nil
}

// GetPermissionRoles returns the roles linked to the permission
func (s *Store) GetPermissionRoles(ctx context.Context, permissionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roleIDs []string
	for roleID, links := range s.rolePermissions {
		if _, ok := links[permissionID]; ok {
			roleIDs = append(roleIDs, roleID)
		}
	}
	sort.Strings(roleIDs)
	return roleIDs, nil
}

// GetPermissionUsers returns the users holding the permission directly
func (s *Store) GetPermissionUsers(ctx context.Context, permissionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userIDs []string
	for userID, grants := range s.userPermissions {
		if _, ok := grants[permissionID]; ok {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

// === Role-permission links ===

// AssignPermission creates or replaces a role-permission link
func (s *Store) AssignPermission(ctx context.Context, link *entities.RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[link.RoleID]; !ok {
		return fmt.Errorf("role %s: %w", link.RoleID, repositories.ErrNotFound)
	}
	if _, ok := s.permissions[link.PermissionID]; !ok {
		return fmt.Errorf("permission %s: %w", link.PermissionID, repositories.ErrNotFound)
	}
	links, ok := s.rolePermissions[link.RoleID]
	if !ok {
		links = make(map[string]*entities.RolePermission)
		s.rolePermissions[link.RoleID] = links
	}
	stored := cloneLink(link)
	stored.CreatedAt = s.now()
	links[link.PermissionID] = stored
	return nil
}

// RemovePermission removes a role-permission link
func (s *Store) RemovePermission(ctx context.Context, roleID string, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	links := s.rolePermissions[roleID]
	if _, ok := links[permissionID]; !ok {
		return fmt.Errorf("link %s/%s: %w", roleID, permissionID, repositories.ErrNotFound)
	}
	delete(links, permissionID)
	return nil
}

// ListRolePermissions returns the links of a role
func (s *Store) ListRolePermissions(ctx context.Context, roleID string) ([]*entities.RolePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]*entities.RolePermission, 0, len(s.rolePermissions[roleID]))
	for _, link := range s.rolePermissions[roleID] {
		links = append(links, cloneLink(link))
	}
	sort.Slice(links, func(i, j int) bool { return links[i].PermissionID < links[j].PermissionID })
	return links, nil
}

// === Assignments ===

// AssignRole creates or replaces an assignment
func (s *Store) AssignRole(ctx context.Context, assignment *entities.UserRoleAssignment) error {
	if err := assignment.Validate(); err != nil {
		return fmt.Errorf("invalid assignment: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[assignment.RoleID]; !ok {
		return fmt.Errorf("role %s: %w", assignment.RoleID, repositories.ErrNotFound)
	}
	byRole, ok := s.assignments[assignment.UserID]
	if !ok {
		byRole = make(map[string]*entities.UserRoleAssignment)
		s.assignments[assignment.UserID] = byRole
	}
	stored := *assignment
	stored.CreatedAt = s.now()
	if stored.ValidFrom.IsZero() {
		stored.ValidFrom = stored.CreatedAt
	}
	byRole[assignment.RoleID] = &stored
	assignment.CreatedAt, assignment.ValidFrom = stored.CreatedAt, stored.ValidFrom
	return nil
}

// RemoveRole removes an assignment
func (s *Store) RemoveRole(ctx context.Context, userID string, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRole := s.assignments[userID]
	if _, ok := byRole[roleID]; !ok {
		return fmt.Errorf("assignment %s/%s: %w", userID, roleID, repositories.ErrNotFound)
	}
	delete(byRole, roleID)
	return nil
}

// ListUserAssignments returns all assignments of a user
func (s *Store) ListUserAssignments(ctx context.Context, userID string) ([]*entities.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userAssignments(userID), nil
}

// ListRoleUsers returns the users holding an assignment of the role
func (s *Store) ListRoleUsers(ctx context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userIDs []string
	for userID, byRole := range s.assignments {
		if _, ok := byRole[roleID]; ok {
			userIDs = append(userIDs, userID)
		}
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

// === Direct user grants ===

// GrantUserPermission grants a permission directly to a user
func (s *Store) GrantUserPermission(ctx context.Context, grant *entities.UserPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.permissions[grant.PermissionID]; !ok {
		return fmt.Errorf("permission %s: %w", grant.PermissionID, repositories.ErrNotFound)
	}
	grants, ok := s.userPermissions[grant.UserID]
	if !ok {
		grants = make(map[string]*entities.UserPermission)
		s.userPermissions[grant.UserID] = grants
	}
	stored := *grant
	stored.CreatedAt = s.now()
	grants[grant.PermissionID] = &stored
	return nil
}

// RevokeUserPermission revokes a direct grant
func (s *Store) RevokeUserPermission(ctx context.Context, userID string, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants := s.userPermissions[userID]
	if _, ok := grants[permissionID]; !ok {
		return fmt.Errorf("grant %s/%s: %w", userID, permissionID, repositories.ErrNotFound)
	}
	delete(grants, permissionID)
	return nil
}

// === Resource permissions ===

// SetResourcePermission upserts a grant keyed by resource and principal
func (s *Store) SetResourcePermission(ctx context.Context, rp *entities.ResourcePermission) error {
	if err := rp.Validate(); err != nil {
		return fmt.Errorf("invalid resource permission: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.resourcePermissions {
		if existing.ResourceType == rp.ResourceType && existing.ResourceID == rp.ResourceID &&
			existing.Principal() == rp.Principal() {
			stored := cloneResourcePermission(rp)
			stored.ID = id
			stored.CreatedAt = existing.CreatedAt
			stored.UpdatedAt = now
			s.resourcePermissions[id] = stored
			rp.ID, rp.CreatedAt, rp.UpdatedAt = id, stored.CreatedAt, now
			return nil
		}
	}
	if rp.ID == "" {
		return fmt.Errorf("resource permission ID is required")
	}
	stored := cloneResourcePermission(rp)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.resourcePermissions[rp.ID] = stored
	rp.CreatedAt, rp.UpdatedAt = now, now
	return nil
}

// DeleteResourcePermission removes a grant by ID
func (s *Store) DeleteResourcePermission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resourcePermissions[id]; !ok {
		return fmt.Errorf("resource permission %s: %w", id, repositories.ErrNotFound)
	}
	delete(s.resourcePermissions, id)
	return nil
}

// ListResourcePermissions returns grants on one resource instance
func (s *Store) ListResourcePermissions(ctx context.Context, resourceType string, resourceID string) ([]*entities.ResourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entities.ResourcePermission
	for _, rp := range s.resourcePermissions {
		if rp.ResourceType == resourceType && rp.ResourceID == resourceID {
			out = append(out, cloneResourcePermission(rp))
		}
	}
	sortResourcePermissions(out)
	return out, nil
}

// === Policies ===

// CreatePolicy creates an ABAC policy
func (s *Store) CreatePolicy(ctx context.Context, policy *entities.ABACPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[policy.ID]; exists {
		return fmt.Errorf("policy %s already exists", policy.ID)
	}
	now := s.now()
	stored := *policy
	stored.Conditions = entities.CloneMap(policy.Conditions)
	stored.Fields = append([]string(nil), policy.Fields...)
	stored.CreatedAt, stored.UpdatedAt = now, now
	s.policies[policy.ID] = &stored
	return nil
}

// DeletePolicy removes an ABAC policy
func (s *Store) DeletePolicy(ctx context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[policyID]; !ok {
		return fmt.Errorf("policy %s: %w", policyID, repositories.ErrNotFound)
	}
	delete(s.policies, policyID)
	return nil
}

// ListPolicies returns all policies visible to the tenant, enabled or not
func (s *Store) ListPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantPolicies(tenantID, false), nil
}

// CreateContextFieldRule creates a context field rule
func (s *Store) CreateContextFieldRule(ctx context.Context, rule *entities.ContextFieldRule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid context field rule: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fieldRules[rule.ID]; exists {
		return fmt.Errorf("context field rule %s already exists", rule.ID)
	}
	stored := *rule
	stored.CreatedAt = s.now()
	s.fieldRules[rule.ID] = &stored
	return nil
}

// DeleteContextFieldRule removes a context field rule
func (s *Store) DeleteContextFieldRule(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fieldRules[ruleID]; !ok {
		return fmt.Errorf("context field rule %s: %w", ruleID, repositories.ErrNotFound)
	}
	delete(s.fieldRules, ruleID)
	return nil
}

// === helpers (must be called with lock held) ===

func (s *Store) userAssignments(userID string) []*entities.UserRoleAssignment {
	byRole := s.assignments[userID]
	out := make([]*entities.UserRoleAssignment, 0, len(byRole))
	for _, a := range byRole {
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out
}

func (s *Store) tenantPolicies(tenantID string, enabledOnly bool) []*entities.ABACPolicy {
	var out []*entities.ABACPolicy
	for _, p := range s.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		if p.TenantID != "" && p.TenantID != tenantID {
			continue
		}
		c := *p
		c.Conditions = entities.CloneMap(p.Conditions)
		c.Fields = append([]string(nil), p.Fields...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneRole(r *entities.Role) *entities.Role {
	c := *r
	c.Inherits = append([]string(nil), r.Inherits...)
	return &c
}

func cloneLink(l *entities.RolePermission) *entities.RolePermission {
	c := *l
	c.OverrideConditions = entities.CloneMap(l.OverrideConditions)
	c.OverrideAllowedFields = append([]string(nil), l.OverrideAllowedFields...)
	c.OverrideDeniedFields = append([]string(nil), l.OverrideDeniedFields...)
	return &c
}

func cloneResourcePermission(rp *entities.ResourcePermission) *entities.ResourcePermission {
	c := *rp
	c.Actions = append([]string(nil), rp.Actions...)
	c.Conditions = entities.CloneMap(rp.Conditions)
	return &c
}

func sortPermissions(perms []*entities.Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Key() != perms[j].Key() {
			return perms[i].Key() < perms[j].Key()
		}
		return perms[i].ID < perms[j].ID
	})
}

func sortResourcePermissions(rps []*entities.ResourcePermission) {
	sort.Slice(rps, func(i, j int) bool {
		if rps[i].Principal() != rps[j].Principal() {
			return rps[i].Principal() < rps[j].Principal()
		}
		return rps[i].ID < rps[j].ID
	})
}

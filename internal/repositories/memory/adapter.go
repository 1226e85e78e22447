package memory

import (
	"context"
	"sort"

	"github.com/asakaida/monban/internal/entities"
)

// GetUserDirectRoles returns the roles of the user's effective assignments, oldest first
func (s *Store) GetUserDirectRoles(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveRoles(userID), nil
}

// GetInheritedRoles returns the ancestors of every given role, one level deep
func (s *Store) GetInheritedRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	seen := make(map[string]struct{})
	for _, id := range roleIDs {
		role, ok := s.roles[id]
		if !ok {
			continue
		}
		for _, ancestor := range role.Ancestors() {
			if _, dup := seen[ancestor]; dup {
				continue
			}
			seen[ancestor] = struct{}{}
			out = append(out, ancestor)
		}
	}
	return out, nil
}

// GetParentRoles returns the ancestors of a single role
func (s *Store) GetParentRoles(ctx context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	role, ok := s.roles[roleID]
	if !ok {
		return nil, nil
	}
	return role.Ancestors(), nil
}

// GetRoleDirectPermissions returns the role's linked permissions with overrides applied
func (s *Store) GetRoleDirectPermissions(ctx context.Context, roleID string) ([]*entities.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rolePermissionsLocked(roleID), nil
}

// GetRoleFieldPermissions unions the field lists of the role's permissions on resourceType
func (s *Store) GetRoleFieldPermissions(ctx context.Context, roleID string, resourceType string) (*entities.FieldPermissions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := entities.NewFieldPermissions()
	for _, perm := range s.rolePermissionsLocked(roleID) {
		if perm.Subject != resourceType && perm.Subject != entities.SubjectAll {
			continue
		}
		fields.Merge(perm.Fields())
	}
	return fields, nil
}

// GetContextFieldPermissions unions the context field rules that apply to the request
func (s *Store) GetContextFieldPermissions(ctx context.Context, user *entities.User, resourceType string, actx *entities.AccessContext) (*entities.FieldPermissions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.fieldRules))
	for id := range s.fieldRules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fields := entities.NewFieldPermissions()
	for _, id := range ids {
		rule := s.fieldRules[id]
		if rule.ResourceType != resourceType || !rule.Applies(user, actx) {
			continue
		}
		fields.Merge(&entities.FieldPermissions{Allowed: rule.AllowedFields, Denied: rule.DeniedFields})
	}
	return fields, nil
}

// GetRoleConditions merges the conditions of the role's permissions matching action and subject
func (s *Store) GetRoleConditions(ctx context.Context, roleID string, action string, subject string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roleConditionsLocked(roleID, action, subject), nil
}

// GetRoleResourceQuery returns the role's conditions for action on resourceType as a query fragment
func (s *Store) GetRoleResourceQuery(ctx context.Context, roleID string, action string, resourceType string) (entities.QueryFilter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entities.QueryFilter(s.roleConditionsLocked(roleID, action, resourceType)), nil
}

// GetResourceConditions merges the conditions of grants on the resource held by the user
// or by one of the roles
func (s *Store) GetResourceConditions(ctx context.Context, userID string, roleIDs []string, action string, resource *entities.Resource) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{})
	if userID == "" || resource == nil || resource.ID == "" {
		return out, nil
	}
	grants := s.principalGrantsLocked(userID, roleIDs)
	for _, rp := range grants {
		if rp.ResourceType != resource.ResourceType() || rp.ResourceID != resource.ID || !rp.Allows(action) {
			continue
		}
		for k, v := range rp.Conditions {
			out[k] = v
		}
	}
	return out, nil
}

// GetUserDirectPermissions returns the permissions granted to the user without a role
func (s *Store) GetUserDirectPermissions(ctx context.Context, userID string) ([]*entities.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var perms []*entities.Permission
	for permID := range s.userPermissions[userID] {
		if perm, ok := s.permissions[permID]; ok {
			perms = append(perms, perm.Clone())
		}
	}
	sortPermissions(perms)
	return perms, nil
}

// GetPrincipalResourcePermissions returns the grants held by the user or by any of the roles
func (s *Store) GetPrincipalResourcePermissions(ctx context.Context, userID string, roleIDs []string) ([]*entities.ResourcePermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principalGrantsLocked(userID, roleIDs), nil
}

// GetABACPolicies returns the enabled policies visible to the tenant
func (s *Store) GetABACPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantPolicies(tenantID, true), nil
}

func (s *Store) effectiveRoles(userID string) []string {
	now := s.now()
	var roleIDs []string
	for _, a := range s.userAssignments(userID) {
		if a.IsEffective(now) {
			roleIDs = append(roleIDs, a.RoleID)
		}
	}
	return roleIDs
}

func (s *Store) rolePermissionsLocked(roleID string) []*entities.Permission {
	links := s.rolePermissions[roleID]
	perms := make([]*entities.Permission, 0, len(links))
	for permID, link := range links {
		perm, ok := s.permissions[permID]
		if !ok {
			continue
		}
		perms = append(perms, link.Apply(perm))
	}
	sortPermissions(perms)
	return perms
}

func (s *Store) roleConditionsLocked(roleID, action, subject string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, perm := range s.rolePermissionsLocked(roleID) {
		if !perm.Matches(action, subject) {
			continue
		}
		for k, v := range perm.Conditions {
			out[k] = v
		}
	}
	return out
}

func (s *Store) principalGrantsLocked(userID string, roleIDs []string) []*entities.ResourcePermission {
	roles := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		roles[id] = struct{}{}
	}
	var out []*entities.ResourcePermission
	for _, rp := range s.resourcePermissions {
		if userID != "" && rp.UserID == userID {
			out = append(out, cloneResourcePermission(rp))
			continue
		}
		if _, ok := roles[rp.RoleID]; ok && rp.RoleID != "" {
			out = append(out, cloneResourcePermission(rp))
		}
	}
	sortResourcePermissions(out)
	return out
}

package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/internal/services/authorization"
)

var (
	// ErrInvalidInput is returned when input fails validation before any I/O
	ErrInvalidInput = errors.New("invalid input")
	// ErrRoleCycle is returned when a role update would make the hierarchy cyclic
	ErrRoleCycle = errors.New("role hierarchy cycle")
	// ErrSystemRole is returned when a system role would be updated or deleted
	ErrSystemRole = errors.New("system role is protected")
	// ErrSystemPermission is returned when a system permission would be updated or deleted
	ErrSystemPermission = errors.New("system permission is protected")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// PermissionOverrides replace fields of a permission for one role link
type PermissionOverrides struct {
	Conditions    map[string]interface{} `json:"conditions,omitempty"`
	AllowedFields []string               `json:"allowedFields,omitempty"`
	DeniedFields  []string               `json:"deniedFields,omitempty"`
}

// AssignmentOptions scope and time-bound a role assignment
type AssignmentOptions struct {
	Scope     string     `json:"scope,omitempty"`
	ScopeType string     `json:"scopeType,omitempty"`
	ValidFrom time.Time  `json:"validFrom,omitzero"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
}

// Principal is the holder of a resource grant: exactly one of UserID and RoleID
type Principal struct {
	UserID string `json:"userId,omitempty"`
	RoleID string `json:"roleId,omitempty"`
}

// RoleHierarchy describes where a role sits in the role graph
type RoleHierarchy struct {
	Role        *entities.Role `json:"role"`
	Ancestors   []string       `json:"ancestors"`
	Descendants []string       `json:"descendants"`
}

// EffectivePermissions is the resolved permission state of a user
type EffectivePermissions struct {
	UserID      string                 `json:"userId"`
	Roles       []string               `json:"roles"`
	Permissions []*entities.Permission `json:"permissions"`
	Rules       []entities.Rule        `json:"rules"`
}

// PermissionService is the administrative layer over the permission store.
//
// Mutations report store failures as a false or nil result (the error is logged),
// and return an error only when input is rejected before any write. Reads return
// store errors. Every successful mutation invalidates the affected cache entries
// before it returns.
type PermissionService struct {
	store  repositories.Store
	engine *authorization.Engine
	logger logrus.FieldLogger
}

// NewPermissionService creates a new PermissionService
func NewPermissionService(store repositories.Store, engine *authorization.Engine, logger logrus.FieldLogger) *PermissionService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PermissionService{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Engine returns the authorization engine the service invalidates
func (s *PermissionService) Engine() *authorization.Engine {
	return s.engine
}

// === Roles ===

// CreateRole creates a role. An empty ID is generated.
func (s *PermissionService) CreateRole(ctx context.Context, role *entities.Role) (*entities.Role, error) {
	if role == nil {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if err := validateEntity(role); err != nil {
		return nil, err
	}
	if err := s.checkCycle(ctx, role.ID, role.Ancestors()); err != nil {
		return nil, err
	}

	if err := s.store.CreateRole(ctx, role); err != nil {
		s.mutationFailed(err, "create role", logrus.Fields{"role_id": role.ID})
		return nil, nil
	}
	// roles may already reference the new ID
	s.invalidateRoleTree(ctx, role.ID)
	return role, nil
}

// UpdateRole replaces a role. System roles cannot be updated.
func (s *PermissionService) UpdateRole(ctx context.Context, role *entities.Role) (*entities.Role, error) {
	if role == nil {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if err := validateEntity(role); err != nil {
		return nil, err
	}

	existing, err := s.store.GetRole(ctx, role.ID)
	if err != nil {
		s.mutationFailed(err, "update role", logrus.Fields{"role_id": role.ID})
		return nil, nil
	}
	if existing.IsSystemRole {
		return nil, fmt.Errorf("%w: %s", ErrSystemRole, role.ID)
	}
	if err := s.checkCycle(ctx, role.ID, role.Ancestors()); err != nil {
		return nil, err
	}

	if err := s.store.UpdateRole(ctx, role); err != nil {
		s.mutationFailed(err, "update role", logrus.Fields{"role_id": role.ID})
		return nil, nil
	}
	s.invalidateRoleTree(ctx, role.ID)
	return role, nil
}

// DeleteRole deletes a role with its links and assignments. Users still holding
// the role are not checked. System roles cannot be deleted.
func (s *PermissionService) DeleteRole(ctx context.Context, roleID string) (bool, error) {
	if roleID == "" {
		return false, fmt.Errorf("%w: role ID is required", ErrInvalidInput)
	}

	existing, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		s.mutationFailed(err, "delete role", logrus.Fields{"role_id": roleID})
		return false, nil
	}
	if existing.IsSystemRole {
		return false, fmt.Errorf("%w: %s", ErrSystemRole, roleID)
	}

	// collect affected entries while the assignments still exist
	roles, users := s.roleTree(ctx, roleID)

	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		s.mutationFailed(err, "delete role", logrus.Fields{"role_id": roleID})
		return false, nil
	}
	s.invalidate(ctx, roles, users)
	return true, nil
}

// GetRole returns a role by ID
func (s *PermissionService) GetRole(ctx context.Context, roleID string) (*entities.Role, error) {
	if roleID == "" {
		return nil, fmt.Errorf("%w: role ID is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// GetRoles lists roles matching the filter (nil lists every role)
func (s *PermissionService) GetRoles(ctx context.Context, filter *repositories.RoleFilter) ([]*entities.Role, error) {
	roles, err := s.store.ListRoles(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// GetRoleHierarchy returns the role with every ancestor and descendant role ID
func (s *PermissionService) GetRoleHierarchy(ctx context.Context, roleID string) (*RoleHierarchy, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}

	ancestors, err := s.ancestors(ctx, role)
	if err != nil {
		return nil, err
	}
	descendants, err := s.descendants(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return &RoleHierarchy{
		Role:        role,
		Ancestors:   ancestors,
		Descendants: descendants[1:],
	}, nil
}

// === Permissions ===

// CreatePermission creates a permission. An empty ID is generated.
func (s *PermissionService) CreatePermission(ctx context.Context, perm *entities.Permission) (*entities.Permission, error) {
	if perm == nil {
		return nil, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	if err := validateEntity(perm); err != nil {
		return nil, err
	}

	if err := s.store.CreatePermission(ctx, perm); err != nil {
		s.mutationFailed(err, "create permission", logrus.Fields{"permission_id": perm.ID})
		return nil, nil
	}
	return perm, nil
}

// UpdatePermission replaces a permission and invalidates every role and user holding it
func (s *PermissionService) UpdatePermission(ctx context.Context, perm *entities.Permission) (*entities.Permission, error) {
	if perm == nil {
		return nil, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	if err := validateEntity(perm); err != nil {
		return nil, err
	}

	existing, err := s.store.GetPermission(ctx, perm.ID)
	if err != nil {
		s.mutationFailed(err, "update permission", logrus.Fields{"permission_id": perm.ID})
		return nil, nil
	}
	if existing.IsSystemPermission {
		return nil, fmt.Errorf("%w: %s", ErrSystemPermission, perm.ID)
	}

	if err := s.store.UpdatePermission(ctx, perm); err != nil {
		s.mutationFailed(err, "update permission", logrus.Fields{"permission_id": perm.ID})
		return nil, nil
	}
	roles, users := s.permissionHolders(ctx, perm.ID)
	s.invalidate(ctx, roles, users)
	return perm, nil
}

// DeletePermission deletes a permission together with its role links and user grants
func (s *PermissionService) DeletePermission(ctx context.Context, permissionID string) (bool, error) {
	if permissionID == "" {
		return false, fmt.Errorf("%w: permission ID is required", ErrInvalidInput)
	}

	existing, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		s.mutationFailed(err, "delete permission", logrus.Fields{"permission_id": permissionID})
		return false, nil
	}
	if existing.IsSystemPermission {
		return false, fmt.Errorf("%w: %s", ErrSystemPermission, permissionID)
	}

	roles, users := s.permissionHolders(ctx, permissionID)
	if err := s.store.DeletePermission(ctx, permissionID); err != nil {
		s.mutationFailed(err, "delete permission", logrus.Fields{"permission_id": permissionID})
		return false, nil
	}
	s.invalidate(ctx, roles, users)
	return true, nil
}

// GetPermission returns a permission by ID
func (s *PermissionService) GetPermission(ctx context.Context, permissionID string) (*entities.Permission, error) {
	if permissionID == "" {
		return nil, fmt.Errorf("%w: permission ID is required", ErrInvalidInput)
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return perm, nil
}

// GetPermissions lists permissions matching the filter (nil lists every permission)
func (s *PermissionService) GetPermissions(ctx context.Context, filter *repositories.PermissionFilter) ([]*entities.Permission, error) {
	perms, err := s.store.ListPermissions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	return perms, nil
}

// === Role-permission links ===

// AssignPermissionToRole links a permission to a role, replacing an existing link
func (s *PermissionService) AssignPermissionToRole(ctx context.Context, roleID, permissionID string, overrides *PermissionOverrides) (bool, error) {
	link := &entities.RolePermission{RoleID: roleID, PermissionID: permissionID}
	if overrides != nil {
		link.OverrideConditions = overrides.Conditions
		link.OverrideAllowedFields = overrides.AllowedFields
		link.OverrideDeniedFields = overrides.DeniedFields
	}
	if err := validate.Struct(link); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.store.AssignPermission(ctx, link); err != nil {
		s.mutationFailed(err, "assign permission to role", logrus.Fields{"role_id": roleID, "permission_id": permissionID})
		return false, nil
	}
	s.invalidateRoleTree(ctx, roleID)
	return true, nil
}

// RemovePermissionFromRole removes a role-permission link
func (s *PermissionService) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) (bool, error) {
	if roleID == "" || permissionID == "" {
		return false, fmt.Errorf("%w: role ID and permission ID are required", ErrInvalidInput)
	}

	if err := s.store.RemovePermission(ctx, roleID, permissionID); err != nil {
		s.mutationFailed(err, "remove permission from role", logrus.Fields{"role_id": roleID, "permission_id": permissionID})
		return false, nil
	}
	s.invalidateRoleTree(ctx, roleID)
	return true, nil
}

// GetRolePermissions returns the permissions linked to the role, with link overrides
// applied. With includeInherited the permissions of every ancestor are included.
func (s *PermissionService) GetRolePermissions(ctx context.Context, roleID string, includeInherited bool) ([]*entities.Permission, error) {
	if roleID == "" {
		return nil, fmt.Errorf("%w: role ID is required", ErrInvalidInput)
	}
	if includeInherited {
		return s.engine.GetRolePermissions(ctx, roleID)
	}

	links, err := s.store.ListRolePermissions(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role permissions: %w", err)
	}
	perms := make([]*entities.Permission, 0, len(links))
	for _, link := range links {
		perm, err := s.store.GetPermission(ctx, link.PermissionID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get permission: %w", err)
		}
		perms = append(perms, link.Apply(perm))
	}
	return perms, nil
}

// === Assignments ===

// AssignRoleToUser assigns a role to a user, replacing an existing assignment of the same role
func (s *PermissionService) AssignRoleToUser(ctx context.Context, userID, roleID string, opts AssignmentOptions) (*entities.UserRoleAssignment, error) {
	assignment := &entities.UserRoleAssignment{
		ID:        uuid.NewString(),
		UserID:    userID,
		RoleID:    roleID,
		Scope:     opts.Scope,
		ScopeType: opts.ScopeType,
		ValidFrom: opts.ValidFrom,
		ValidTo:   opts.ValidTo,
	}
	if err := validateEntity(assignment); err != nil {
		return nil, err
	}

	if err := s.store.AssignRole(ctx, assignment); err != nil {
		s.mutationFailed(err, "assign role to user", logrus.Fields{"user_id": userID, "role_id": roleID})
		return nil, nil
	}
	s.invalidate(ctx, nil, []string{userID})
	return assignment, nil
}

// RemoveRoleFromUser removes a role assignment
func (s *PermissionService) RemoveRoleFromUser(ctx context.Context, userID, roleID string) (bool, error) {
	if userID == "" || roleID == "" {
		return false, fmt.Errorf("%w: user ID and role ID are required", ErrInvalidInput)
	}

	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		s.mutationFailed(err, "remove role from user", logrus.Fields{"user_id": userID, "role_id": roleID})
		return false, nil
	}
	s.invalidate(ctx, nil, []string{userID})
	return true, nil
}

// GetUserRoles returns the IDs of the user's effective direct roles and, with
// includeInherited, every inherited role.
func (s *PermissionService) GetUserRoles(ctx context.Context, userID string, includeInherited bool) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if includeInherited {
		return s.engine.GetEffectiveRoles(ctx, userID)
	}

	assignments, err := s.store.ListUserAssignments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	now := time.Now()
	roles := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if a.IsEffective(now) {
			roles = append(roles, a.RoleID)
		}
	}
	return roles, nil
}

// GetUserAssignments returns every assignment of the user, effective or not
func (s *PermissionService) GetUserAssignments(ctx context.Context, userID string) ([]*entities.UserRoleAssignment, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	assignments, err := s.store.ListUserAssignments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}

// GetUserEffectivePermissions resolves the roles, permissions and compiled rules of
// the user. The context, when given, selects ABAC policies and supplies the user's
// tenant and department.
func (s *PermissionService) GetUserEffectivePermissions(ctx context.Context, userID string, actx *entities.AccessContext) (*EffectivePermissions, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}

	roles, err := s.engine.GetEffectiveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	perms, err := s.engine.GetEffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}

	user := &entities.User{ID: userID}
	if actx != nil {
		user.TenantID = actx.TenantID
		user.Department = actx.Department
	}
	ability, err := s.engine.BuildAbility(ctx, user, actx)
	if err != nil {
		return nil, err
	}

	return &EffectivePermissions{
		UserID:      userID,
		Roles:       roles,
		Permissions: perms,
		Rules:       ability.Rules(),
	}, nil
}

// === Direct user grants ===

// AssignPermissionToUser grants a permission to a user without a role
func (s *PermissionService) AssignPermissionToUser(ctx context.Context, userID, permissionID string) (bool, error) {
	grant := &entities.UserPermission{UserID: userID, PermissionID: permissionID}
	if err := validate.Struct(grant); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.store.GrantUserPermission(ctx, grant); err != nil {
		s.mutationFailed(err, "assign permission to user", logrus.Fields{"user_id": userID, "permission_id": permissionID})
		return false, nil
	}
	s.invalidate(ctx, nil, []string{userID})
	return true, nil
}

// RemovePermissionFromUser revokes a direct grant
func (s *PermissionService) RemovePermissionFromUser(ctx context.Context, userID, permissionID string) (bool, error) {
	if userID == "" || permissionID == "" {
		return false, fmt.Errorf("%w: user ID and permission ID are required", ErrInvalidInput)
	}

	if err := s.store.RevokeUserPermission(ctx, userID, permissionID); err != nil {
		s.mutationFailed(err, "remove permission from user", logrus.Fields{"user_id": userID, "permission_id": permissionID})
		return false, nil
	}
	s.invalidate(ctx, nil, []string{userID})
	return true, nil
}

// === Resource permissions ===

// SetResourcePermission grants actions on one resource instance to a user or a role,
// replacing the principal's existing grant on the resource.
func (s *PermissionService) SetResourcePermission(ctx context.Context, resourceType, resourceID string, principal Principal, actions []string, conditions map[string]interface{}) (*entities.ResourcePermission, error) {
	rp := &entities.ResourcePermission{
		ID:           uuid.NewString(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       principal.UserID,
		RoleID:       principal.RoleID,
		Actions:      actions,
		Conditions:   conditions,
	}
	if err := validateEntity(rp); err != nil {
		return nil, err
	}

	if err := s.store.SetResourcePermission(ctx, rp); err != nil {
		s.mutationFailed(err, "set resource permission", logrus.Fields{
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"principal":     rp.Principal(),
		})
		return nil, nil
	}
	s.invalidatePrincipal(ctx, principal)
	return rp, nil
}

// DeleteResourcePermission removes a grant from a resource instance
func (s *PermissionService) DeleteResourcePermission(ctx context.Context, resourceType, resourceID, grantID string) (bool, error) {
	if resourceType == "" || resourceID == "" || grantID == "" {
		return false, fmt.Errorf("%w: resource type, resource ID and grant ID are required", ErrInvalidInput)
	}

	grants, err := s.store.ListResourcePermissions(ctx, resourceType, resourceID)
	if err != nil {
		s.mutationFailed(err, "delete resource permission", logrus.Fields{"grant_id": grantID})
		return false, nil
	}
	var principal *Principal
	for _, g := range grants {
		if g.ID == grantID {
			principal = &Principal{UserID: g.UserID, RoleID: g.RoleID}
			break
		}
	}
	if principal == nil {
		s.mutationFailed(repositories.ErrNotFound, "delete resource permission", logrus.Fields{"grant_id": grantID})
		return false, nil
	}

	if err := s.store.DeleteResourcePermission(ctx, grantID); err != nil {
		s.mutationFailed(err, "delete resource permission", logrus.Fields{"grant_id": grantID})
		return false, nil
	}
	s.invalidatePrincipal(ctx, *principal)
	return true, nil
}

// GetResourcePermissions returns the grants on one resource instance
func (s *PermissionService) GetResourcePermissions(ctx context.Context, resourceType, resourceID string) ([]*entities.ResourcePermission, error) {
	if resourceType == "" || resourceID == "" {
		return nil, fmt.Errorf("%w: resource type and resource ID are required", ErrInvalidInput)
	}
	grants, err := s.store.ListResourcePermissions(ctx, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource permissions: %w", err)
	}
	return grants, nil
}

// === ABAC policies and context field rules ===

// CreatePolicy validates the policy's CEL expression and stores it.
// Policies apply to every user of their tenant, so the whole cache is cleared.
func (s *PermissionService) CreatePolicy(ctx context.Context, policy *entities.ABACPolicy) (*entities.ABACPolicy, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: policy is required", ErrInvalidInput)
	}
	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	if err := validateEntity(policy); err != nil {
		return nil, err
	}
	if err := s.engine.CEL().ValidateExpression(policy.Expression); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.store.CreatePolicy(ctx, policy); err != nil {
		s.mutationFailed(err, "create policy", logrus.Fields{"policy_id": policy.ID})
		return nil, nil
	}
	s.clearCache(ctx)
	return policy, nil
}

// DeletePolicy deletes an ABAC policy
func (s *PermissionService) DeletePolicy(ctx context.Context, policyID string) (bool, error) {
	if policyID == "" {
		return false, fmt.Errorf("%w: policy ID is required", ErrInvalidInput)
	}
	if err := s.store.DeletePolicy(ctx, policyID); err != nil {
		s.mutationFailed(err, "delete policy", logrus.Fields{"policy_id": policyID})
		return false, nil
	}
	s.clearCache(ctx)
	return true, nil
}

// GetPolicies lists the policies of a tenant, including global ones
func (s *PermissionService) GetPolicies(ctx context.Context, tenantID string) ([]*entities.ABACPolicy, error) {
	policies, err := s.store.ListPolicies(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// CreateContextFieldRule stores a field rule conditioned on the request context
func (s *PermissionService) CreateContextFieldRule(ctx context.Context, rule *entities.ContextFieldRule) (*entities.ContextFieldRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := validateEntity(rule); err != nil {
		return nil, err
	}

	if err := s.store.CreateContextFieldRule(ctx, rule); err != nil {
		s.mutationFailed(err, "create context field rule", logrus.Fields{"rule_id": rule.ID})
		return nil, nil
	}
	s.clearCache(ctx)
	return rule, nil
}

// DeleteContextFieldRule deletes a context field rule
func (s *PermissionService) DeleteContextFieldRule(ctx context.Context, ruleID string) (bool, error) {
	if ruleID == "" {
		return false, fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}
	if err := s.store.DeleteContextFieldRule(ctx, ruleID); err != nil {
		s.mutationFailed(err, "delete context field rule", logrus.Fields{"rule_id": ruleID})
		return false, nil
	}
	s.clearCache(ctx)
	return true, nil
}

// === Cache invalidation ===

// InvalidateUserPermissionCache drops every cached result of the user
func (s *PermissionService) InvalidateUserPermissionCache(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	return s.engine.InvalidateUser(ctx, userID)
}

// InvalidateRolePermissionCache drops the cached results of the role, of every
// descendant role and of every user holding one of them.
func (s *PermissionService) InvalidateRolePermissionCache(ctx context.Context, roleID string) error {
	if roleID == "" {
		return fmt.Errorf("%w: role ID is required", ErrInvalidInput)
	}
	roles, users := s.roleTree(ctx, roleID)
	return s.invalidate(ctx, roles, users)
}

func (s *PermissionService) invalidateRoleTree(ctx context.Context, roleID string) {
	roles, users := s.roleTree(ctx, roleID)
	s.invalidate(ctx, roles, users)
}

func (s *PermissionService) invalidatePrincipal(ctx context.Context, p Principal) {
	if p.UserID != "" {
		s.invalidate(ctx, nil, []string{p.UserID})
		return
	}
	s.invalidateRoleTree(ctx, p.RoleID)
}

// invalidate drops the entries of roles and users. Failures are logged and the
// first one is returned.
func (s *PermissionService) invalidate(ctx context.Context, roles, users []string) error {
	var first error
	for _, roleID := range roles {
		if err := s.engine.InvalidateRole(ctx, roleID); err != nil {
			s.logger.WithError(err).WithField("role_id", roleID).Error("failed to invalidate role cache")
			if first == nil {
				first = err
			}
		}
	}
	for _, userID := range users {
		if err := s.engine.InvalidateUser(ctx, userID); err != nil {
			s.logger.WithError(err).WithField("user_id", userID).Error("failed to invalidate user cache")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (s *PermissionService) clearCache(ctx context.Context) {
	if err := s.engine.ClearCache(ctx); err != nil {
		s.logger.WithError(err).Error("failed to clear permission cache")
	}
}

// roleTree returns the role with its descendants and the users holding any of them
func (s *PermissionService) roleTree(ctx context.Context, roleID string) ([]string, []string) {
	roles, err := s.descendants(ctx, roleID)
	if err != nil {
		s.logger.WithError(err).WithField("role_id", roleID).Warn("failed to resolve descendant roles")
		roles = []string{roleID}
	}

	var users []string
	seen := make(map[string]struct{})
	for _, id := range roles {
		holders, err := s.store.ListRoleUsers(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("role_id", id).Warn("failed to list role users")
			continue
		}
		for _, u := range holders {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
	}
	return roles, users
}

// permissionHolders returns the roles (with descendants) and users affected by a permission
func (s *PermissionService) permissionHolders(ctx context.Context, permissionID string) ([]string, []string) {
	linked, err := s.store.GetPermissionRoles(ctx, permissionID)
	if err != nil {
		s.logger.WithError(err).WithField("permission_id", permissionID).Warn("failed to list permission roles")
	}
	direct, err := s.store.GetPermissionUsers(ctx, permissionID)
	if err != nil {
		s.logger.WithError(err).WithField("permission_id", permissionID).Warn("failed to list permission users")
	}

	var roles []string
	users := append([]string(nil), direct...)
	for _, roleID := range linked {
		r, u := s.roleTree(ctx, roleID)
		roles = append(roles, r...)
		users = append(users, u...)
	}
	return roles, users
}

// descendants returns roleID followed by every role inheriting from it, breadth first
func (s *PermissionService) descendants(ctx context.Context, roleID string) ([]string, error) {
	out := []string{roleID}
	visited := map[string]struct{}{roleID: {}}
	for i := 0; i < len(out); i++ {
		children, err := s.store.GetChildRoles(ctx, out[i])
		if err != nil {
			return nil, fmt.Errorf("failed to get child roles of %s: %w", out[i], err)
		}
		for _, c := range children {
			if _, seen := visited[c]; seen {
				continue
			}
			visited[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out, nil
}

// ancestors returns every role the given role inherits from, breadth first.
// Roles that do not exist are skipped.
func (s *PermissionService) ancestors(ctx context.Context, role *entities.Role) ([]string, error) {
	var out []string
	visited := map[string]struct{}{role.ID: {}}
	queue := role.Ancestors()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		out = append(out, id)

		parent, err := s.store.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get role %s: %w", id, err)
		}
		queue = append(queue, parent.Ancestors()...)
	}
	return out, nil
}

// checkCycle rejects parents that already inherit, directly or not, from roleID
func (s *PermissionService) checkCycle(ctx context.Context, roleID string, parents []string) error {
	visited := map[string]struct{}{}
	queue := append([]string(nil), parents...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == roleID {
			return fmt.Errorf("%w: %s would inherit from itself", ErrRoleCycle, roleID)
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		parent, err := s.store.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to check role hierarchy: %w", err)
		}
		queue = append(queue, parent.Ancestors()...)
	}
	return nil
}

func (s *PermissionService) mutationFailed(err error, op string, fields logrus.Fields) {
	s.logger.WithError(err).WithFields(fields).Errorf("failed to %s", op)
}

// validateEntity runs struct tag validation and the entity's own checks
func validateEntity(v interface{ Validate() error }) error {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return errEmptyEntry
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

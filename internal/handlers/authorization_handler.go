package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/internal/services"
)

// AuthorizationHandler serves the administrative API: roles, permissions,
// assignments, direct and resource grants, ABAC policies and cache invalidation
type AuthorizationHandler struct {
	service *services.PermissionService
	logger  logrus.FieldLogger
}

// NewAuthorizationHandler creates a new AuthorizationHandler
func NewAuthorizationHandler(service *services.PermissionService, logger logrus.FieldLogger) *AuthorizationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuthorizationHandler{service: service, logger: logger}
}

// === Roles ===

func (h *AuthorizationHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	var filter *repositories.RoleFilter
	q := r.URL.Query()
	if tenant := q.Get("tenantId"); tenant != "" || queryBool(r, "systemOnly") {
		filter = &repositories.RoleFilter{
			TenantID:      tenant,
			IncludeGlobal: queryBool(r, "includeGlobal"),
			SystemOnly:    queryBool(r, "systemOnly"),
		}
	}
	roles, err := h.service.GetRoles(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (h *AuthorizationHandler) createRole(w http.ResponseWriter, r *http.Request) {
	var role entities.Role
	if err := decodeJSON(r, &role); err != nil {
		writeError(w, h.logger, err)
		return
	}
	created, err := h.service.CreateRole(r.Context(), &role)
	if err := applied(created != nil, err, "role "+role.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AuthorizationHandler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.service.GetRole(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (h *AuthorizationHandler) updateRole(w http.ResponseWriter, r *http.Request) {
	var role entities.Role
	if err := decodeJSON(r, &role); err != nil {
		writeError(w, h.logger, err)
		return
	}
	role.ID = chi.URLParam(r, "roleID")
	updated, err := h.service.UpdateRole(r.Context(), &role)
	if err := applied(updated != nil, err, "role "+role.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AuthorizationHandler) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	ok, err := h.service.DeleteRole(r.Context(), roleID)
	if err := applied(ok, err, "role "+roleID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthorizationHandler) getRoleHierarchy(w http.ResponseWriter, r *http.Request) {
	hierarchy, err := h.service.GetRoleHierarchy(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, hierarchy)
}

func (h *AuthorizationHandler) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.GetRolePermissions(r.Context(), chi.URLParam(r, "roleID"), queryBool(r, "inherited"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (h *AuthorizationHandler) assignPermissionToRole(w http.ResponseWriter, r *http.Request) {
	var overrides *services.PermissionOverrides
	if r.ContentLength != 0 {
		overrides = &services.PermissionOverrides{}
		if err := decodeJSON(r, overrides); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	roleID, permID := chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID")
	ok, err := h.service.AssignPermissionToRole(r.Context(), roleID, permID, overrides)
	if err := applied(ok, err, "link "+roleID+"/"+permID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthorizationHandler) removePermissionFromRole(w http.ResponseWriter, r *http.Request) {
	roleID, permID := chi.URLParam(r, "roleID"), chi.URLParam(r, "permissionID")
	ok, err := h.service.RemovePermissionFromRole(r.Context(), roleID, permID)
	if err := applied(ok, err, "link "+roleID+"/"+permID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Permissions ===

func (h *AuthorizationHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	var filter *repositories.PermissionFilter
	q := r.URL.Query()
	if q.Get("action") != "" || q.Get("subject") != "" {
		filter = &repositories.PermissionFilter{Action: q.Get("action"), Subject: q.Get("subject")}
	}
	perms, err := h.service.GetPermissions(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (h *AuthorizationHandler) createPermission(w http.ResponseWriter, r *http.Request) {
	var perm entities.Permission
	if err := decodeJSON(r, &perm); err != nil {
		writeError(w, h.logger, err)
		return
	}
	created, err := h.service.CreatePermission(r.Context(), &perm)
	if err := applied(created != nil, err, "permission "+perm.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AuthorizationHandler) getPermission(w http.ResponseWriter, r *http.Request) {
	perm, err := h.service.GetPermission(r.Context(), chi.URLParam(r, "permissionID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (h *AuthorizationHandler) updatePermission(w http.ResponseWriter, r *http.Request) {
	var perm entities.Permission
	if err := decodeJSON(r, &perm); err != nil {
		writeError(w, h.logger, err)
		return
	}
	perm.ID = chi.URLParam(r, "permissionID")
	updated, err := h.service.UpdatePermission(r.Context(), &perm)
	if err := applied(updated != nil, err, "permission "+perm.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AuthorizationHandler) deletePermission(w http.ResponseWriter, r *http.Request) {
	permID := chi.URLParam(r, "permissionID")
	ok, err := h.service.DeletePermission(r.Context(), permID)
	if err := applied(ok, err, "permission "+permID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Users ===

type assignRoleRequest struct {
	RoleID    string     `json:"roleId"`
	Scope     string     `json:"scope,omitempty"`
	ScopeType string     `json:"scopeType,omitempty"`
	ValidFrom time.Time  `json:"validFrom,omitzero"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
}

func (h *AuthorizationHandler) getUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if queryBool(r, "assignments") {
		assignments, err := h.service.GetUserAssignments(r.Context(), userID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, assignments)
		return
	}
	roles, err := h.service.GetUserRoles(r.Context(), userID, queryBool(r, "inherited"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (h *AuthorizationHandler) assignRoleToUser(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	assignment, err := h.service.AssignRoleToUser(r.Context(), userID, req.RoleID, services.AssignmentOptions{
		Scope:     req.Scope,
		ScopeType: req.ScopeType,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
	})
	if err := applied(assignment != nil, err, "assignment "+userID+"/"+req.RoleID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (h *AuthorizationHandler) removeRoleFromUser(w http.ResponseWriter, r *http.Request) {
	userID, roleID := chi.URLParam(r, "userID"), chi.URLParam(r, "roleID")
	ok, err := h.service.RemoveRoleFromUser(r.Context(), userID, roleID)
	if err := applied(ok, err, "assignment "+userID+"/"+roleID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getUserPermissions resolves effective permissions; the tenant and department
// query parameters build the access context
func (h *AuthorizationHandler) getUserPermissions(w http.ResponseWriter, r *http.Request) {
	var actx *entities.AccessContext
	q := r.URL.Query()
	if q.Get("tenantId") != "" || q.Get("department") != "" {
		actx = &entities.AccessContext{TenantID: q.Get("tenantId"), Department: q.Get("department")}
	}
	eff, err := h.service.GetUserEffectivePermissions(r.Context(), chi.URLParam(r, "userID"), actx)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

type grantPermissionRequest struct {
	PermissionID string `json:"permissionId"`
}

func (h *AuthorizationHandler) assignPermissionToUser(w http.ResponseWriter, r *http.Request) {
	var req grantPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	userID := chi.URLParam(r, "userID")
	ok, err := h.service.AssignPermissionToUser(r.Context(), userID, req.PermissionID)
	if err := applied(ok, err, "user permission "+userID+"/"+req.PermissionID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthorizationHandler) removePermissionFromUser(w http.ResponseWriter, r *http.Request) {
	userID, permID := chi.URLParam(r, "userID"), chi.URLParam(r, "permissionID")
	ok, err := h.service.RemovePermissionFromUser(r.Context(), userID, permID)
	if err := applied(ok, err, "user permission "+userID+"/"+permID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Resource grants ===

type resourcePermissionRequest struct {
	UserID     string                 `json:"userId,omitempty"`
	RoleID     string                 `json:"roleId,omitempty"`
	Actions    []string               `json:"actions"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
}

func (h *AuthorizationHandler) getResourcePermissions(w http.ResponseWriter, r *http.Request) {
	grants, err := h.service.GetResourcePermissions(r.Context(), chi.URLParam(r, "resourceType"), chi.URLParam(r, "resourceID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (h *AuthorizationHandler) setResourcePermission(w http.ResponseWriter, r *http.Request) {
	var req resourcePermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	resType, resID := chi.URLParam(r, "resourceType"), chi.URLParam(r, "resourceID")
	grant, err := h.service.SetResourcePermission(r.Context(), resType, resID,
		services.Principal{UserID: req.UserID, RoleID: req.RoleID}, req.Actions, req.Conditions)
	if err := applied(grant != nil, err, "resource permission "+resType+"/"+resID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *AuthorizationHandler) deleteResourcePermission(w http.ResponseWriter, r *http.Request) {
	resType, resID, grantID := chi.URLParam(r, "resourceType"), chi.URLParam(r, "resourceID"), chi.URLParam(r, "grantID")
	ok, err := h.service.DeleteResourcePermission(r.Context(), resType, resID, grantID)
	if err := applied(ok, err, "resource permission "+grantID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Policies ===

func (h *AuthorizationHandler) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.GetPolicies(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (h *AuthorizationHandler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var policy entities.ABACPolicy
	if err := decodeJSON(r, &policy); err != nil {
		writeError(w, h.logger, err)
		return
	}
	created, err := h.service.CreatePolicy(r.Context(), &policy)
	if err := applied(created != nil, err, "policy "+policy.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AuthorizationHandler) deletePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	ok, err := h.service.DeletePolicy(r.Context(), policyID)
	if err := applied(ok, err, "policy "+policyID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthorizationHandler) createContextFieldRule(w http.ResponseWriter, r *http.Request) {
	var rule entities.ContextFieldRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, h.logger, err)
		return
	}
	created, err := h.service.CreateContextFieldRule(r.Context(), &rule)
	if err := applied(created != nil, err, "context field rule "+rule.ID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AuthorizationHandler) deleteContextFieldRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")
	ok, err := h.service.DeleteContextFieldRule(r.Context(), ruleID)
	if err := applied(ok, err, "context field rule "+ruleID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Cache ===

func (h *AuthorizationHandler) invalidateUserCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.InvalidateUserPermissionCache(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthorizationHandler) invalidateRoleCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.InvalidateRolePermissionCache(r.Context(), chi.URLParam(r, "roleID")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

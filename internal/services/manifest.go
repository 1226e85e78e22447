package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
)

// Manifest is a declarative set of permission data applied through the service.
//
// Example:
//
//	roles:
//	  - id: EDITOR
//	    name: Editor
//	    parentRoleId: USER
//	permissions:
//	  - id: article-update
//	    action: update
//	    subject: article
//	    conditions: {authorId: "${user.id}"}
//	rolePermissions:
//	  - {roleId: EDITOR, permissionId: article-update}
//	assignments:
//	  - {userId: alice, roleId: EDITOR}
type Manifest struct {
	Roles               []*entities.Role               `yaml:"roles"`
	Permissions         []*entities.Permission         `yaml:"permissions"`
	RolePermissions     []*entities.RolePermission     `yaml:"rolePermissions"`
	Assignments         []*entities.UserRoleAssignment `yaml:"assignments"`
	UserPermissions     []*entities.UserPermission     `yaml:"userPermissions"`
	ResourcePermissions []*entities.ResourcePermission `yaml:"resourcePermissions"`
	Policies            []*entities.ABACPolicy         `yaml:"policies"`
	ContextFieldRules   []*entities.ContextFieldRule   `yaml:"contextFieldRules"`
}

var errEmptyEntry = fmt.Errorf("%w: empty entry", ErrInvalidInput)

// ManifestResult counts the entries applied and the entries the store rejected
type ManifestResult struct {
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// LoadManifestFile reads and validates a YAML manifest from disk
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadManifest(bytes.NewReader(data))
}

// LoadManifest decodes and validates a YAML manifest. Unknown keys are rejected.
func LoadManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrInvalidInput, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry and the references between them.
// Links may reference roles and permissions that already exist in the store.
func (m *Manifest) Validate() error {
	var errs []error
	add := func(kind string, i int, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
		}
	}

	roles := make(map[string]struct{}, len(m.Roles))
	for i, r := range m.Roles {
		if r == nil {
			add("roles", i, errEmptyEntry)
			continue
		}
		add("roles", i, validateEntity(r))
		if _, dup := roles[r.ID]; dup {
			add("roles", i, fmt.Errorf("%w: duplicate role %s", ErrInvalidInput, r.ID))
		}
		roles[r.ID] = struct{}{}
	}
	if err := manifestCycle(m.Roles); err != nil {
		errs = append(errs, err)
	}

	perms := make(map[string]struct{}, len(m.Permissions))
	for i, p := range m.Permissions {
		if p == nil {
			add("permissions", i, errEmptyEntry)
			continue
		}
		add("permissions", i, validateEntity(p))
		if _, dup := perms[p.ID]; dup {
			add("permissions", i, fmt.Errorf("%w: duplicate permission %s", ErrInvalidInput, p.ID))
		}
		perms[p.ID] = struct{}{}
	}
	for i, l := range m.RolePermissions {
		if err := validate.Struct(l); err != nil {
			add("rolePermissions", i, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
	}
	for i, a := range m.Assignments {
		add("assignments", i, validateEntity(a))
	}
	for i, g := range m.UserPermissions {
		if err := validate.Struct(g); err != nil {
			add("userPermissions", i, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
	}
	for i, rp := range m.ResourcePermissions {
		add("resourcePermissions", i, validateEntity(rp))
	}
	for i, p := range m.Policies {
		add("policies", i, validateEntity(p))
	}
	for i, r := range m.ContextFieldRules {
		add("contextFieldRules", i, validateEntity(r))
	}
	return errors.Join(errs...)
}

// manifestCycle reports a cycle among the declared roles
func manifestCycle(roles []*entities.Role) error {
	parents := make(map[string][]string, len(roles))
	for _, r := range roles {
		if r != nil {
			parents[r.ID] = r.Ancestors()
		}
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(roles))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: role %s", ErrRoleCycle, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, p := range parents[id] {
			if err := visit(p); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range parents {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// ApplyManifest writes the manifest through the service in dependency order:
// roles, permissions, links, assignments, direct grants, resource grants,
// policies and context field rules. Existing roles and permissions are updated.
// Entries the store rejects are counted and reported; validation errors abort.
func (s *PermissionService) ApplyManifest(ctx context.Context, m *Manifest) (*ManifestResult, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	res := &ManifestResult{}
	record := func(ok bool, err error, what string) error {
		switch {
		case errors.Is(err, ErrSystemRole), errors.Is(err, ErrSystemPermission):
			res.Failed++
			res.Errors = append(res.Errors, what+": "+err.Error())
		case err != nil:
			return fmt.Errorf("%s: %w", what, err)
		case ok:
			res.Applied++
		default:
			res.Failed++
			res.Errors = append(res.Errors, what)
		}
		return nil
	}

	for _, r := range m.Roles {
		var got *entities.Role
		var err error
		if s.exists(ctx, func(ctx context.Context) error { _, err := s.store.GetRole(ctx, r.ID); return err }) {
			got, err = s.UpdateRole(ctx, r)
		} else {
			got, err = s.CreateRole(ctx, r)
		}
		if err := record(got != nil, err, "role "+r.ID); err != nil {
			return res, err
		}
	}

	for _, p := range m.Permissions {
		var got *entities.Permission
		var err error
		if s.exists(ctx, func(ctx context.Context) error { _, err := s.store.GetPermission(ctx, p.ID); return err }) {
			got, err = s.UpdatePermission(ctx, p)
		} else {
			got, err = s.CreatePermission(ctx, p)
		}
		if err := record(got != nil, err, "permission "+p.ID); err != nil {
			return res, err
		}
	}

	for _, l := range m.RolePermissions {
		ok, err := s.AssignPermissionToRole(ctx, l.RoleID, l.PermissionID, &PermissionOverrides{
			Conditions:    l.OverrideConditions,
			AllowedFields: l.OverrideAllowedFields,
			DeniedFields:  l.OverrideDeniedFields,
		})
		if err := record(ok, err, "link "+l.RoleID+"/"+l.PermissionID); err != nil {
			return res, err
		}
	}

	for _, a := range m.Assignments {
		got, err := s.AssignRoleToUser(ctx, a.UserID, a.RoleID, AssignmentOptions{
			Scope:     a.Scope,
			ScopeType: a.ScopeType,
			ValidFrom: a.ValidFrom,
			ValidTo:   a.ValidTo,
		})
		if err := record(got != nil, err, "assignment "+a.UserID+"/"+a.RoleID); err != nil {
			return res, err
		}
	}

	for _, g := range m.UserPermissions {
		ok, err := s.AssignPermissionToUser(ctx, g.UserID, g.PermissionID)
		if err := record(ok, err, "user permission "+g.UserID+"/"+g.PermissionID); err != nil {
			return res, err
		}
	}

	for _, rp := range m.ResourcePermissions {
		got, err := s.SetResourcePermission(ctx, rp.ResourceType, rp.ResourceID,
			Principal{UserID: rp.UserID, RoleID: rp.RoleID}, rp.Actions, rp.Conditions)
		if err := record(got != nil, err, "resource permission "+rp.ResourceType+"/"+rp.ResourceID); err != nil {
			return res, err
		}
	}

	for _, p := range m.Policies {
		got, err := s.CreatePolicy(ctx, p)
		if err := record(got != nil, err, "policy "+p.ID); err != nil {
			return res, err
		}
	}

	for _, r := range m.ContextFieldRules {
		got, err := s.CreateContextFieldRule(ctx, r)
		if err := record(got != nil, err, "context field rule "+r.ID); err != nil {
			return res, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"applied": res.Applied,
		"failed":  res.Failed,
	}).Info("manifest applied")
	return res, nil
}

func (s *PermissionService) exists(ctx context.Context, get func(context.Context) error) bool {
	err := get(ctx)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		s.logger.WithError(err).Warn("failed to look up existing manifest entry")
	}
	return err == nil
}

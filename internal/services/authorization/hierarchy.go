package authorization

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/asakaida/monban/internal/entities"
)

// GetEffectiveRoles returns the user's directly assigned roles followed by every
// inherited role in discovery order, without duplicates. Cycles in the role graph
// are tolerated.
func (e *Engine) GetEffectiveRoles(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidArgument)
	}

	ctx, span := e.startSpan(ctx, "GetEffectiveRoles", attribute.String("user.id", userID))
	defer span.End()

	roles, err := fetch(ctx, e.cache, opRoles, e.cacheKey(opRoles, userID, "", "", ""),
		func(ctx context.Context) ([]string, error) {
			return e.resolveEffectiveRoles(ctx, userID)
		})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("roles.count", len(roles)))
	return roles, nil
}

func (e *Engine) resolveEffectiveRoles(ctx context.Context, userID string) ([]string, error) {
	direct, err := e.adapter.GetUserDirectRoles(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct roles of user %s: %w", userID, err)
	}

	roles := make([]string, 0, len(direct))
	visited := make(map[string]struct{}, len(direct))
	visit := func(ids []string) []string {
		var discovered []string
		for _, id := range ids {
			if _, seen := visited[id]; seen || id == "" {
				continue
			}
			visited[id] = struct{}{}
			roles = append(roles, id)
			discovered = append(discovered, id)
		}
		return discovered
	}

	frontier := visit(direct)
	for len(frontier) > 0 {
		inherited, err := e.adapter.GetInheritedRoles(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("failed to get inherited roles: %w", err)
		}
		frontier = visit(inherited)
	}
	return roles, nil
}

// GetRolePermissions returns the role's own permissions followed by those of its
// ancestors, deduplicated by permission ID (action:subject when the ID is empty).
// A permission linked to both a role and its ancestor keeps the role's overrides.
func (e *Engine) GetRolePermissions(ctx context.Context, roleID string) ([]*entities.Permission, error) {
	if roleID == "" {
		return nil, fmt.Errorf("%w: role ID is required", ErrInvalidArgument)
	}

	ctx, span := e.startSpan(ctx, "GetRolePermissions", attribute.String("role.id", roleID))
	defer span.End()

	perms, err := fetch(ctx, e.cache, opRolePermissions, e.cacheKey(opRolePermissions, "", "", roleID, ""),
		func(ctx context.Context) ([]*entities.Permission, error) {
			collected, err := e.collectRolePermissions(ctx, roleID, make(map[string]struct{}))
			if err != nil {
				return nil, err
			}
			return dedupPermissions(collected), nil
		})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return perms, nil
}

func (e *Engine) collectRolePermissions(ctx context.Context, roleID string, visited map[string]struct{}) ([]*entities.Permission, error) {
	if _, seen := visited[roleID]; seen {
		return nil, nil
	}
	visited[roleID] = struct{}{}

	perms, err := e.adapter.GetRoleDirectPermissions(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get permissions of role %s: %w", roleID, err)
	}
	parents, err := e.adapter.GetParentRoles(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get parent roles of %s: %w", roleID, err)
	}

	out := append([]*entities.Permission(nil), perms...)
	for _, parent := range parents {
		inherited, err := e.collectRolePermissions(ctx, parent, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, inherited...)
	}
	return out, nil
}

// GetEffectivePermissions returns the permissions of every effective role of the
// user plus the permissions granted to the user directly, deduplicated.
func (e *Engine) GetEffectivePermissions(ctx context.Context, userID string) ([]*entities.Permission, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidArgument)
	}

	return fetch(ctx, e.cache, opEffective, e.cacheKey(opEffective, userID, "", "", ""),
		func(ctx context.Context) ([]*entities.Permission, error) {
			roles, err := e.GetEffectiveRoles(ctx, userID)
			if err != nil {
				return nil, err
			}
			var all []*entities.Permission
			for _, roleID := range roles {
				perms, err := e.GetRolePermissions(ctx, roleID)
				if err != nil {
					return nil, err
				}
				all = append(all, perms...)
			}
			direct, err := e.adapter.GetUserDirectPermissions(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("failed to get direct permissions of user %s: %w", userID, err)
			}
			return dedupPermissions(append(all, direct...)), nil
		})
}

func dedupPermissions(perms []*entities.Permission) []*entities.Permission {
	out := make([]*entities.Permission, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if p == nil {
			continue
		}
		id := p.ID
		if id == "" {
			id = p.Key()
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (e *Engine) cacheKey(operation, userID, action, subject, contextKey string) string {
	if e.cache == nil {
		return ""
	}
	return e.cache.Key(operation, userID, action, subject, contextKey)
}

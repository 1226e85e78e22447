package authorization

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/asakaida/monban/internal/entities"
)

// GetPermissionConditions returns the row-level conditions for user performing action
// on subject. The map is seeded with userId and the context tenant, then role conditions
// and, for object subjects, instance grant conditions are merged in that order; a later
// source overwrites keys of an earlier one.
func (e *Engine) GetPermissionConditions(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) (map[string]interface{}, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	subjectType, res, isObject := resolveSubject(subject)
	subjectKey := subjectType
	if isObject && res.ID != "" {
		subjectKey = subjectType + "#" + res.ID
	}

	ctx, span := e.startSpan(ctx, "GetPermissionConditions",
		attribute.String("user.id", user.ID),
		attribute.String("action", action),
		attribute.String("subject", subjectKey),
	)
	defer span.End()

	conds, err := fetch(ctx, e.cache, opConditions, e.cacheKey(opConditions, user.ID, action, subjectKey, scopeKey(user, actx)),
		func(ctx context.Context) (map[string]interface{}, error) {
			conds := map[string]interface{}{"userId": user.ID}
			if actx != nil && actx.TenantID != "" {
				conds["tenantId"] = actx.TenantID
			}

			roles, err := e.GetEffectiveRoles(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			perRole, err := e.fanOutRoles(ctx, roles, func(ctx context.Context, roleID string) (map[string]interface{}, error) {
				c, err := e.adapter.GetRoleConditions(ctx, roleID, action, subjectType)
				if err != nil {
					return nil, fmt.Errorf("failed to get conditions of role %s: %w", roleID, err)
				}
				return c, nil
			})
			if err != nil {
				return nil, err
			}
			for _, c := range perRole {
				mergeConditions(conds, interpolateConditions(c, user, actx))
			}

			if isObject {
				// grants held through inherited roles count as well
				rc, err := e.adapter.GetResourceConditions(ctx, user.ID, roles, action, res)
				if err != nil {
					return nil, fmt.Errorf("failed to get resource conditions: %w", err)
				}
				mergeConditions(conds, interpolateConditions(rc, user, actx))
			}
			return conds, nil
		})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return conds, nil
}

// GetAccessibleResourceQuery returns a query skeleton selecting the resources of
// subjectType the user may perform action on: an ownership OR branch, the tenant
// filter and every role's query fragment merged verbatim.
func (e *Engine) GetAccessibleResourceQuery(ctx context.Context, user *entities.User, action string, subjectType string, actx *entities.AccessContext) (entities.QueryFilter, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	if subjectType == "" {
		return nil, fmt.Errorf("%w: subject type is required", ErrInvalidArgument)
	}

	ctx, span := e.startSpan(ctx, "GetAccessibleResourceQuery",
		attribute.String("user.id", user.ID),
		attribute.String("action", action),
		attribute.String("subject", subjectType),
	)
	defer span.End()

	query, err := fetch(ctx, e.cache, opQuery, e.cacheKey(opQuery, user.ID, action, subjectType, scopeKey(user, actx)),
		func(ctx context.Context) (entities.QueryFilter, error) {
			query := entities.QueryFilter{
				entities.QueryOr: []entities.QueryFilter{
					{"userId": user.ID},
					{"createdBy": user.ID},
				},
			}
			tenantID := user.TenantID
			if actx != nil && actx.TenantID != "" {
				tenantID = actx.TenantID
			}
			if tenantID != "" {
				query["tenantId"] = tenantID
			}

			roles, err := e.GetEffectiveRoles(ctx, user.ID)
			if err != nil {
				return nil, err
			}
			fragments, err := e.fanOutRoles(ctx, roles, func(ctx context.Context, roleID string) (map[string]interface{}, error) {
				q, err := e.adapter.GetRoleResourceQuery(ctx, roleID, action, subjectType)
				if err != nil {
					return nil, fmt.Errorf("failed to get resource query of role %s: %w", roleID, err)
				}
				return q, nil
			})
			if err != nil {
				return nil, err
			}
			for _, q := range fragments {
				query.Merge(interpolateConditions(q, user, actx))
			}
			return query, nil
		})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return query, nil
}

// fanOutRoles calls fn for every role concurrently and returns the results in role order
func (e *Engine) fanOutRoles(ctx context.Context, roles []string, fn func(context.Context, string) (map[string]interface{}, error)) ([]map[string]interface{}, error) {
	results := make([]map[string]interface{}, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	for i, roleID := range roles {
		g.Go(func() error {
			r, err := fn(gctx, roleID)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

package authorization

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/asakaida/monban/internal/entities"
)

// GetFieldPermissions returns the field policy of the user for the resource's type:
// the union over effective roles and, when actx is given, context field rules,
// with denied fields removed from the allowed ones.
func (e *Engine) GetFieldPermissions(ctx context.Context, user *entities.User, resource interface{}, actx *entities.AccessContext) (*entities.FieldPermissions, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}
	resourceType, _, _ := resolveSubject(resource)

	ctx, span := e.startSpan(ctx, "GetFieldPermissions",
		attribute.String("user.id", user.ID),
		attribute.String("resource.type", resourceType),
	)
	defer span.End()

	fields, err := fetch(ctx, e.cache, opFields, e.cacheKey(opFields, user.ID, "", resourceType, scopeKey(user, actx)),
		func(ctx context.Context) (*entities.FieldPermissions, error) {
			return e.resolveFieldPermissions(ctx, user, resourceType, actx)
		})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	return fields, nil
}

func (e *Engine) resolveFieldPermissions(ctx context.Context, user *entities.User, resourceType string, actx *entities.AccessContext) (*entities.FieldPermissions, error) {
	roles, err := e.GetEffectiveRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	perRole := make([]*entities.FieldPermissions, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	for i, roleID := range roles {
		g.Go(func() error {
			fp, err := e.adapter.GetRoleFieldPermissions(gctx, roleID, resourceType)
			if err != nil {
				return fmt.Errorf("failed to get field permissions of role %s: %w", roleID, err)
			}
			perRole[i] = fp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := entities.NewFieldPermissions()
	for _, fp := range perRole {
		merged.Merge(fp)
	}

	if actx != nil {
		fp, err := e.adapter.GetContextFieldPermissions(ctx, user, resourceType, actx)
		if err != nil {
			return nil, fmt.Errorf("failed to get context field permissions: %w", err)
		}
		merged.Merge(fp)
	}

	return merged.Resolve(), nil
}

// FilterObjectFields returns the resource's attributes restricted to the fields
// the user may see. Without any field policy the attributes are returned unchanged.
func (e *Engine) FilterObjectFields(ctx context.Context, user *entities.User, resource interface{}, actx *entities.AccessContext) (map[string]interface{}, error) {
	res, ok := toResource(resource)
	if !ok {
		return nil, fmt.Errorf("%w: resource must be an object", ErrInvalidArgument)
	}

	fields, err := e.GetFieldPermissions(ctx, user, res, actx)
	if err != nil {
		return nil, err
	}
	return filterFields(res.Attributes, fields), nil
}

func filterFields(attrs map[string]interface{}, fields *entities.FieldPermissions) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	if fields.IsEmpty() {
		for k, v := range attrs {
			out[k] = v
		}
		return out
	}

	denied := make(map[string]struct{}, len(fields.Denied))
	for _, f := range fields.Denied {
		denied[f] = struct{}{}
	}

	if len(fields.Allowed) > 0 {
		for _, f := range fields.Allowed {
			if _, no := denied[f]; no {
				continue
			}
			if v, ok := attrs[f]; ok {
				out[f] = v
			}
		}
		return out
	}

	for k, v := range attrs {
		if _, no := denied[k]; !no {
			out[k] = v
		}
	}
	return out
}

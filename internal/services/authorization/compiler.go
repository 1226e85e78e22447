package authorization

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/asakaida/monban/internal/entities"
)

// Rule sources recorded on compiled rules
const (
	SourceRBAC     = "rbac"
	SourceABAC     = "abac"
	SourceDirect   = "direct"
	SourceResource = "resource"
	SourceField    = "field"
)

// BuildAbility compiles the ability of user under actx. Layers are appended in order
// (RBAC, ABAC, direct user permissions and resource grants, field denials), so a later
// layer overrides an earlier one for the same action and subject. With tenant isolation
// enabled, a cross-tenant request gets a final "manage all" deny after every layer.
func (e *Engine) BuildAbility(ctx context.Context, user *entities.User, actx *entities.AccessContext) (*Ability, error) {
	if err := requireUser(user); err != nil {
		return nil, err
	}

	ctx, span := e.startSpan(ctx, "BuildAbility", attribute.String("user.id", user.ID))
	defer span.End()

	rules, err := fetch(ctx, e.cache, opAbility, e.cacheKey(opAbility, user.ID, "", "", scopeKey(user, actx)),
		func(ctx context.Context) ([]entities.Rule, error) {
			return e.compileRules(ctx, user, actx)
		})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("rules.count", len(rules)))
	return NewAbility(rules), nil
}

// Check reports whether user may perform action on subject.
// subject is a type name or an object (*entities.Resource, map, struct).
func (e *Engine) Check(ctx context.Context, user *entities.User, action string, subject interface{}, actx *entities.AccessContext) (bool, error) {
	started := time.Now()
	if action == "" {
		return false, fmt.Errorf("%w: action is required", ErrInvalidArgument)
	}

	ability, err := e.BuildAbility(ctx, user, actx)
	if err != nil {
		return false, err
	}
	allowed := ability.Can(action, subject)
	e.observeDecision("check", allowed, started)
	return allowed, nil
}

func (e *Engine) compileRules(ctx context.Context, user *entities.User, actx *entities.AccessContext) ([]entities.Rule, error) {
	roles, err := e.GetEffectiveRoles(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	rules := []entities.Rule{}
	var fieldScoped []*entities.Permission

	// RBAC
	for _, roleID := range roles {
		if e.IsSuperRole(roleID) {
			rules = append(rules, entities.Rule{
				Effect:  entities.EffectAllow,
				Action:  entities.ActionManage,
				Subject: entities.SubjectAll,
				Source:  SourceRBAC,
			})
			continue
		}
		perms, err := e.GetRolePermissions(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			rules = append(rules, permissionRule(p, user, actx, SourceRBAC))
			if len(p.DeniedFields) > 0 {
				fieldScoped = append(fieldScoped, p)
			}
		}
	}

	// ABAC
	abac, err := e.abacRules(ctx, user, actx)
	if err != nil {
		return nil, err
	}
	rules = append(rules, abac...)

	// Direct user permissions and instance grants
	direct, err := e.adapter.GetUserDirectPermissions(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct permissions of user %s: %w", user.ID, err)
	}
	for _, p := range direct {
		rules = append(rules, permissionRule(p, user, actx, SourceDirect))
		if len(p.DeniedFields) > 0 {
			fieldScoped = append(fieldScoped, p)
		}
	}

	grants, err := e.adapter.GetPrincipalResourcePermissions(ctx, user.ID, roles)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource grants of user %s: %w", user.ID, err)
	}
	for _, g := range grants {
		rules = append(rules, grantRules(g, user, actx)...)
	}

	// Field denials
	for _, p := range fieldScoped {
		rules = append(rules, entities.Rule{
			Effect:     entities.EffectDeny,
			Action:     p.Action,
			Subject:    p.Subject,
			Conditions: interpolateConditions(p.Conditions, user, actx),
			Fields:     append([]string(nil), p.DeniedFields...),
			Source:     SourceField,
		})
	}

	// Tenant isolation comes last so no grant can cross tenants
	if e.crossTenant(user, actx) {
		rules = append(rules, entities.Rule{
			Effect:  entities.EffectDeny,
			Action:  entities.ActionManage,
			Subject: entities.SubjectAll,
			Source:  SourceABAC,
		})
	}

	return rules, nil
}

// abacRules evaluates the persistent policies of the request tenant
func (e *Engine) abacRules(ctx context.Context, user *entities.User, actx *entities.AccessContext) ([]entities.Rule, error) {
	tenantID := user.TenantID
	if actx != nil && actx.TenantID != "" {
		tenantID = actx.TenantID
	}

	policies, err := e.adapter.GetABACPolicies(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get ABAC policies: %w", err)
	}

	var rules []entities.Rule
	if len(policies) > 0 {
		vars := NewEvaluationContext(user, actx)
		for _, p := range policies {
			matched, err := e.cel.Evaluate(p.Expression, vars)
			if err != nil {
				// a failing deny policy still applies
				e.logger.WithError(err).WithFields(logrus.Fields{
					"policy_id": p.ID,
					"user_id":   user.ID,
				}).Warn("ABAC policy evaluation failed")
				matched = p.Effect == entities.EffectDeny
			}
			if !matched {
				continue
			}
			rules = append(rules, entities.Rule{
				Effect:     p.Effect,
				Action:     p.Action,
				Subject:    p.Subject,
				Conditions: interpolateConditions(p.Conditions, user, actx),
				Fields:     append([]string(nil), p.Fields...),
				Source:     SourceABAC,
			})
		}
	}
	return rules, nil
}

// crossTenant reports whether the request context names a tenant other than the user's
func (e *Engine) crossTenant(user *entities.User, actx *entities.AccessContext) bool {
	return e.tenantIsolation && user.TenantID != "" && actx != nil && actx.TenantID != "" && actx.TenantID != user.TenantID
}

func permissionRule(p *entities.Permission, user *entities.User, actx *entities.AccessContext, source string) entities.Rule {
	return entities.Rule{
		Effect:     entities.EffectAllow,
		Action:     p.Action,
		Subject:    p.Subject,
		Conditions: interpolateConditions(p.Conditions, user, actx),
		Fields:     append([]string(nil), p.AllowedFields...),
		Source:     source,
	}
}

// grantRules turns an instance grant into one rule per action, scoped to the resource ID
func grantRules(g *entities.ResourcePermission, user *entities.User, actx *entities.AccessContext) []entities.Rule {
	rules := make([]entities.Rule, 0, len(g.Actions))
	for _, action := range g.Actions {
		conds := map[string]interface{}{"id": g.ResourceID}
		mergeConditions(conds, interpolateConditions(g.Conditions, user, actx))
		rules = append(rules, entities.Rule{
			Effect:     entities.EffectAllow,
			Action:     action,
			Subject:    g.ResourceType,
			Conditions: conds,
			Source:     SourceResource,
		})
	}
	return rules
}

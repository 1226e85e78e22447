package authorization

import (
	"github.com/asakaida/monban/internal/entities"
)

// Ability is a compiled, read-only rule list for one user and access context.
// Rules are evaluated from last to first; the first rule that matches decides.
type Ability struct {
	rules []entities.Rule
}

// NewAbility creates an ability from rules in insertion order
func NewAbility(rules []entities.Rule) *Ability {
	return &Ability{rules: append([]entities.Rule(nil), rules...)}
}

// Rules returns a copy of the compiled rules
func (a *Ability) Rules() []entities.Rule {
	return append([]entities.Rule(nil), a.rules...)
}

// Can reports whether action is permitted on subject.
// subject is a type name or an object (*entities.Resource, map, struct). When fields
// are given, every field must be permitted.
func (a *Ability) Can(action string, subject interface{}, fields ...string) bool {
	if len(fields) == 0 {
		return a.allowed(action, subject, "")
	}
	for _, f := range fields {
		if !a.allowed(action, subject, f) {
			return false
		}
	}
	return true
}

// Cannot is the negation of Can
func (a *Ability) Cannot(action string, subject interface{}, fields ...string) bool {
	return !a.Can(action, subject, fields...)
}

// CanAccess checks an action against one resource instance.
// Unlike Can, a bare type name is never sufficient.
func (a *Ability) CanAccess(action string, resource interface{}, fields ...string) bool {
	if _, ok := toResource(resource); !ok {
		return false
	}
	return a.Can(action, resource, fields...)
}

// PermittedFields returns the subset of fields the action is permitted on
func (a *Ability) PermittedFields(action string, subject interface{}, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if a.allowed(action, subject, f) {
			out = append(out, f)
		}
	}
	return out
}

// RelevantRule returns the rule deciding the query, or nil when no rule matches
func (a *Ability) RelevantRule(action string, subject interface{}, field string) *entities.Rule {
	subjectType, res, isObject := resolveSubject(subject)

	for i := len(a.rules) - 1; i >= 0; i-- {
		rule := &a.rules[i]
		if !rule.MatchesAction(action) || !rule.MatchesSubject(subjectType) || !rule.MatchesField(field) {
			continue
		}
		if len(rule.Conditions) > 0 {
			if !isObject {
				// a conditional grant may apply to some instance; a conditional denial cannot deny the whole type
				if rule.Inverted() {
					continue
				}
				return rule
			}
			if !matchConditions(rule.Conditions, res) {
				continue
			}
		}
		return rule
	}
	return nil
}

func (a *Ability) allowed(action string, subject interface{}, field string) bool {
	rule := a.RelevantRule(action, subject, field)
	return rule != nil && !rule.Inverted()
}

// resolveSubject returns the type name of subject and, for objects, the resource view of it
func resolveSubject(subject interface{}) (string, *entities.Resource, bool) {
	if res, ok := toResource(subject); ok {
		return res.ResourceType(), res, true
	}
	return entities.ResolveResourceType(subject), nil, false
}

package entities

// Rule is one entry of a compiled ability.
// Rules are evaluated in insertion order and the last matching rule wins.
type Rule struct {
	Effect     Effect                 `json:"effect"`
	Action     string                 `json:"action"`
	Subject    string                 `json:"subject"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
	Fields     []string               `json:"fields,omitempty"`
	Source     string                 `json:"source,omitempty"` // rbac, abac, direct, resource, field
}

// Inverted reports whether the rule revokes rather than grants.
func (r *Rule) Inverted() bool {
	return r.Effect == EffectDeny
}

// MatchesAction reports whether the rule applies to the action
func (r *Rule) MatchesAction(action string) bool {
	return r.Action == action || r.Action == ActionManage
}

// MatchesSubject reports whether the rule applies to the subject type
func (r *Rule) MatchesSubject(subject string) bool {
	return r.Subject == subject || r.Subject == SubjectAll
}

// MatchesField reports whether the rule applies to the field.
// A rule without fields applies to every field. When no field is queried,
// a field-scoped allow rule applies and a field-scoped deny rule does not.
func (r *Rule) MatchesField(field string) bool {
	if len(r.Fields) == 0 {
		return true
	}
	if field == "" {
		return !r.Inverted()
	}
	return contains(r.Fields, field)
}

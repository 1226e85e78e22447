package entities

import (
	"fmt"
	"time"
)

// Effect is the outcome a rule contributes when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ABACPolicy is a persistent attribute-based rule.
// When Expression evaluates to true for the user and request context, a rule with
// Effect is added to the compiled ability.
// Example: deny "delete" on "invoice" when `request.hour < 8 || request.hour >= 18`
type ABACPolicy struct {
	ID         string                 `json:"id" yaml:"id" validate:"required,max=128"`
	Name       string                 `json:"name" yaml:"name"`
	TenantID   string                 `json:"tenantId,omitempty" yaml:"tenantId"`               // Empty = all tenants
	Effect     Effect                 `json:"effect" yaml:"effect" validate:"oneof=allow deny"`
	Action     string                 `json:"action" yaml:"action" validate:"required"`
	Subject    string                 `json:"subject" yaml:"subject" validate:"required"`
	Expression string                 `json:"expression" yaml:"expression" validate:"required"` // CEL, must return bool
	Conditions map[string]interface{} `json:"conditions,omitempty" yaml:"conditions"`
	Fields     []string               `json:"fields,omitempty" yaml:"fields"`
	Priority   int                    `json:"priority" yaml:"priority"`                         // Lower evaluates first
	Enabled    bool                   `json:"enabled" yaml:"enabled"`
	CreatedAt  time.Time              `json:"createdAt" yaml:"-"`
	UpdatedAt  time.Time              `json:"updatedAt" yaml:"-"`
}

// Validate checks if the policy is valid
func (p *ABACPolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy ID is required")
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("invalid policy effect: %q", p.Effect)
	}
	if p.Action == "" {
		return fmt.Errorf("policy action is required")
	}
	if p.Subject == "" {
		return fmt.Errorf("policy subject is required")
	}
	if p.Expression == "" {
		return fmt.Errorf("policy expression is required")
	}
	return nil
}

// ContextFieldRule exposes or hides fields of a resource type when the request
// context matches every entry of Match.
// Example: Match {"department": "hr"} allows "salary" on "employee"
type ContextFieldRule struct {
	ID            string            `json:"id" yaml:"id" validate:"required,max=128"`
	ResourceType  string            `json:"resourceType" yaml:"resourceType" validate:"required"`
	TenantID      string            `json:"tenantId,omitempty" yaml:"tenantId"`
	Match         map[string]string `json:"match" yaml:"match"`
	AllowedFields []string          `json:"allowedFields,omitempty" yaml:"allowedFields"`
	DeniedFields  []string          `json:"deniedFields,omitempty" yaml:"deniedFields"`
	CreatedAt     time.Time         `json:"createdAt" yaml:"-"`
}

// Validate checks if the rule is valid
func (r *ContextFieldRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if len(r.AllowedFields) == 0 && len(r.DeniedFields) == 0 {
		return fmt.Errorf("at least one allowed or denied field is required")
	}
	return nil
}

// Applies reports whether the rule matches the user and request context.
func (r *ContextFieldRule) Applies(user *User, actx *AccessContext) bool {
	if r.TenantID != "" {
		tenant := ""
		if actx != nil && actx.TenantID != "" {
			tenant = actx.TenantID
		} else if user != nil {
			tenant = user.TenantID
		}
		if tenant != r.TenantID {
			return false
		}
	}
	if len(r.Match) == 0 {
		return true
	}
	if actx == nil {
		return false
	}
	for key, want := range r.Match {
		if got, ok := actx.Lookup(key); !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

package entities

import (
	"fmt"
	"time"
)

const (
	// ActionManage matches every action.
	ActionManage = "manage"
	// SubjectAll matches every subject type.
	SubjectAll = "all"
)

// Permission grants an action on a subject type.
// Example: action "read" on subject "user" limited to {"tenantId": "${user.tenantId}"}
type Permission struct {
	ID                 string                 `json:"id" yaml:"id" validate:"required,max=128"`
	Name               string                 `json:"name" yaml:"name" validate:"max=255"`
	Description        string                 `json:"description,omitempty" yaml:"description"`
	Action             string                 `json:"action" yaml:"action" validate:"required,max=64"`
	Subject            string                 `json:"subject" yaml:"subject" validate:"required,max=128"`
	Conditions         map[string]interface{} `json:"conditions,omitempty" yaml:"conditions"`
	AllowedFields      []string               `json:"allowedFields,omitempty" yaml:"allowedFields"`
	DeniedFields       []string               `json:"deniedFields,omitempty" yaml:"deniedFields"`
	IsSystemPermission bool                   `json:"isSystemPermission" yaml:"isSystemPermission"`
	CreatedAt          time.Time              `json:"createdAt" yaml:"-"`
	UpdatedAt          time.Time              `json:"updatedAt" yaml:"-"`
}

// Key returns the action:subject composite identity of the permission
func (p *Permission) Key() string {
	return p.Action + ":" + p.Subject
}

// String returns a string representation of the permission
func (p *Permission) String() string {
	if p.Name != "" {
		return fmt.Sprintf("%s (%s)", p.Name, p.Key())
	}
	return p.Key()
}

// Validate checks if the permission is valid
func (p *Permission) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("permission ID is required")
	}
	if p.Action == "" {
		return fmt.Errorf("permission action is required")
	}
	if p.Subject == "" {
		return fmt.Errorf("permission subject is required")
	}
	return nil
}

// Matches reports whether the permission applies to the given action and subject type.
func (p *Permission) Matches(action, subject string) bool {
	actionOK := p.Action == action || p.Action == ActionManage
	subjectOK := p.Subject == subject || p.Subject == SubjectAll
	return actionOK && subjectOK
}

// Fields returns the field-level policy carried by the permission.
func (p *Permission) Fields() *FieldPermissions {
	return &FieldPermissions{
		Allowed: append([]string(nil), p.AllowedFields...),
		Denied:  append([]string(nil), p.DeniedFields...),
	}
}

// Clone returns a deep copy of the permission.
func (p *Permission) Clone() *Permission {
	c := *p
	c.Conditions = CloneMap(p.Conditions)
	c.AllowedFields = append([]string(nil), p.AllowedFields...)
	c.DeniedFields = append([]string(nil), p.DeniedFields...)
	return &c
}

// RolePermission links a permission to a role.
// Non-empty overrides replace the corresponding field of the base permission.
type RolePermission struct {
	RoleID                string                 `json:"roleId" yaml:"roleId" validate:"required"`
	PermissionID          string                 `json:"permissionId" yaml:"permissionId" validate:"required"`
	OverrideConditions    map[string]interface{} `json:"overrideConditions,omitempty" yaml:"overrideConditions"`
	OverrideAllowedFields []string               `json:"overrideAllowedFields,omitempty" yaml:"overrideAllowedFields"`
	OverrideDeniedFields  []string               `json:"overrideDeniedFields,omitempty" yaml:"overrideDeniedFields"`
	CreatedAt             time.Time              `json:"createdAt" yaml:"-"`
}

// Apply returns a copy of p with the link's overrides applied.
func (rp *RolePermission) Apply(p *Permission) *Permission {
	out := p.Clone()
	if len(rp.OverrideConditions) > 0 {
		out.Conditions = CloneMap(rp.OverrideConditions)
	}
	if len(rp.OverrideAllowedFields) > 0 {
		out.AllowedFields = append([]string(nil), rp.OverrideAllowedFields...)
	}
	if len(rp.OverrideDeniedFields) > 0 {
		out.DeniedFields = append([]string(nil), rp.OverrideDeniedFields...)
	}
	return out
}

// UserPermission grants a permission directly to a user, bypassing roles.
type UserPermission struct {
	UserID       string    `json:"userId" yaml:"userId" validate:"required"`
	PermissionID string    `json:"permissionId" yaml:"permissionId" validate:"required"`
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
}

// CloneMap returns a shallow copy of m, or nil when m is empty.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

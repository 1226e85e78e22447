package entities

import (
	"fmt"
	"time"
)

// UserRoleAssignment assigns a role to a user, optionally scoped and time-bounded.
// Example: user "alice" holds "project-editor" with scope "proj-1" of type "project"
type UserRoleAssignment struct {
	ID        string     `json:"id" yaml:"id"`
	UserID    string     `json:"userId" yaml:"userId" validate:"required,max=128"`
	RoleID    string     `json:"roleId" yaml:"roleId" validate:"required,max=128"`
	Scope     string     `json:"scope,omitempty" yaml:"scope"`
	ScopeType string     `json:"scopeType,omitempty" yaml:"scopeType"`
	ValidFrom time.Time  `json:"validFrom" yaml:"validFrom"`
	ValidTo   *time.Time `json:"validTo,omitempty" yaml:"validTo"` // nil = no expiry
	CreatedAt time.Time  `json:"createdAt" yaml:"-"`
}

// Validate checks if the assignment is valid
func (a *UserRoleAssignment) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if a.RoleID == "" {
		return fmt.Errorf("role ID is required")
	}
	if (a.Scope == "") != (a.ScopeType == "") {
		return fmt.Errorf("scope and scope type must be set together")
	}
	if a.ValidTo != nil && !a.ValidFrom.IsZero() && a.ValidTo.Before(a.ValidFrom) {
		return fmt.Errorf("validTo must not be before validFrom")
	}
	return nil
}

// IsEffective reports whether validFrom <= now <= validTo (validTo nil = open ended).
func (a *UserRoleAssignment) IsEffective(now time.Time) bool {
	if !a.ValidFrom.IsZero() && now.Before(a.ValidFrom) {
		return false
	}
	if a.ValidTo != nil && now.After(*a.ValidTo) {
		return false
	}
	return true
}

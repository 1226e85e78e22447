package entities

import (
	"fmt"
	"time"
)

// Role represents a named group of permissions.
// A role inherits every permission of its parent role and of each role listed in Inherits.
type Role struct {
	ID           string    `json:"id" yaml:"id" validate:"required,max=128"`
	Name         string    `json:"name" yaml:"name" validate:"required,max=255"`
	Description  string    `json:"description,omitempty" yaml:"description"`
	ParentRoleID string    `json:"parentRoleId,omitempty" yaml:"parentRoleId" validate:"omitempty,max=128,nefield=ID"` // Single-parent inheritance (optional)
	Inherits     []string  `json:"inherits,omitempty" yaml:"inherits" validate:"dive,required,max=128"`                // Multi-inheritance (optional)
	IsSystemRole bool      `json:"isSystemRole" yaml:"isSystemRole"`                                                   // Protected from update and delete
	TenantID     string    `json:"tenantId,omitempty" yaml:"tenantId"`                                                 // Empty = global role
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"-"`
}

// Validate checks if the role is valid
func (r *Role) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("role ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("role name is required")
	}
	if r.ParentRoleID == r.ID {
		return fmt.Errorf("role %s cannot be its own parent", r.ID)
	}
	for _, id := range r.Inherits {
		if id == r.ID {
			return fmt.Errorf("role %s cannot inherit from itself", r.ID)
		}
	}
	return nil
}

// Ancestors returns the parent role followed by the explicitly inherited roles, deduplicated.
func (r *Role) Ancestors() []string {
	ids := make([]string, 0, len(r.Inherits)+1)
	seen := make(map[string]struct{}, len(r.Inherits)+1)
	if r.ParentRoleID != "" {
		ids = append(ids, r.ParentRoleID)
		seen[r.ParentRoleID] = struct{}{}
	}
	for _, id := range r.Inherits {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// HasAncestor reports whether id is a direct parent or inherited role.
func (r *Role) HasAncestor(id string) bool {
	for _, a := range r.Ancestors() {
		if a == id {
			return true
		}
	}
	return false
}

package entities

import (
	"fmt"
	"time"
)

// ResourcePermission grants actions on one resource instance to a user or a role.
// Exactly one of UserID and RoleID is set.
type ResourcePermission struct {
	ID           string                 `json:"id" yaml:"id"`
	ResourceType string                 `json:"resourceType" yaml:"resourceType" validate:"required,max=128"`
	ResourceID   string                 `json:"resourceId" yaml:"resourceId" validate:"required,max=255"`
	UserID       string                 `json:"userId,omitempty" yaml:"userId" validate:"required_without=RoleID,excluded_with=RoleID"`
	RoleID       string                 `json:"roleId,omitempty" yaml:"roleId"`
	Actions      []string               `json:"actions" yaml:"actions" validate:"required,min=1,dive,required"`
	Conditions   map[string]interface{} `json:"conditions,omitempty" yaml:"conditions"`
	CreatedAt    time.Time              `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time              `json:"updatedAt" yaml:"-"`
}

// Validate checks if the resource permission is valid
func (rp *ResourcePermission) Validate() error {
	if rp.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if rp.ResourceID == "" {
		return fmt.Errorf("resource ID is required")
	}
	if (rp.UserID == "") == (rp.RoleID == "") {
		return fmt.Errorf("exactly one of user ID and role ID is required")
	}
	if len(rp.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	return nil
}

// Allows reports whether the grant covers the action.
func (rp *ResourcePermission) Allows(action string) bool {
	for _, a := range rp.Actions {
		if a == action || a == ActionManage {
			return true
		}
	}
	return false
}

// Principal returns "user:<id>" or "role:<id>".
func (rp *ResourcePermission) Principal() string {
	if rp.UserID != "" {
		return "user:" + rp.UserID
	}
	return "role:" + rp.RoleID
}

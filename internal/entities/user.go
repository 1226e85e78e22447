package entities

import (
	"encoding/json"
	"time"
)

// User is the authenticated principal a permission decision is made for.
type User struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenantId,omitempty"`
	Department string                 `json:"department,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AsMap returns the user as a flat attribute map (attributes first, well-known fields last).
func (u *User) AsMap() map[string]interface{} {
	out := make(map[string]interface{}, len(u.Attributes)+3)
	for k, v := range u.Attributes {
		out[k] = v
	}
	out["id"] = u.ID
	out["tenantId"] = u.TenantID
	out["department"] = u.Department
	return out
}

// AccessContext carries request attributes used by attribute-based rules.
type AccessContext struct {
	TenantID   string                 `json:"tenantId,omitempty"`
	Department string                 `json:"department,omitempty"`
	Location   string                 `json:"location,omitempty"`
	DeviceType string                 `json:"deviceType,omitempty"`
	IPAddress  string                 `json:"ipAddress,omitempty"`
	Time       time.Time              `json:"time,omitzero"` // Zero = evaluation time
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Key returns a stable serialization of the context for cache keys.
// encoding/json sorts map keys, so equal contexts yield equal keys.
func (c *AccessContext) Key() string {
	if c == nil {
		return ""
	}
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	if string(data) == "{}" {
		return ""
	}
	return string(data)
}

// Now returns the evaluation instant of the context.
func (c *AccessContext) Now() time.Time {
	if c == nil || c.Time.IsZero() {
		return time.Now()
	}
	return c.Time
}

// Lookup returns a context attribute by name. Well-known fields take precedence over Attributes.
func (c *AccessContext) Lookup(key string) (interface{}, bool) {
	if c == nil {
		return nil, false
	}
	switch key {
	case "tenantId":
		return c.TenantID, c.TenantID != ""
	case "department":
		return c.Department, c.Department != ""
	case "location":
		return c.Location, c.Location != ""
	case "deviceType":
		return c.DeviceType, c.DeviceType != ""
	case "ipAddress":
		return c.IPAddress, c.IPAddress != ""
	}
	v, ok := c.Attributes[key]
	return v, ok
}

// AsMap returns the context as a flat attribute map.
func (c *AccessContext) AsMap() map[string]interface{} {
	if c == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(c.Attributes)+5)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out["tenantId"] = c.TenantID
	out["department"] = c.Department
	out["location"] = c.Location
	out["deviceType"] = c.DeviceType
	out["ipAddress"] = c.IPAddress
	return out
}

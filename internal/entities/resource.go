package entities

import (
	"fmt"
	"reflect"
)

// UnknownResourceType is returned when a resource type cannot be determined.
const UnknownResourceType = "unknown"

// Typed is implemented by values that name their own resource type.
type Typed interface {
	ResourceType() string
}

// Resource is an object-valued subject: one instance of a resource type.
type Resource struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ResourceType implements Typed
func (r *Resource) ResourceType() string {
	if r.Type != "" {
		return r.Type
	}
	return typeFromMap(r.Attributes)
}

// Get returns an attribute of the resource. "id" falls back to Resource.ID.
func (r *Resource) Get(key string) (interface{}, bool) {
	if v, ok := r.Attributes[key]; ok {
		return v, true
	}
	if key == "id" && r.ID != "" {
		return r.ID, true
	}
	return nil, false
}

// ResourceFromMap builds a Resource from a plain attribute map,
// reading the type from type/_type/__typename and the ID from id.
func ResourceFromMap(m map[string]interface{}) *Resource {
	r := &Resource{Attributes: m}
	r.Type = typeFromMap(m)
	if id, ok := m["id"]; ok && id != nil {
		r.ID = fmt.Sprint(id)
	}
	return r
}

// ResolveResourceType determines the resource type name of a subject.
// Resolution order: Typed, type/_type/__typename map keys, Go struct type name, "unknown".
// A string is taken as the type name itself.
func ResolveResourceType(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return UnknownResourceType
	case string:
		if s == "" {
			return UnknownResourceType
		}
		return s
	case Typed:
		if t := s.ResourceType(); t != "" && t != UnknownResourceType {
			return t
		}
		return UnknownResourceType
	case map[string]interface{}:
		return typeFromMap(s)
	}

	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() == reflect.Struct && t.Name() != "" {
		return t.Name()
	}
	return UnknownResourceType
}

func typeFromMap(m map[string]interface{}) string {
	for _, key := range []string{"type", "_type", "__typename"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return UnknownResourceType
}

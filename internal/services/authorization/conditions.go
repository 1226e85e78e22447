package authorization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/asakaida/monban/internal/entities"
)

// templatePattern matches ${user.<attr>} and ${context.<attr>} placeholders
var templatePattern = regexp.MustCompile(`\$\{(user|context)\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateConditions replaces condition templates with user and context values.
// A placeholder spanning the whole string keeps the resolved value's type; unresolved
// placeholders are left as-is so the condition cannot match.
func interpolateConditions(conds map[string]interface{}, user *entities.User, actx *entities.AccessContext) map[string]interface{} {
	if len(conds) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(conds))
	for k, v := range conds {
		out[k] = interpolateValue(v, user, actx)
	}
	return out
}

func interpolateValue(v interface{}, user *entities.User, actx *entities.AccessContext) interface{} {
	switch val := v.(type) {
	case string:
		return interpolateString(val, user, actx)
	case map[string]interface{}:
		return interpolateConditions(val, user, actx)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, user, actx)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = interpolateString(item, user, actx)
		}
		return out
	}
	return v
}

func interpolateString(s string, user *entities.User, actx *entities.AccessContext) interface{} {
	if !strings.Contains(s, "${") {
		return s
	}
	if m := templatePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if resolved, ok := resolveTemplate(m[1], m[2], user, actx); ok {
			return resolved
		}
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		m := templatePattern.FindStringSubmatch(match)
		if resolved, ok := resolveTemplate(m[1], m[2], user, actx); ok {
			return fmt.Sprint(resolved)
		}
		return match
	})
}

func resolveTemplate(scope, attr string, user *entities.User, actx *entities.AccessContext) (interface{}, bool) {
	switch scope {
	case "user":
		if user == nil {
			return nil, false
		}
		switch attr {
		case "id":
			return user.ID, user.ID != ""
		case "tenantId":
			return user.TenantID, user.TenantID != ""
		case "department":
			return user.Department, user.Department != ""
		}
		v, ok := user.Attributes[attr]
		return v, ok
	case "context":
		return actx.Lookup(attr)
	}
	return nil, false
}

// mergeConditions copies src into dst; later keys overwrite earlier ones
func mergeConditions(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

// matchConditions reports whether the resource satisfies every condition.
// Values are compared for equality; a list value means membership; operator maps
// support $eq, $ne, $in, $nin and $exists. Unknown operators never match.
func matchConditions(conds map[string]interface{}, res *entities.Resource) bool {
	for key, want := range conds {
		got, present := lookupAttribute(res, key)
		if !matchValue(got, present, want) {
			return false
		}
	}
	return true
}

func matchValue(got interface{}, present bool, want interface{}) bool {
	if ops, ok := operatorMap(want); ok {
		for op, arg := range ops {
			switch op {
			case "$eq":
				if !present || !equalValues(got, arg) {
					return false
				}
			case "$ne":
				if present && equalValues(got, arg) {
					return false
				}
			case "$in":
				if !present || !inList(got, arg) {
					return false
				}
			case "$nin":
				if present && inList(got, arg) {
					return false
				}
			case "$exists":
				exists, _ := arg.(bool)
				if present != exists {
					return false
				}
			default:
				return false
			}
		}
		return true
	}

	if !present {
		return false
	}
	if isList(want) {
		return inList(got, want)
	}
	return equalValues(got, want)
}

func operatorMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// lookupAttribute resolves a possibly dotted attribute path on the resource
func lookupAttribute(res *entities.Resource, key string) (interface{}, bool) {
	if res == nil {
		return nil, false
	}
	if key == "id" && res.ID != "" {
		return res.ID, true
	}
	if v, ok := res.Get(key); ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}
	cur, ok := res.Get(parts[0])
	if !ok {
		return nil, false
	}
	for _, part := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func equalValues(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func inList(v, list interface{}) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equalValues(v, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func isList(v interface{}) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toResource converts an object-valued subject to a Resource.
// It returns false for type-name subjects (strings) and nil.
func toResource(subject interface{}) (*entities.Resource, bool) {
	switch s := subject.(type) {
	case nil, string:
		return nil, false
	case *entities.Resource:
		if s == nil {
			return nil, false
		}
		return s, true
	case entities.Resource:
		return &s, true
	case map[string]interface{}:
		return entities.ResourceFromMap(s), true
	}

	data, err := json.Marshal(subject)
	if err != nil {
		return &entities.Resource{Type: entities.ResolveResourceType(subject)}, true
	}
	attrs := map[string]interface{}{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return &entities.Resource{Type: entities.ResolveResourceType(subject)}, true
	}
	res := &entities.Resource{Type: entities.ResolveResourceType(subject), Attributes: attrs}
	if id, ok := attrs["id"]; ok && id != nil {
		res.ID = fmt.Sprint(id)
	}
	return res, true
}

package postgres

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/asakaida/monban/internal/entities"
	"github.com/lib/pq"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// WhereBuilder translates an entities.QueryFilter into a parameterized SQL WHERE expression
type WhereBuilder struct {
	// Column maps a filter key to a column name. Defaults to camelCase -> snake_case.
	Column func(key string) string

	args []interface{}
}

// BuildWhereClause translates filter into a WHERE expression whose placeholders start at $startIdx.
// An empty filter yields "TRUE".
func BuildWhereClause(filter entities.QueryFilter, startIdx int) (string, []interface{}, error) {
	b := &WhereBuilder{}
	return b.Build(filter, startIdx)
}

// Build translates filter into a WHERE expression whose placeholders start at $startIdx
func (b *WhereBuilder) Build(filter entities.QueryFilter, startIdx int) (string, []interface{}, error) {
	b.args = make([]interface{}, 0, len(filter))
	if startIdx < 1 {
		startIdx = 1
	}
	clause, err := b.conjunction(filter, startIdx)
	if err != nil {
		return "", nil, err
	}
	return clause, b.args, nil
}

func (b *WhereBuilder) conjunction(filter map[string]interface{}, startIdx int) (string, error) {
	if len(filter) == 0 {
		return "TRUE", nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		var (
			part string
			err  error
		)
		switch key {
		case entities.QueryOr:
			part, err = b.branches(filter[key], " OR ", startIdx)
		case entities.QueryAnd:
			part, err = b.branches(filter[key], " AND ", startIdx)
		default:
			part, err = b.predicate(key, filter[key], startIdx)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return strings.Join(parts, " AND "), nil
}

func (b *WhereBuilder) branches(v interface{}, sep string, startIdx int) (string, error) {
	list, err := filterList(v)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		if sep == " OR " {
			return "FALSE", nil
		}
		return "TRUE", nil
	}
	parts := make([]string, 0, len(list))
	for _, branch := range list {
		part, err := b.conjunction(branch, startIdx)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+part+")")
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (b *WhereBuilder) predicate(key string, v interface{}, startIdx int) (string, error) {
	column, err := b.column(key)
	if err != nil {
		return "", err
	}

	if ops, ok := v.(map[string]interface{}); ok {
		opKeys := make([]string, 0, len(ops))
		for op := range ops {
			opKeys = append(opKeys, op)
		}
		sort.Strings(opKeys)

		parts := make([]string, 0, len(ops))
		for _, op := range opKeys {
			part, err := b.operator(column, op, ops[op], startIdx)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			return "TRUE", nil
		}
		return strings.Join(parts, " AND "), nil
	}
	return b.operator(column, "$eq", v, startIdx)
}

func (b *WhereBuilder) operator(column, op string, v interface{}, startIdx int) (string, error) {
	switch op {
	case "$eq":
		if v == nil {
			return column + " IS NULL", nil
		}
		if list, ok := stringList(v); ok {
			return fmt.Sprintf("%s = ANY(%s)", column, b.bind(pq.Array(list), startIdx)), nil
		}
		return fmt.Sprintf("%s = %s", column, b.bind(v, startIdx)), nil
	case "$ne":
		if v == nil {
			return column + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s <> %s", column, b.bind(v, startIdx)), nil
	case "$in", "$nin":
		list, ok := stringList(v)
		if !ok {
			return "", fmt.Errorf("%s on %s requires a list", op, column)
		}
		if op == "$in" {
			return fmt.Sprintf("%s = ANY(%s)", column, b.bind(pq.Array(list), startIdx)), nil
		}
		return fmt.Sprintf("NOT (%s = ANY(%s))", column, b.bind(pq.Array(list), startIdx)), nil
	case "$exists":
		exists, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("$exists on %s requires a bool", column)
		}
		if exists {
			return column + " IS NOT NULL", nil
		}
		return column + " IS NULL", nil
	}
	return "", fmt.Errorf("unsupported operator %q on %s", op, column)
}

func (b *WhereBuilder) bind(v interface{}, startIdx int) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", startIdx+len(b.args)-1)
}

func (b *WhereBuilder) column(key string) (string, error) {
	name := snakeCase(key)
	if b.Column != nil {
		name = b.Column(key)
	}
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("invalid column name %q", key)
	}
	return name, nil
}

func filterList(v interface{}) ([]map[string]interface{}, error) {
	switch l := v.(type) {
	case []entities.QueryFilter:
		out := make([]map[string]interface{}, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, nil
	case []map[string]interface{}:
		return l, nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(l))
		for _, item := range l {
			switch m := item.(type) {
			case map[string]interface{}:
				out = append(out, m)
			case entities.QueryFilter:
				out = append(out, m)
			default:
				return nil, fmt.Errorf("query branch must be an object, got %T", item)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("query branches must be a list, got %T", v)
}

// stringList converts slice values to []string for text[] binding
func stringList(v interface{}) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []interface{}:
		out := make([]string, len(l))
		for i, item := range l {
			out[i] = fmt.Sprint(item)
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = fmt.Sprint(rv.Index(i).Interface())
		}
		return out, true
	}
	return nil, false
}

func snakeCase(s string) string {
	var sb strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) && runes[i-1] != '_' && runes[i-1] != '.' {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

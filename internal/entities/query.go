package entities

// QueryFilter is a backend-neutral query skeleton produced from permission conditions.
//
// Keys are column names mapped to equality values, except:
//   - "OR" / "AND": []QueryFilter branches
//   - operator maps: {"$in": [...]}, {"$ne": v}, {"$eq": v}
type QueryFilter map[string]interface{}

const (
	QueryOr  = "OR"
	QueryAnd = "AND"
)

// Merge copies other into q, overwriting keys of the same name.
func (q QueryFilter) Merge(other map[string]interface{}) {
	for k, v := range other {
		q[k] = v
	}
}

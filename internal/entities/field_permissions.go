package entities

// FieldPermissions is the field-level policy for one resource type.
type FieldPermissions struct {
	Allowed []string `json:"allowed"`
	Denied  []string `json:"denied"`
}

// NewFieldPermissions returns an empty policy with non-nil slices.
func NewFieldPermissions() *FieldPermissions {
	return &FieldPermissions{Allowed: []string{}, Denied: []string{}}
}

// Merge unions other into f, preserving first-seen order.
func (f *FieldPermissions) Merge(other *FieldPermissions) {
	if other == nil {
		return
	}
	f.Allowed = appendUnique(f.Allowed, other.Allowed...)
	f.Denied = appendUnique(f.Denied, other.Denied...)
}

// Resolve applies deny-overrides-allow: allowed = allowed \ denied, denied unchanged.
func (f *FieldPermissions) Resolve() *FieldPermissions {
	denied := make(map[string]struct{}, len(f.Denied))
	for _, d := range f.Denied {
		denied[d] = struct{}{}
	}
	out := NewFieldPermissions()
	for _, a := range f.Allowed {
		if _, ok := denied[a]; !ok {
			out.Allowed = appendUnique(out.Allowed, a)
		}
	}
	out.Denied = appendUnique(out.Denied, f.Denied...)
	return out
}

// IsEmpty reports whether no field-level policy is configured.
func (f *FieldPermissions) IsEmpty() bool {
	return f == nil || (len(f.Allowed) == 0 && len(f.Denied) == 0)
}

// Permits reports whether a single field is readable under the policy.
// With an allow-list the field must be listed; a denied field is never permitted.
func (f *FieldPermissions) Permits(field string) bool {
	if f.IsEmpty() {
		return true
	}
	if contains(f.Denied, field) {
		return false
	}
	if len(f.Allowed) == 0 {
		return true
	}
	return contains(f.Allowed, field)
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

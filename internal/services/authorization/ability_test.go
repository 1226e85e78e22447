package authorization

import (
	"reflect"
	"testing"

	"github.com/asakaida/monban/internal/entities"
)

func allow(action, subject string) entities.Rule {
	return entities.Rule{Effect: entities.EffectAllow, Action: action, Subject: subject}
}

func deny(action, subject string) entities.Rule {
	return entities.Rule{Effect: entities.EffectDeny, Action: action, Subject: subject}
}

func withConditions(r entities.Rule, conds map[string]interface{}) entities.Rule {
	r.Conditions = conds
	return r
}

func withFields(r entities.Rule, fields ...string) entities.Rule {
	r.Fields = fields
	return r
}

type Article struct {
	ID       string `json:"id"`
	AuthorID string `json:"authorId"`
	Status   string `json:"status"`
}

func TestAbility_Can(t *testing.T) {
	draft := map[string]interface{}{"type": "article", "status": "draft", "authorId": "u1"}
	published := map[string]interface{}{"type": "article", "status": "published", "authorId": "u2"}

	tests := []struct {
		name    string
		rules   []entities.Rule
		action  string
		subject interface{}
		fields  []string
		want    bool
	}{
		{
			name:    "no rules denies",
			action:  "read",
			subject: "article",
			want:    false,
		},
		{
			name:    "manage matches any action",
			rules:   []entities.Rule{allow("manage", "article")},
			action:  "archive",
			subject: "article",
			want:    true,
		},
		{
			name:    "all matches any subject",
			rules:   []entities.Rule{allow("read", "all")},
			action:  "read",
			subject: "invoice",
			want:    true,
		},
		{
			name:    "later deny overrides earlier allow",
			rules:   []entities.Rule{allow("manage", "all"), deny("delete", "article")},
			action:  "delete",
			subject: "article",
			want:    false,
		},
		{
			name:    "later allow overrides earlier deny",
			rules:   []entities.Rule{deny("delete", "article"), allow("delete", "article")},
			action:  "delete",
			subject: "article",
			want:    true,
		},
		{
			name:    "conditional allow applies to the type",
			rules:   []entities.Rule{withConditions(allow("update", "article"), map[string]interface{}{"status": "draft"})},
			action:  "update",
			subject: "article",
			want:    true,
		},
		{
			name:    "conditional deny does not deny the type",
			rules:   []entities.Rule{allow("read", "article"), withConditions(deny("read", "article"), map[string]interface{}{"status": "draft"})},
			action:  "read",
			subject: "article",
			want:    true,
		},
		{
			name:    "conditional deny matches object",
			rules:   []entities.Rule{allow("read", "article"), withConditions(deny("read", "article"), map[string]interface{}{"status": "draft"})},
			action:  "read",
			subject: draft,
			want:    false,
		},
		{
			name:    "conditional deny skips non-matching object",
			rules:   []entities.Rule{allow("read", "article"), withConditions(deny("read", "article"), map[string]interface{}{"status": "draft"})},
			action:  "read",
			subject: published,
			want:    true,
		},
		{
			name:    "conditional allow rejects non-matching object",
			rules:   []entities.Rule{withConditions(allow("update", "article"), map[string]interface{}{"authorId": "u1"})},
			action:  "update",
			subject: published,
			want:    false,
		},
		{
			name:    "struct subject resolved by type name",
			rules:   []entities.Rule{withConditions(allow("update", "Article"), map[string]interface{}{"authorId": "u1"})},
			action:  "update",
			subject: &Article{ID: "a1", AuthorID: "u1"},
			want:    true,
		},
		{
			name:    "field-scoped allow applies without field",
			rules:   []entities.Rule{withFields(allow("read", "user"), "name")},
			action:  "read",
			subject: "user",
			want:    true,
		},
		{
			name:    "field-scoped deny ignored without field",
			rules:   []entities.Rule{allow("read", "user"), withFields(deny("read", "user"), "password")},
			action:  "read",
			subject: "user",
			want:    true,
		},
		{
			name:    "field-scoped deny applies to the field",
			rules:   []entities.Rule{allow("read", "user"), withFields(deny("read", "user"), "password")},
			action:  "read",
			subject: "user",
			fields:  []string{"password"},
			want:    false,
		},
		{
			name:    "every field must pass",
			rules:   []entities.Rule{withFields(allow("read", "user"), "name", "email")},
			action:  "read",
			subject: "user",
			fields:  []string{"name", "salary"},
			want:    false,
		},
		{
			name:    "field outside allow-list",
			rules:   []entities.Rule{withFields(allow("read", "user"), "name")},
			action:  "read",
			subject: "user",
			fields:  []string{"email"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAbility(tt.rules)
			if got := a.Can(tt.action, tt.subject, tt.fields...); got != tt.want {
				t.Errorf("Can(%s, %v, %v) = %v, want %v", tt.action, tt.subject, tt.fields, got, tt.want)
			}
			if got := a.Cannot(tt.action, tt.subject, tt.fields...); got == tt.want {
				t.Errorf("Cannot() = %v, want %v", got, !tt.want)
			}
		})
	}
}

func TestAbility_CanAccess(t *testing.T) {
	a := NewAbility([]entities.Rule{
		withConditions(allow("read", "document"), map[string]interface{}{"id": "doc-1"}),
	})

	if a.CanAccess("read", "document") {
		t.Error("expected a type name to be insufficient")
	}
	if !a.CanAccess("read", &entities.Resource{Type: "document", ID: "doc-1"}) {
		t.Error("expected the granted instance to be accessible")
	}
	if a.CanAccess("read", &entities.Resource{Type: "document", ID: "doc-2"}) {
		t.Error("expected another instance to be inaccessible")
	}
	if !a.CanAccess("read", map[string]interface{}{"type": "document", "id": "doc-1"}) {
		t.Error("expected map subject with matching id to be accessible")
	}
}

func TestAbility_PermittedFields(t *testing.T) {
	a := NewAbility([]entities.Rule{
		allow("read", "employee"),
		withFields(deny("read", "employee"), "salary", "ssn"),
	})

	got := a.PermittedFields("read", "employee", []string{"name", "salary", "department", "ssn"})
	if !reflect.DeepEqual(got, []string{"name", "department"}) {
		t.Errorf("PermittedFields() = %v", got)
	}
}

func TestAbility_RelevantRule(t *testing.T) {
	rules := []entities.Rule{
		allow("read", "all"),
		deny("read", "secret"),
	}
	rules[1].Source = SourceABAC
	a := NewAbility(rules)

	if r := a.RelevantRule("read", "secret", ""); r == nil || r.Source != SourceABAC {
		t.Errorf("expected the ABAC deny rule, got %+v", r)
	}
	if r := a.RelevantRule("write", "secret", ""); r != nil {
		t.Errorf("expected no rule, got %+v", r)
	}

	// rules are copied
	rules[0].Action = "write"
	if r := a.RelevantRule("read", "memo", ""); r == nil {
		t.Error("expected ability to be unaffected by mutation of the input")
	}
}

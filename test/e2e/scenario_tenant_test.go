package e2e

import (
	"net/http"
	"testing"

	"github.com/asakaida/monban/internal/entities"
)

// TestScenario_MultiTenant covers tenant conditions, cross-tenant isolation and
// query generation
func TestScenario_MultiTenant(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *E2ETestServer) {
		s.Admin(t, http.MethodPost, "/v1/roles", entities.Role{ID: "MEMBER", Name: "Member"}, http.StatusCreated)
		s.Admin(t, http.MethodPost, "/v1/permissions", entities.Permission{
			ID: "document-read-tenant", Action: "read", Subject: "document",
			Conditions: map[string]interface{}{"tenantId": "${user.tenantId}"},
		}, http.StatusCreated)
		s.Admin(t, http.MethodPut, "/v1/roles/MEMBER/permissions/document-read-tenant", nil, http.StatusNoContent)
		s.Admin(t, http.MethodPost, "/v1/users/yuki/roles", map[string]string{"roleId": "MEMBER"}, http.StatusCreated)

		yuki := &entities.User{ID: "yuki", TenantID: "acme"}
		doc := func(id, tenant string) *entities.Resource {
			return &entities.Resource{Type: "document", ID: id, Attributes: map[string]interface{}{"tenantId": tenant}}
		}

		tests := []struct {
			name    string
			user    *entities.User
			subject interface{}
			actx    *entities.AccessContext
			want    bool
		}{
			{"own tenant document", yuki, doc("d1", "acme"), nil, true},
			{"foreign tenant document", yuki, doc("d2", "globex"), nil, false},
			{"own tenant context", yuki, doc("d1", "acme"), &entities.AccessContext{TenantID: "acme"}, true},
			{"cross-tenant context", yuki, doc("d1", "acme"), &entities.AccessContext{TenantID: "globex"}, false},
			{"super role still isolated", &entities.User{ID: adminUser, TenantID: "acme"}, doc("d1", "acme"), &entities.AccessContext{TenantID: "globex"}, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := s.Check(t, checkRequest{User: tt.user, Action: "read", Subject: tt.subject, Context: tt.actx})
				if got != tt.want {
					t.Errorf("Check = %v, want %v", got, tt.want)
				}
			})
		}

		var resp struct {
			Query entities.QueryFilter `json:"query"`
		}
		s.Invoke(t, "GetAccessibleResourceQuery", map[string]interface{}{
			"user":        yuki,
			"action":      "read",
			"subjectType": "document",
		}, &resp)
		if resp.Query["tenantId"] != "acme" {
			t.Errorf("query tenantId = %v, want acme (query %v)", resp.Query["tenantId"], resp.Query)
		}
	})
}

// TestScenario_ResourceGrants covers per-instance grants to a user without roles
func TestScenario_ResourceGrants(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *E2ETestServer) {
		resp := s.Admin(t, http.MethodPost, "/v1/resources/document/d42/permissions", map[string]interface{}{
			"userId":  "dana",
			"actions": []string{"read", "comment"},
		}, http.StatusOK)
		grant := decode[entities.ResourcePermission](t, resp)
		if grant.ID == "" {
			t.Fatal("grant has no ID")
		}

		dana := &entities.User{ID: "dana"}
		doc := func(id string) *entities.Resource { return &entities.Resource{Type: "document", ID: id} }

		tests := []struct {
			name   string
			action string
			docID  string
			want   bool
		}{
			{"granted action", "read", "d42", true},
			{"second granted action", "comment", "d42", true},
			{"action not granted", "delete", "d42", false},
			{"other instance", "read", "d43", false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := s.Check(t, checkRequest{User: dana, Action: tt.action, Subject: doc(tt.docID)})
				if got != tt.want {
					t.Errorf("Check(%s, %s) = %v, want %v", tt.action, tt.docID, got, tt.want)
				}
			})
		}

		resp = s.Admin(t, http.MethodGet, "/v1/resources/document/d42/permissions", nil, http.StatusOK)
		if grants := decode[[]entities.ResourcePermission](t, resp); len(grants) != 1 {
			t.Errorf("grants = %d, want 1", len(grants))
		}

		s.Admin(t, http.MethodDelete, "/v1/resources/document/d42/permissions/"+grant.ID, nil, http.StatusNoContent)
		if s.Check(t, checkRequest{User: dana, Action: "read", Subject: doc("d42")}) {
			t.Error("read still granted after the grant was deleted")
		}
		s.Admin(t, http.MethodDelete, "/v1/resources/document/d42/permissions/"+grant.ID, nil, http.StatusUnprocessableEntity)
	})
}

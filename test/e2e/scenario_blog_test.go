package e2e

import (
	"net/http"
	"slices"
	"testing"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/services"
)

// TestScenario_BlogPlatform covers role inheritance and ownership conditions:
// READER <- AUTHOR <- EDITOR, where authors may only update their own articles
func TestScenario_BlogPlatform(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *E2ETestServer) {
		for _, r := range []entities.Role{
			{ID: "READER", Name: "Reader"},
			{ID: "AUTHOR", Name: "Author", ParentRoleID: "READER"},
			{ID: "EDITOR", Name: "Editor", ParentRoleID: "AUTHOR"},
		} {
			s.Admin(t, http.MethodPost, "/v1/roles", r, http.StatusCreated)
		}

		links := []struct {
			perm entities.Permission
			role string
		}{
			{entities.Permission{ID: "article-read", Action: "read", Subject: "article"}, "READER"},
			{entities.Permission{ID: "article-create", Action: "create", Subject: "article"}, "AUTHOR"},
			{entities.Permission{
				ID: "article-update-own", Action: "update", Subject: "article",
				Conditions: map[string]interface{}{"authorId": "${user.id}"},
			}, "AUTHOR"},
			{entities.Permission{ID: "article-manage", Action: entities.ActionManage, Subject: "article"}, "EDITOR"},
		}
		for _, l := range links {
			s.Admin(t, http.MethodPost, "/v1/permissions", l.perm, http.StatusCreated)
			s.Admin(t, http.MethodPut, "/v1/roles/"+l.role+"/permissions/"+l.perm.ID, nil, http.StatusNoContent)
		}

		for user, role := range map[string]string{"rob": "READER", "alice": "AUTHOR", "erin": "EDITOR"} {
			s.Admin(t, http.MethodPost, "/v1/users/"+user+"/roles", map[string]string{"roleId": role}, http.StatusCreated)
		}

		article := func(author string) *entities.Resource {
			return &entities.Resource{Type: "article", ID: "by-" + author, Attributes: map[string]interface{}{"authorId": author}}
		}

		tests := []struct {
			name    string
			user    string
			action  string
			subject interface{}
			want    bool
		}{
			{"reader reads", "rob", "read", "article", true},
			{"reader cannot create", "rob", "create", "article", false},
			{"author inherits read", "alice", "read", "article", true},
			{"author creates", "alice", "create", "article", true},
			{"author updates own article", "alice", "update", article("alice"), true},
			{"author cannot update others", "alice", "update", article("bob"), false},
			{"author cannot delete", "alice", "delete", article("alice"), false},
			{"editor manages any article", "erin", "update", article("bob"), true},
			{"editor deletes", "erin", "delete", article("bob"), true},
			{"unknown user", "mallory", "read", "article", false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got := s.Check(t, checkRequest{User: &entities.User{ID: tt.user}, Action: tt.action, Subject: tt.subject})
				if got != tt.want {
					t.Errorf("Check(%s, %s) = %v, want %v", tt.user, tt.action, got, tt.want)
				}
			})
		}

		resp := s.Admin(t, http.MethodGet, "/v1/users/erin/permissions", nil, http.StatusOK)
		eff := decode[services.EffectivePermissions](t, resp)
		for _, role := range []string{"EDITOR", "AUTHOR", "READER"} {
			if !slices.Contains(eff.Roles, role) {
				t.Errorf("effective roles %v lack %s", eff.Roles, role)
			}
		}

		// removing the assignment takes effect immediately, cached or not
		s.Admin(t, http.MethodDelete, "/v1/users/alice/roles/AUTHOR", nil, http.StatusNoContent)
		if s.Check(t, checkRequest{User: &entities.User{ID: "alice"}, Action: "create", Subject: "article"}) {
			t.Error("alice still creates articles after losing AUTHOR")
		}

		// detaching EDITOR from the tree removes the inherited roles of erin
		s.Admin(t, http.MethodPut, "/v1/roles/EDITOR", entities.Role{Name: "Editor"}, http.StatusOK)
		resp = s.Admin(t, http.MethodGet, "/v1/users/erin/permissions", nil, http.StatusOK)
		eff = decode[services.EffectivePermissions](t, resp)
		if !slices.Equal(eff.Roles, []string{"EDITOR"}) {
			t.Errorf("effective roles after detaching = %v, want [EDITOR]", eff.Roles)
		}
		if !s.Check(t, checkRequest{User: &entities.User{ID: "erin"}, Action: "read", Subject: "article"}) {
			t.Error("manage on article no longer covers read")
		}
	})
}

// TestScenario_CacheObservability checks that repeated decisions are served from
// the cache and reported through the metrics collector
func TestScenario_CacheObservability(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *E2ETestServer) {
		s.Admin(t, http.MethodPost, "/v1/roles", entities.Role{ID: "READER", Name: "Reader"}, http.StatusCreated)
		s.Admin(t, http.MethodPost, "/v1/permissions", entities.Permission{ID: "article-read", Action: "read", Subject: "article"}, http.StatusCreated)
		s.Admin(t, http.MethodPut, "/v1/roles/READER/permissions/article-read", nil, http.StatusNoContent)
		s.Admin(t, http.MethodPost, "/v1/users/rob/roles", map[string]string{"roleId": "READER"}, http.StatusCreated)

		req := checkRequest{User: &entities.User{ID: "rob"}, Action: "read", Subject: "article"}
		for i := 0; i < 3; i++ {
			if !s.Check(t, req) {
				t.Fatalf("check %d denied", i)
			}
		}

		m := s.Collector.GetDecisionMetrics()
		// the guard in front of every call decides with check_enhanced, which checks too
		if m.Allowed["check"] < 3 || m.Allowed["check_enhanced"] < 3 {
			t.Errorf("allowed decisions = %v, want at least 3 of each", m.Allowed)
		}

		var hits uint64
		for _, n := range m.CacheHits {
			hits += n
		}
		cached := s.App.Cache != nil
		if cached && hits == 0 {
			t.Error("expected cache hits with a cache backend")
		}
		if !cached && hits != 0 {
			t.Errorf("expected no cache lookups without a cache, got %d hits", hits)
		}

		api := s.Collector.GetAPIMetrics()
		if len(api.RequestCounts) == 0 {
			t.Error("expected API requests to be recorded")
		}
	})
}

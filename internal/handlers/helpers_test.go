package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/middleware/httpauthz"
	"github.com/asakaida/monban/internal/repositories/memory"
	"github.com/asakaida/monban/internal/services"
	"github.com/asakaida/monban/internal/services/authorization"
)

const rootUser = "root"

type testAPI struct {
	ctx     context.Context
	store   *memory.Store
	engine  *authorization.Engine
	service *services.PermissionService
	handler http.Handler
}

// newTestAPI serves the API on a memory store. rootUser holds SUPER_ADMIN;
// sam holds SUPPORT, which reads users except their password.
func newTestAPI(t *testing.T, configure ...func(*RouterConfig)) *testAPI {
	t.Helper()
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()

	store := memory.NewStore()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed error = %v", err)
		}
	}
	must(store.CreateRole(ctx, &entities.Role{ID: authorization.DefaultSuperRole, Name: "Super admin", IsSystemRole: true}))
	must(store.AssignRole(ctx, &entities.UserRoleAssignment{UserID: rootUser, RoleID: authorization.DefaultSuperRole}))
	must(store.CreateRole(ctx, &entities.Role{ID: "SUPPORT", Name: "Support"}))
	must(store.CreatePermission(ctx, &entities.Permission{
		ID: "read-user", Action: "read", Subject: "user",
		AllowedFields: []string{"name", "email"},
		DeniedFields:  []string{"password"},
	}))
	must(store.AssignPermission(ctx, &entities.RolePermission{RoleID: "SUPPORT", PermissionID: "read-user"}))
	must(store.AssignRole(ctx, &entities.UserRoleAssignment{UserID: "sam", RoleID: "SUPPORT"}))

	engine, err := authorization.NewEngine(store, authorization.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	service := services.NewPermissionService(store, engine, logger)

	cfg := RouterConfig{
		Admin:       NewAuthorizationHandler(service, logger),
		Permissions: NewPermissionHandler(engine, logger),
		Guard:       authorization.NewGuard(engine, nil, logger),
		Logger:      logger,
	}
	for _, c := range configure {
		c(&cfg)
	}

	return &testAPI{
		ctx:     ctx,
		store:   store,
		engine:  engine,
		service: service,
		handler: NewRouter(cfg),
	}
}

// do sends a request as userID; an empty userID sends no identity
func (a *testAPI) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(httpauthz.HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, method, path, rootUser, body)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"

	"github.com/asakaida/monban/internal/app"
	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/handlers"
	"github.com/asakaida/monban/internal/infrastructure/config"
	"github.com/asakaida/monban/internal/infrastructure/metrics"
	"github.com/asakaida/monban/internal/middleware/grpcauthz"
	"github.com/asakaida/monban/internal/middleware/httpauthz"
	"github.com/asakaida/monban/internal/services"
	"github.com/asakaida/monban/internal/services/authorization"
)

const (
	bufSize   = 1024 * 1024
	adminUser = "admin"
)

// E2ETestServer runs the HTTP API and the gRPC decision service on an in-memory store
type E2ETestServer struct {
	App       *app.App
	HTTP      *httptest.Server
	Conn      *grpc.ClientConn
	Collector *metrics.Collector
	Registry  *prometheus.Registry
}

// Backends the scenarios run against
var cacheBackends = []string{"none", config.CacheBackendMemory, config.CacheBackendRedis}

// SetupE2ETest starts a server with the given cache backend ("none" disables caching)
func SetupE2ETest(t *testing.T, backend string) *E2ETestServer {
	t.Helper()
	ctx := context.Background()
	logger, _ := logtest.NewNullLogger()

	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Cache: config.CacheConfig{
			Enabled:        backend != "none",
			Backend:        backend,
			TTL:            time.Minute,
			MaxMemoryBytes: 8 << 20,
			Prefix:         "monban-e2e:",
		},
		Authz: config.AuthzConfig{
			SuperRoles:      []string{authorization.DefaultSuperRole},
			TenantIsolation: true,
		},
	}
	if backend == config.CacheBackendRedis {
		cfg.Cache.RedisAddr = miniredis.RunT(t).Addr()
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	exporter := metrics.NewPrometheusExporter(collector, registry)

	a, err := app.New(ctx, cfg, logger, authorization.WithObserver(exporter))
	if err != nil {
		t.Fatalf("failed to build application: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if a.Cache != nil {
		collector.SetCache(a.Cache)
	}
	exporter.SetInventory(a.Store)

	if _, err := a.Service.ApplyManifest(ctx, &services.Manifest{
		Roles:       []*entities.Role{{ID: authorization.DefaultSuperRole, Name: "Super admin", IsSystemRole: true}},
		Assignments: []*entities.UserRoleAssignment{{UserID: adminUser, RoleID: authorization.DefaultSuperRole}},
	}); err != nil {
		t.Fatalf("failed to bootstrap: %v", err)
	}

	guard := authorization.NewGuard(a.Engine, nil, logger)
	router := handlers.NewRouter(handlers.RouterConfig{
		Admin:       handlers.NewAuthorizationHandler(a.Service, logger),
		Permissions: handlers.NewPermissionHandler(a.Engine, logger),
		Guard:       guard,
		Logger:      logger,
		Middlewares: []func(http.Handler) http.Handler{metrics.HTTPMiddleware(collector, exporter)},
	})
	httpServer := httptest.NewServer(router)
	t.Cleanup(httpServer.Close)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.UnaryServerInterceptor(collector, exporter),
		grpcauthz.UnaryServerInterceptor(guard, handlers.DecisionMethods(handlers.DecisionDescriptor), nil),
	))
	handlers.RegisterPermissionServer(grpcServer, handlers.NewPermissionServer(a.Engine, logger))
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(handlers.CodecName)),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &E2ETestServer{
		App:       a,
		HTTP:      httpServer,
		Conn:      conn,
		Collector: collector,
		Registry:  registry,
	}
}

// forEachBackend runs scenario once per cache backend
func forEachBackend(t *testing.T, scenario func(t *testing.T, s *E2ETestServer)) {
	for _, backend := range cacheBackends {
		t.Run("cache="+backend, func(t *testing.T) {
			scenario(t, SetupE2ETest(t, backend))
		})
	}
}

// Admin sends an administrative request as the super admin and fails the test
// on any status other than want
func (s *E2ETestServer) Admin(t *testing.T, method, path string, body interface{}, want int) *http.Response {
	t.Helper()
	return s.Request(t, adminUser, method, path, body, want)
}

// Request sends an HTTP request as caller
func (s *E2ETestServer) Request(t *testing.T, caller, method, path string, body interface{}, want int) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.HTTP.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(httpauthz.HeaderUserID, caller)
	}
	resp, err := s.HTTP.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != want {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(resp.Body)
		t.Fatalf("%s %s: status = %d, want %d, body %s", method, path, resp.StatusCode, want, msg.String())
	}
	return resp
}

// checkRequest is the wire form of a decision request
type checkRequest struct {
	User    *entities.User          `json:"user"`
	Action  string                  `json:"action,omitempty"`
	Subject interface{}             `json:"subject,omitempty"`
	Context *entities.AccessContext `json:"context,omitempty"`
}

// Invoke calls a decision method as the super admin
func (s *E2ETestServer) Invoke(t *testing.T, method string, req, out interface{}) {
	t.Helper()
	ctx := metadata.AppendToOutgoingContext(context.Background(), grpcauthz.MetadataUserID, adminUser)
	if err := s.Conn.Invoke(ctx, "/"+handlers.PermissionServiceName+"/"+method, req, out); err != nil {
		t.Fatalf("%s: %v", method, err)
	}
}

// Check returns the gRPC Check decision
func (s *E2ETestServer) Check(t *testing.T, req checkRequest) bool {
	t.Helper()
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	s.Invoke(t, "Check", req, &resp)
	return resp.Allowed
}

// CheckEnhanced returns the gRPC CheckEnhanced result
func (s *E2ETestServer) CheckEnhanced(t *testing.T, req checkRequest) authorization.EnhancedResult {
	t.Helper()
	var res authorization.EnhancedResult
	s.Invoke(t, "CheckEnhanced", req, &res)
	return res
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

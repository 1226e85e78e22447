package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories/memory"
	"github.com/asakaida/monban/internal/services/authorization"
	"github.com/asakaida/monban/pkg/cache/memorycache"
)

func newTestExporter(t *testing.T) (*Collector, *PrometheusExporter) {
	t.Helper()
	collector := NewCollector()
	return collector, NewPrometheusExporter(collector, prometheus.NewRegistry())
}

func TestPrometheusExporter_Update(t *testing.T) {
	ctx := context.Background()
	collector, exporter := newTestExporter(t)

	c, err := memorycache.New(&memorycache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Minute, EnableMetrics: true})
	if err != nil {
		t.Fatalf("memorycache.New() error = %v", err)
	}
	defer c.Close()
	collector.SetCache(c)

	_ = c.Set(ctx, "k1", []byte("v"), 0)
	_ = c.Set(ctx, "k2", []byte("v"), 0)
	c.Get(ctx, "k1")
	c.Get(ctx, "missing")

	store := memory.NewStore()
	for _, id := range []string{"ADMIN", "USER"} {
		if err := store.CreateRole(ctx, &entities.Role{ID: id, Name: id}); err != nil {
			t.Fatalf("CreateRole() error = %v", err)
		}
	}
	if err := store.CreatePermission(ctx, &entities.Permission{ID: "read-doc", Action: "read", Subject: "doc"}); err != nil {
		t.Fatalf("CreatePermission() error = %v", err)
	}
	exporter.SetInventory(store)

	if err := exporter.Update(ctx); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got := testutil.ToFloat64(exporter.cacheHitRate); got != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", got)
	}
	if got := testutil.ToFloat64(exporter.cacheKeys); got != 2 {
		t.Errorf("keys = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.roles); got != 2 {
		t.Errorf("roles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.permissions); got != 1 {
		t.Errorf("permissions = %v, want 1", got)
	}
}

func TestPrometheusExporter_UpdateWithoutCache(t *testing.T) {
	_, exporter := newTestExporter(t)
	if err := exporter.Update(context.Background()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := testutil.ToFloat64(exporter.cacheHitRate); got != 0 {
		t.Errorf("hit rate = %v, want 0", got)
	}
}

func TestPrometheusExporter_ObservesEngine(t *testing.T) {
	ctx := context.Background()
	collector, exporter := newTestExporter(t)

	store := memory.NewStore()
	if err := store.CreateRole(ctx, &entities.Role{ID: "READER", Name: "Reader"}); err != nil {
		t.Fatalf("CreateRole() error = %v", err)
	}
	if err := store.CreatePermission(ctx, &entities.Permission{ID: "read-doc", Action: "read", Subject: "doc"}); err != nil {
		t.Fatalf("CreatePermission() error = %v", err)
	}
	if err := store.AssignPermission(ctx, &entities.RolePermission{RoleID: "READER", PermissionID: "read-doc"}); err != nil {
		t.Fatalf("AssignPermission() error = %v", err)
	}
	if err := store.AssignRole(ctx, &entities.UserRoleAssignment{UserID: "u1", RoleID: "READER"}); err != nil {
		t.Fatalf("AssignRole() error = %v", err)
	}

	logger, _ := logtest.NewNullLogger()
	engine, err := authorization.NewEngine(store, authorization.WithObserver(exporter), authorization.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	user := &entities.User{ID: "u1"}
	for _, action := range []string{"read", "read", "delete"} {
		if _, err := engine.Check(ctx, user, action, "doc", nil); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}

	if got := testutil.ToFloat64(exporter.decisions.WithLabelValues("check", "allowed")); got != 2 {
		t.Errorf("allowed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(exporter.decisions.WithLabelValues("check", "denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
	decisions := collector.GetDecisionMetrics()
	if decisions.Allowed["check"] != 2 || decisions.Denied["check"] != 1 {
		t.Errorf("collector decisions = %+v", decisions)
	}
}

func TestCollector_ObserveCacheLookup(t *testing.T) {
	collector, exporter := newTestExporter(t)

	exporter.ObserveCacheLookup("ability", true)
	exporter.ObserveCacheLookup("ability", false)
	exporter.ObserveCacheLookup("ability", false)
	collector.ObserveCacheLookup("roles", true)

	got := collector.GetDecisionMetrics()
	if got.CacheHits["ability"] != 1 || got.CacheMisses["ability"] != 2 || got.CacheHits["roles"] != 1 {
		t.Errorf("lookups = %+v", got)
	}
	if v := testutil.ToFloat64(exporter.cacheLookups.WithLabelValues("ability", "miss")); v != 2 {
		t.Errorf("miss counter = %v, want 2", v)
	}
}

func TestStartGaugeRefresh(t *testing.T) {
	_, exporter := newTestExporter(t)
	logger, _ := logtest.NewNullLogger()

	if _, err := StartGaugeRefresh(context.Background(), exporter, "not a schedule", logger); err == nil {
		t.Error("expected an error for an invalid schedule")
	}

	c, err := StartGaugeRefresh(context.Background(), exporter, "", logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("StartGaugeRefresh() error = %v", err)
	}
	if n := len(c.Entries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
	<-c.Stop().Done()
}

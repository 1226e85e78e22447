package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/repositories"
	"github.com/asakaida/monban/pkg/cache"
)

const tracerName = "github.com/asakaida/monban/internal/services/authorization"

// DefaultSuperRole compiles to "manage all"
const DefaultSuperRole = "SUPER_ADMIN"

var (
	// ErrUnauthenticated is returned when a decision is requested without a user
	ErrUnauthenticated = errors.New("user not authenticated")
	// ErrInvalidArgument is returned for malformed engine input
	ErrInvalidArgument = errors.New("invalid argument")
)

// Observer receives engine measurements. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveCacheLookup(operation string, hit bool)
	ObserveDecision(operation string, allowed bool, duration time.Duration)
}

// Engine resolves roles, permissions, field rules and conditions for permission decisions
type Engine struct {
	adapter         repositories.PermissionAdapter
	cache           *PermissionCache
	cel             *CELEngine
	superRoles      map[string]struct{}
	tenantIsolation bool
	tracer          trace.Tracer
	observer        Observer
	logger          logrus.FieldLogger
}

// Option configures an Engine
type Option func(*Engine)

// WithCache fronts the resolvers with backend. Zero prefix and ttl use the defaults.
func WithCache(backend cache.Cache, prefix string, ttl time.Duration) Option {
	return func(e *Engine) {
		if backend != nil {
			e.cache = NewPermissionCache(backend, prefix, ttl)
		}
	}
}

// WithSuperRoles replaces the set of roles compiled to "manage all"
func WithSuperRoles(roleIDs ...string) Option {
	return func(e *Engine) {
		e.superRoles = make(map[string]struct{}, len(roleIDs))
		for _, id := range roleIDs {
			if id != "" {
				e.superRoles[id] = struct{}{}
			}
		}
	}
}

// WithTenantIsolation toggles the built-in cross-tenant denial
func WithTenantIsolation(enabled bool) Option {
	return func(e *Engine) {
		e.tenantIsolation = enabled
	}
}

// WithCELEngine sets the evaluator of ABAC policy expressions
func WithCELEngine(c *CELEngine) Option {
	return func(e *Engine) {
		e.cel = c
	}
}

// WithTracer sets the tracer used for engine spans
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithObserver sets the receiver of cache and decision measurements
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the engine logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine reading from adapter
func NewEngine(adapter repositories.PermissionAdapter, opts ...Option) (*Engine, error) {
	if adapter == nil {
		return nil, fmt.Errorf("permission adapter is required")
	}

	e := &Engine{
		adapter:         adapter,
		superRoles:      map[string]struct{}{DefaultSuperRole: {}},
		tenantIsolation: true,
		logger:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cel == nil {
		c, err := NewCELEngine(DefaultProgramCacheSize)
		if err != nil {
			return nil, err
		}
		e.cel = c
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.cache != nil {
		e.cache.observer = e.observer
		e.cache.logger = e.logger
	}

	return e, nil
}

// CEL returns the engine's expression evaluator
func (e *Engine) CEL() *CELEngine {
	return e.cel
}

// Cache returns the permission cache, or nil when caching is disabled
func (e *Engine) Cache() *PermissionCache {
	return e.cache
}

// IsSuperRole reports whether roleID compiles to "manage all"
func (e *Engine) IsSuperRole(roleID string) bool {
	_, ok := e.superRoles[roleID]
	return ok
}

// InvalidateUser drops every cached result of the user, along with the cached
// permission sets of each role the user currently holds
func (e *Engine) InvalidateUser(ctx context.Context, userID string) error {
	if e.cache == nil || userID == "" {
		return nil
	}
	n, err := e.cache.InvalidateUser(ctx, userID)
	if err != nil {
		return err
	}

	// resolved from the store, not the cache, so a stale role list cannot hide a role
	roles, err := e.resolveEffectiveRoles(ctx, userID)
	if err != nil {
		return err
	}
	for _, roleID := range roles {
		m, err := e.cache.InvalidateRole(ctx, roleID)
		if err != nil {
			return err
		}
		n += m
	}
	e.logger.WithFields(logrus.Fields{"user_id": userID, "roles": len(roles), "entries": n}).Debug("invalidated user permission cache")
	return nil
}

// InvalidateRole drops cached results derived from the role itself
func (e *Engine) InvalidateRole(ctx context.Context, roleID string) error {
	if e.cache == nil || roleID == "" {
		return nil
	}
	n, err := e.cache.InvalidateRole(ctx, roleID)
	if err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{"role_id": roleID, "entries": n}).Debug("invalidated role permission cache")
	return nil
}

// ClearCache drops every cached result
func (e *Engine) ClearCache(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Clear(ctx)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "authorization."+name, trace.WithAttributes(attrs...))
}

func (e *Engine) observeDecision(operation string, allowed bool, started time.Time) {
	if e.observer != nil {
		e.observer.ObserveDecision(operation, allowed, time.Since(started))
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func requireUser(user *entities.User) error {
	if user == nil || user.ID == "" {
		return ErrUnauthenticated
	}
	return nil
}

// scopeKey serializes the parts of the request a compiled result depends on.
// User attributes are part of it because conditions and policies read them.
func scopeKey(user *entities.User, actx *entities.AccessContext) string {
	key := actx.Key()
	if user == nil {
		return key
	}
	// encoding/json sorts map keys, so equal attribute sets give equal keys
	data, err := json.Marshal(struct {
		TenantID   string                 `json:"t,omitempty"`
		Department string                 `json:"d,omitempty"`
		Attributes map[string]interface{} `json:"a,omitempty"`
	}{user.TenantID, user.Department, user.Attributes})
	if err != nil || string(data) == "{}" {
		return key
	}
	return key + "@" + string(data)
}

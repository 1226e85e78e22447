package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/asakaida/monban/internal/middleware/httpauthz"
	"github.com/asakaida/monban/internal/services/authorization"
)

// Admin subjects checked with the "manage" action
const (
	SubjectRole       = "Role"
	SubjectPermission = "Permission"
	SubjectPolicy     = "Policy"
)

// DecisionDescriptor guards the decision endpoints when they are protected
var DecisionDescriptor = authorization.Descriptor{Action: "check", Subject: "Decision"}

// RouterConfig wires the HTTP API
type RouterConfig struct {
	Admin       *AuthorizationHandler
	Permissions *PermissionHandler
	// Guard protects the admin routes; nil leaves them open (development only)
	Guard    httpauthz.Authorizer
	Identity httpauthz.IdentityFunc
	Logger   logrus.FieldLogger
	// ProtectDecisions requires DecisionDescriptor on the /v1/check, filter and query routes
	ProtectDecisions bool

	// RateLimit requests per RateWindow per caller; zero disables limiting
	RateLimit  int
	RateWindow time.Duration

	// Middlewares run before routing (metrics, request logging)
	Middlewares []func(http.Handler) http.Handler
	// Tracing wraps the router with otelhttp
	Tracing bool
}

// NewRouter builds the chi router of the HTTP API
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.Middlewares {
		r.Use(mw)
	}
	if cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.Limit(cfg.RateLimit, window,
			httprate.WithKeyFuncs(rateLimitKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: http.StatusText(http.StatusTooManyRequests)})
			}),
		))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	manage := func(subject string) func(http.Handler) http.Handler {
		if cfg.Guard == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return httpauthz.Require(cfg.Guard, authorization.Descriptor{Action: "manage", Subject: subject}, &httpauthz.Options{
			Identity: cfg.Identity,
			Logger:   logger,
		})
	}

	r.Route("/v1", func(r chi.Router) {
		if h := cfg.Permissions; h != nil {
			r.Group(func(r chi.Router) {
				if cfg.ProtectDecisions && cfg.Guard != nil {
					r.Use(httpauthz.Require(cfg.Guard, DecisionDescriptor, &httpauthz.Options{
						Identity: cfg.Identity,
						Logger:   logger,
					}))
				}
				r.Post("/check", h.Check)
				r.Post("/check/enhanced", h.CheckEnhanced)
				r.Post("/filter", h.Filter)
				r.Post("/query", h.Query)
			})
		}

		h := cfg.Admin
		if h == nil {
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(manage(SubjectRole))
			r.Route("/roles", func(r chi.Router) {
				r.Get("/", h.listRoles)
				r.Post("/", h.createRole)
				r.Route("/{roleID}", func(r chi.Router) {
					r.Get("/", h.getRole)
					r.Put("/", h.updateRole)
					r.Delete("/", h.deleteRole)
					r.Get("/hierarchy", h.getRoleHierarchy)
					r.Get("/permissions", h.getRolePermissions)
					r.Put("/permissions/{permissionID}", h.assignPermissionToRole)
					r.Delete("/permissions/{permissionID}", h.removePermissionFromRole)
				})
			})
			r.Get("/users/{userID}/roles", h.getUserRoles)
			r.Post("/users/{userID}/roles", h.assignRoleToUser)
			r.Delete("/users/{userID}/roles/{roleID}", h.removeRoleFromUser)
		})

		r.Group(func(r chi.Router) {
			r.Use(manage(SubjectPermission))
			r.Route("/permissions", func(r chi.Router) {
				r.Get("/", h.listPermissions)
				r.Post("/", h.createPermission)
				r.Get("/{permissionID}", h.getPermission)
				r.Put("/{permissionID}", h.updatePermission)
				r.Delete("/{permissionID}", h.deletePermission)
			})
			r.Get("/users/{userID}/permissions", h.getUserPermissions)
			r.Post("/users/{userID}/permissions", h.assignPermissionToUser)
			r.Delete("/users/{userID}/permissions/{permissionID}", h.removePermissionFromUser)
			r.Get("/resources/{resourceType}/{resourceID}/permissions", h.getResourcePermissions)
			r.Post("/resources/{resourceType}/{resourceID}/permissions", h.setResourcePermission)
			r.Delete("/resources/{resourceType}/{resourceID}/permissions/{grantID}", h.deleteResourcePermission)
			r.Delete("/cache/users/{userID}", h.invalidateUserCache)
			r.Delete("/cache/roles/{roleID}", h.invalidateRoleCache)
		})

		r.Group(func(r chi.Router) {
			r.Use(manage(SubjectPolicy))
			r.Get("/policies", h.listPolicies)
			r.Post("/policies", h.createPolicy)
			r.Delete("/policies/{policyID}", h.deletePolicy)
			r.Post("/context-field-rules", h.createContextFieldRule)
			r.Delete("/context-field-rules/{ruleID}", h.deleteContextFieldRule)
		})
	})

	if cfg.Tracing {
		return otelhttp.NewHandler(r, "monban.http",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	}
	return r
}

func rateLimitKey(r *http.Request) (string, error) {
	if user := r.Header.Get(httpauthz.HeaderUserID); user != "" {
		return "user:" + user, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

// Package httpauthz adapts authorization.Guard to net/http middleware.
package httpauthz

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/services/authorization"
)

// Identity headers set by the upstream session layer
const (
	HeaderUserID     = "X-User-ID"
	HeaderTenantID   = "X-Tenant-ID"
	HeaderDepartment = "X-Department"
	HeaderLocation   = "X-Location"
	HeaderDeviceType = "X-Device-Type"
)

// Authorizer is implemented by *authorization.Guard
type Authorizer interface {
	Authorize(ctx context.Context, user *entities.User, actx *entities.AccessContext, d authorization.Descriptor) authorization.Decision
}

// IdentityFunc extracts the caller and the request context. A nil user means unauthenticated.
type IdentityFunc func(r *http.Request) (*entities.User, *entities.AccessContext)

// Options customize Require. Every field is optional.
type Options struct {
	// Identity defaults to HeaderIdentity
	Identity IdentityFunc
	// Subject, when set, replaces the descriptor subject per request (e.g. built from URL params)
	Subject func(r *http.Request) interface{}
	Logger  logrus.FieldLogger
}

type contextKey int

const (
	decisionKey contextKey = iota
	userKey
)

// Require returns middleware that lets a request through only when the guard allows it.
// Unauthenticated callers get 401, denied callers get 403 with the decision as JSON.
func Require(guard Authorizer, d authorization.Descriptor, opts *Options) func(http.Handler) http.Handler {
	if opts == nil {
		opts = &Options{}
	}
	identity := opts.Identity
	if identity == nil {
		identity = HeaderIdentity
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, actx := identity(r)
			desc := d
			if opts.Subject != nil {
				desc.Subject = opts.Subject(r)
			}

			dec := guard.Authorize(r.Context(), user, actx, desc)
			if !dec.Allowed {
				status := http.StatusForbidden
				if dec.Reason == authorization.ReasonNotAuthed {
					status = http.StatusUnauthorized
				}
				writeDenial(w, status, dec, logger)
				return
			}

			ctx := context.WithValue(r.Context(), decisionKey, dec)
			if user != nil {
				ctx = context.WithValue(ctx, userKey, user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DecisionFromContext returns the decision stored by Require
func DecisionFromContext(ctx context.Context) (authorization.Decision, bool) {
	dec, ok := ctx.Value(decisionKey).(authorization.Decision)
	return dec, ok
}

// UserFromContext returns the user authorized by Require
func UserFromContext(ctx context.Context) (*entities.User, bool) {
	user, ok := ctx.Value(userKey).(*entities.User)
	return user, ok
}

// HeaderIdentity reads the caller from the identity headers.
// IPAddress stays empty since the access context is part of every cache key.
func HeaderIdentity(r *http.Request) (*entities.User, *entities.AccessContext) {
	actx := &entities.AccessContext{
		TenantID:   strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		Department: strings.TrimSpace(r.Header.Get(HeaderDepartment)),
		Location:   strings.TrimSpace(r.Header.Get(HeaderLocation)),
		DeviceType: strings.TrimSpace(r.Header.Get(HeaderDeviceType)),
	}

	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil, actx
	}
	return &entities.User{
		ID:         userID,
		TenantID:   actx.TenantID,
		Department: actx.Department,
	}, actx
}

// HeaderIdentityWithIP is HeaderIdentity plus the client IP, for deployments whose
// policies read context.ipAddress. X-Forwarded-For is honored only with trustForwarded.
func HeaderIdentityWithIP(trustForwarded bool) IdentityFunc {
	return func(r *http.Request) (*entities.User, *entities.AccessContext) {
		user, actx := HeaderIdentity(r)
		actx.IPAddress = clientIP(r, trustForwarded)
		return user, actx
	}
}

type denialBody struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	DeniedFields []string `json:"deniedFields,omitempty"`
}

func writeDenial(w http.ResponseWriter, status int, dec authorization.Decision, logger logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(denialBody{
		Allowed:      false,
		Reason:       dec.Reason,
		DeniedFields: dec.DeniedFields,
	}); err != nil {
		logger.WithError(err).Warn("failed to write authorization denial")
	}
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if fwd := r.Header.Get("X-Forwarded-For"); trustForwarded && fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

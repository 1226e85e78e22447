// Package grpcauthz adapts authorization.Guard to a gRPC unary server interceptor.
package grpcauthz

import (
	"context"
	"net"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/asakaida/monban/internal/entities"
	"github.com/asakaida/monban/internal/services/authorization"
)

// ErrorDomain is the domain of the ErrorInfo attached to denials
const ErrorDomain = "monban.authorization"

// Metadata keys read by MetadataIdentity
const (
	MetadataUserID     = "x-user-id"
	MetadataTenantID   = "x-tenant-id"
	MetadataDepartment = "x-department"
	MetadataLocation   = "x-location"
	MetadataDeviceType = "x-device-type"
)

// Authorizer is implemented by *authorization.Guard
type Authorizer interface {
	Authorize(ctx context.Context, user *entities.User, actx *entities.AccessContext, d authorization.Descriptor) authorization.Decision
}

// IdentityFunc extracts the caller and the request context from the incoming call
type IdentityFunc func(ctx context.Context) (*entities.User, *entities.AccessContext)

// SubjectProvider is implemented by request messages that name the object they act on.
// Its result replaces the descriptor subject.
type SubjectProvider interface {
	AuthzSubject() interface{}
}

type decisionKey struct{}

// UnaryServerInterceptor authorizes every call whose full method has a descriptor.
// Methods without a descriptor pass through. A nil identity uses MetadataIdentity.
func UnaryServerInterceptor(guard Authorizer, methods map[string]authorization.Descriptor, identity IdentityFunc) grpc.UnaryServerInterceptor {
	if identity == nil {
		identity = MetadataIdentity
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		d, ok := methods[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}
		if sp, ok := req.(SubjectProvider); ok {
			d.Subject = sp.AuthzSubject()
		}

		user, actx := identity(ctx)
		dec := guard.Authorize(ctx, user, actx, d)
		if !dec.Allowed {
			return nil, denialError(dec)
		}
		return handler(context.WithValue(ctx, decisionKey{}, dec), req)
	}
}

// DecisionFromContext returns the decision stored by the interceptor
func DecisionFromContext(ctx context.Context) (authorization.Decision, bool) {
	dec, ok := ctx.Value(decisionKey{}).(authorization.Decision)
	return dec, ok
}

// MetadataIdentity reads the caller from incoming metadata and the peer address
func MetadataIdentity(ctx context.Context) (*entities.User, *entities.AccessContext) {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}

	actx := &entities.AccessContext{
		TenantID:   get(MetadataTenantID),
		Department: get(MetadataDepartment),
		Location:   get(MetadataLocation),
		DeviceType: get(MetadataDeviceType),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			actx.IPAddress = host
		} else {
			actx.IPAddress = p.Addr.String()
		}
	}

	userID := get(MetadataUserID)
	if userID == "" {
		return nil, actx
	}
	return &entities.User{ID: userID, TenantID: actx.TenantID, Department: actx.Department}, actx
}

func denialError(dec authorization.Decision) error {
	code, reason := codes.PermissionDenied, "PERMISSION_DENIED"
	switch {
	case dec.Reason == authorization.ReasonNotAuthed:
		code, reason = codes.Unauthenticated, "UNAUTHENTICATED"
	case dec.Reason == authorization.ReasonMissingFields:
		reason = "MISSING_FIELD_PERMISSIONS"
	case strings.HasPrefix(dec.Reason, authorization.ReasonCheckFailed):
		reason = "PERMISSION_CHECK_FAILED"
	}

	info := &errdetails.ErrorInfo{
		Reason:   reason,
		Domain:   ErrorDomain,
		Metadata: map[string]string{"reason": dec.Reason},
	}
	if len(dec.DeniedFields) > 0 {
		info.Metadata["deniedFields"] = strings.Join(dec.DeniedFields, ",")
	}

	st := status.New(code, dec.Reason)
	if detailed, err := st.WithDetails(info); err == nil {
		st = detailed
	}
	return st.Err()
}

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/asakaida/monban/internal/services/authorization"
)

// PermissionServiceName is the gRPC service serving decisions
const PermissionServiceName = "monban.v1.PermissionService"

// CodecName is the content subtype of the decision service. Clients call it
// with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// PermissionServiceServer is the server API of PermissionServiceName
type PermissionServiceServer interface {
	Check(ctx context.Context, req *checkRequest) (*checkResponse, error)
	CheckEnhanced(ctx context.Context, req *checkRequest) (*authorization.EnhancedResult, error)
	FilterObjectFields(ctx context.Context, req *filterRequest) (map[string]interface{}, error)
	GetAccessibleResourceQuery(ctx context.Context, req *queryRequest) (*queryResponse, error)
}

// PermissionServer serves the decision endpoints over gRPC
type PermissionServer struct {
	checker CheckerInterface
	logger  logrus.FieldLogger
}

// NewPermissionServer creates a new PermissionServer
func NewPermissionServer(checker CheckerInterface, logger logrus.FieldLogger) *PermissionServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PermissionServer{checker: checker, logger: logger}
}

// RegisterPermissionServer registers srv on s
func RegisterPermissionServer(s grpc.ServiceRegistrar, srv PermissionServiceServer) {
	s.RegisterService(&permissionServiceDesc, srv)
}

// DecisionMethods maps every decision method to d, for grpcauthz
func DecisionMethods(d authorization.Descriptor) map[string]authorization.Descriptor {
	methods := make(map[string]authorization.Descriptor, len(permissionServiceDesc.Methods))
	for _, m := range permissionServiceDesc.Methods {
		methods[fullMethod(m.MethodName)] = d
	}
	return methods
}

func (s *PermissionServer) Check(ctx context.Context, req *checkRequest) (*checkResponse, error) {
	subject, err := req.subject()
	if err != nil {
		return nil, s.statusError(err)
	}
	allowed, err := s.checker.Check(ctx, req.User, req.Action, subject, req.Context)
	if err != nil {
		return nil, s.statusError(err)
	}
	return &checkResponse{Allowed: allowed}, nil
}

func (s *PermissionServer) CheckEnhanced(ctx context.Context, req *checkRequest) (*authorization.EnhancedResult, error) {
	subject, err := req.subject()
	if err != nil {
		return nil, s.statusError(err)
	}
	return s.checker.CheckEnhanced(ctx, req.User, req.Action, subject, req.Context), nil
}

func (s *PermissionServer) FilterObjectFields(ctx context.Context, req *filterRequest) (map[string]interface{}, error) {
	if req.Resource == nil {
		return nil, s.statusError(fmt.Errorf("%w: resource is required", errBadRequest))
	}
	filtered, err := s.checker.FilterObjectFields(ctx, req.User, req.Resource, req.Context)
	if err != nil {
		return nil, s.statusError(err)
	}
	return filtered, nil
}

func (s *PermissionServer) GetAccessibleResourceQuery(ctx context.Context, req *queryRequest) (*queryResponse, error) {
	if req.Action == "" {
		return nil, s.statusError(fmt.Errorf("%w: action is required", errBadRequest))
	}
	query, err := s.checker.GetAccessibleResourceQuery(ctx, req.User, req.Action, req.SubjectType, req.Context)
	if err != nil {
		return nil, s.statusError(err)
	}
	resp, err := newQueryResponse(query, req.Format)
	if err != nil {
		return nil, s.statusError(err)
	}
	return resp, nil
}

// statusError converts err with the HTTP mapping into a gRPC status
func (s *PermissionServer) statusError(err error) error {
	code := codes.Internal
	switch errorStatus(err) {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.Aborted
	case http.StatusUnprocessableEntity:
		code = codes.FailedPrecondition
	default:
		s.logger.WithError(err).Error("rpc failed")
	}
	return status.Error(code, err.Error())
}

func fullMethod(name string) string {
	return "/" + PermissionServiceName + "/" + name
}

func unaryHandler[Req any, Resp any](name string, call func(PermissionServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
			}
			s := srv.(PermissionServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var permissionServiceDesc = grpc.ServiceDesc{
	ServiceName: PermissionServiceName,
	HandlerType: (*PermissionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Check", PermissionServiceServer.Check),
		unaryHandler("CheckEnhanced", PermissionServiceServer.CheckEnhanced),
		unaryHandler("FilterObjectFields", PermissionServiceServer.FilterObjectFields),
		unaryHandler("GetAccessibleResourceQuery", PermissionServiceServer.GetAccessibleResourceQuery),
	},
	Streams: []grpc.StreamDesc{},
}

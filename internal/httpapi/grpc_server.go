package httpapi

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/authz"
	"github.com/waqedi/identity/internal/obs"
)

// IdentityServiceName is the fully qualified gRPC service name.
const IdentityServiceName = "identity.v1.Identity"

const (
	introspectMethod = "/" + IdentityServiceName + "/Introspect"
	authorizeMethod  = "/" + IdentityServiceName + "/Authorize"
)

// IdentityServer answers token introspection and authorization for
// downstream services. Messages are google.protobuf.Struct.
type IdentityServer interface {
	Introspect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var identityServiceDesc = grpc.ServiceDesc{
	ServiceName: IdentityServiceName,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: introspectHandler},
		{MethodName: "Authorize", Handler: authorizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/identity.proto",
}

// RegisterIdentityServer registers srv on s.
func RegisterIdentityServer(s grpc.ServiceRegistrar, srv IdentityServer) {
	s.RegisterService(&identityServiceDesc, srv)
}

func introspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: introspectMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).Introspect(ctx, req.(*structpb.Struct))
	})
}

func authorizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).Authorize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: authorizeMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).Authorize(ctx, req.(*structpb.Struct))
	})
}

// IdentityClient calls the Identity service.
type IdentityClient struct {
	cc grpc.ClientConnInterface
}

func NewIdentityClient(cc grpc.ClientConnInterface) *IdentityClient {
	return &IdentityClient{cc: cc}
}

func (c *IdentityClient) Introspect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, introspectMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IdentityClient) Authorize(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, authorizeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer implements IdentityServer.
type GRPCServer struct {
	sessions Sessions
	authz    Authorizer
}

func NewGRPCServer(sessions Sessions, az Authorizer) *GRPCServer {
	return &GRPCServer{sessions: sessions, authz: az}
}

// Introspect reports whether a token is active. Invalid tokens are not an
// error: the answer is {"active": false}.
func (s *GRPCServer) Introspect(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := in.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	tc, err := s.sessions.Verify(token)
	if err != nil {
		return structpb.NewStruct(map[string]any{"active": false})
	}
	return structpb.NewStruct(map[string]any{
		"active":        true,
		"sub":           tc.UserID(),
		"tenant_id":     tc.TenantID(),
		"department_id": tc.DepartmentID(),
		"jti":           tc.TokenID(),
		"roles":         toAnySlice(tc.Roles()),
		"permissions":   toAnySlice(tc.Permissions()),
		"exp":           float64(tc.ExpiresAt().Unix()),
	})
}

// Authorize verifies the caller's token and evaluates the request against
// its stored grants.
func (s *GRPCServer) Authorize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	tc, err := s.sessions.Verify(f["token"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	resource := f["resource"].GetStringValue()
	action := f["action"].GetStringValue()
	if resource == "" || action == "" {
		return nil, status.Error(codes.InvalidArgument, "resource and action are required")
	}
	tf := f["target"].GetStructValue().GetFields()
	target := authz.Target{
		TenantID:     tf["tenant_id"].GetStringValue(),
		DepartmentID: tf["department_id"].GetStringValue(),
		OwnerID:      tf["owner_id"].GetStringValue(),
		CollectionID: tf["collection_id"].GetStringValue(),
	}
	d, err := s.authz.Authorize(ctx, tc.UserID(), resource, action, target)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"allowed":    d.Allowed,
		"reason":     d.Reason,
		"permission": d.Permission,
		"role":       d.Role,
	})
}

// NewGRPC builds a server with the Identity and health services registered.
func NewGRPC(srv IdentityServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryLogging)}, opts...)
	s := grpc.NewServer(opts...)
	RegisterIdentityServer(s, srv)
	hs := health.NewServer()
	hs.SetServingStatus(IdentityServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

func unaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().Info("rpc_complete",
		zap.String("method", info.FullMethod),
		zap.String("code", status.Code(err).String()),
		zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
	)
	return resp, err
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, "permission denied")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		obs.Logger().Error("rpc failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// ABOUTME: AuthService gRPC implementation for client-credential logins
// ABOUTME: Exchanges {id, secret} for a bearer token using google.protobuf.Struct messages

package gateway

import (
	"context"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/harbor-gateway/internal/auth"
)

// AuthServiceName is the fully qualified name of the login service.
const AuthServiceName = "harbor.auth.v1.AuthService"

// AuthServiceServer is the server API for the login service.
type AuthServiceServer interface {
	Authenticate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var authServiceDesc = grpc.ServiceDesc{
	ServiceName: AuthServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Authenticate",
			Handler:    authenticateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "harbor/auth/v1/auth.proto",
}

func authenticateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthServiceServer).Authenticate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: auth.AuthenticateMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthServiceServer).Authenticate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// registerAuthService registers srv on s under AuthServiceName.
func registerAuthService(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&authServiceDesc, srv)
}

// authServer implements AuthServiceServer on top of Authenticator.Login.
type authServer struct {
	authn  *auth.Authenticator
	logger *slog.Logger
}

func newAuthServer(authn *auth.Authenticator, logger *slog.Logger) *authServer {
	return &authServer{authn: authn, logger: logger}
}

// Authenticate reads the "id" and "secret" fields and returns the token,
// client id, company id (as number and decimal string) and granted authorities.
func (s *authServer) Authenticate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	clientID := fields["id"].GetStringValue()
	secret := fields["secret"].GetStringValue()

	result, err := s.authn.Login(ctx, clientID, secret)
	if err != nil {
		ae := auth.AsError(err)
		s.logger.Warn("login rejected", "reason", string(ae.Kind), "client_id", clientID)
		return nil, ae.GRPCStatus().Err()
	}

	authorities := make([]any, 0, len(result.Authorities))
	for _, a := range result.Authorities {
		authorities = append(authorities, a)
	}

	// Struct numbers are float64, so companyIdText carries ids beyond 2^53 exactly.
	resp, err := structpb.NewStruct(map[string]any{
		"token":         result.Token,
		"id":            result.ClientID,
		"companyId":     result.CompanyID,
		"companyIdText": strconv.FormatInt(result.CompanyID, 10),
		"authorities":   authorities,
	})
	if err != nil {
		s.logger.Error("building login response", "error", err)
		return nil, auth.ErrInternal.GRPCStatus().Err()
	}
	return resp, nil
}

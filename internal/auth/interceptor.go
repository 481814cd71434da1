// ABOUTME: gRPC interceptors for authenticating and authorizing requests with bearer tokens
// ABOUTME: Extracts auth from metadata and populates context for handlers and the proxy

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason Kind, attrs ...any) {
	if logger == nil {
		return
	}
	// Extract peer address if available
	baseAttrs := []any{"reason", string(reason)}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(a *Authenticator) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authorizeCall(ctx, a, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
// For the transparent proxy info.FullMethod is the method the client called.
func StreamInterceptor(a *Authenticator) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authorizeCall(ss.Context(), a, info.FullMethod)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          ctx,
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// authorizeCall runs the shared flow for one RPC and returns the context
// handlers should see. Public methods pass through untouched.
func authorizeCall(ctx context.Context, a *Authenticator, fullMethod string) (context.Context, error) {
	op := RPC(fullMethod)
	if a.policy.IsPublic(op) {
		return ctx, nil
	}

	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
	}

	id, err := a.Authenticate(ctx, header)
	if err != nil {
		return nil, rpcError(ctx, a.logger, err, "method", fullMethod)
	}

	if err := a.Authorize(id, op); err != nil {
		return nil, rpcError(ctx, a.logger, err, "method", fullMethod, "client_id", id.ClientID)
	}

	return WithIdentity(ctx, id), nil
}

func rpcError(ctx context.Context, logger *slog.Logger, err error, attrs ...any) error {
	ae := AsError(err)
	if ae.Kind == KindInternal {
		logger.Error("auth internal error", append(attrs, "error", err)...)
	} else {
		logAuthFailure(logger, ctx, ae.Kind, attrs...)
	}
	return ae.GRPCStatus().Err()
}

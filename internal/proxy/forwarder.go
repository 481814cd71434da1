// ABOUTME: Forwards authenticated gRPC calls upstream with the caller's original credentials
// ABOUTME: Includes the transparent stream handler used for every non-local service

package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/2389/harbor-gateway/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var proxyStreamDesc = &grpc.StreamDesc{
	ServerStreams: true,
	ClientStreams: true,
}

// Forwarder relays calls to one upstream connection.
type Forwarder struct {
	conn   grpc.ClientConnInterface
	logger *slog.Logger
}

// NewForwarder creates a Forwarder over conn.
func NewForwarder(conn grpc.ClientConnInterface, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		conn:   conn,
		logger: logger.With("component", "proxy"),
	}
}

// Outgoing returns a context for the upstream call carrying the caller's
// Authorization value exactly as presented. A context without an Identity
// (public operations) gets no credentials.
func (f *Forwarder) Outgoing(ctx context.Context) context.Context {
	md := metadata.MD{}
	if id := auth.FromContext(ctx); id != nil && id.Authorization != "" {
		md.Set("authorization", id.Authorization)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// Forward runs call with the outgoing context and maps its error.
func (f *Forwarder) Forward(ctx context.Context, call func(ctx context.Context) error) error {
	return f.mapError(call(f.Outgoing(ctx)))
}

// mapError passes upstream statuses through unchanged. Transport failures
// become a generic internal error with no upstream detail.
func (f *Forwarder) mapError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unavailable {
		return err
	}
	f.logger.Error("upstream call failed", "error", err)
	return auth.ErrUpstreamUnavailable.GRPCStatus().Err()
}

// StreamHandler returns a handler for grpc.UnknownServiceHandler that relays
// any method to the upstream without decoding message bodies. The server
// must be created with grpc.ForceServerCodec(Codec()).
func (f *Forwarder) StreamHandler() grpc.StreamHandler {
	return func(srv any, serverStream grpc.ServerStream) error {
		fullMethod, ok := grpc.MethodFromServerStream(serverStream)
		if !ok {
			return status.Error(codes.Internal, "method not found in stream context")
		}

		clientCtx, cancel := context.WithCancel(f.Outgoing(serverStream.Context()))
		defer cancel()

		clientStream, err := f.conn.NewStream(clientCtx, proxyStreamDesc, fullMethod, grpc.ForceCodec(Codec()))
		if err != nil {
			return f.mapError(err)
		}

		s2cErr := forwardServerToClient(serverStream, clientStream)
		c2sErr := forwardClientToServer(clientStream, serverStream)

		// Both directions must finish; the upstream side ends the call.
		for i := 0; i < 2; i++ {
			select {
			case err := <-s2cErr:
				if errors.Is(err, io.EOF) {
					// Client finished sending; half-close upstream and keep relaying responses.
					_ = clientStream.CloseSend()
					continue
				}
				cancel()
				f.logger.Warn("relaying to upstream failed", "method", fullMethod, "error", err)
				return status.Error(codes.Internal, "upstream unavailable")
			case err := <-c2sErr:
				serverStream.SetTrailer(clientStream.Trailer())
				if errors.Is(err, io.EOF) {
					return nil
				}
				return f.mapError(err)
			}
		}
		return status.Error(codes.Internal, "proxy stream ended unexpectedly")
	}
}

func forwardClientToServer(src grpc.ClientStream, dst grpc.ServerStream) chan error {
	ret := make(chan error, 1)
	go func() {
		frame := &Frame{}
		for i := 0; ; i++ {
			if err := src.RecvMsg(frame); err != nil {
				ret <- err
				break
			}
			if i == 0 {
				// Headers are only readable after the first message arrives.
				md, err := src.Header()
				if err != nil {
					ret <- err
					break
				}
				if err := dst.SendHeader(md); err != nil {
					ret <- err
					break
				}
			}
			if err := dst.SendMsg(frame); err != nil {
				ret <- err
				break
			}
		}
	}()
	return ret
}

func forwardServerToClient(src grpc.ServerStream, dst grpc.ClientStream) chan error {
	ret := make(chan error, 1)
	go func() {
		frame := &Frame{}
		for {
			if err := src.RecvMsg(frame); err != nil {
				ret <- err
				break
			}
			if err := dst.SendMsg(frame); err != nil {
				ret <- err
				break
			}
		}
	}()
	return ret
}

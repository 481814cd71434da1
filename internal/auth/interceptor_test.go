// ABOUTME: Unit tests for gRPC auth interceptors
// ABOUTME: Tests authentication flow with the mock credential store for unit isolation

package auth

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Helper to create test context with authorization header
func contextWithAuth(header string) context.Context {
	md := metadata.New(map[string]string{
		"authorization": header,
	})
	return metadata.NewIncomingContext(context.Background(), md)
}

const fisheryGet = "/fisheryactivity.FisheryActivityService/GetFisheryActivity"

func TestUnaryInterceptor_ValidToken(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 1, true, ScopeFisheryActivity)
	header := env.bearer(t, "client-1", 1, ScopeFisheryActivity)

	interceptor := UnaryInterceptor(env.auth)

	var gotID *Identity
	handler := func(ctx context.Context, req any) (any, error) {
		gotID = FromContext(ctx)
		return "ok", nil
	}

	resp, err := interceptor(contextWithAuth(header), nil, &grpc.UnaryServerInfo{FullMethod: fisheryGet}, handler)
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if resp != "ok" {
		t.Errorf("resp = %v, want ok", resp)
	}
	if gotID == nil {
		t.Fatal("Identity not set in context")
	}
	if gotID.ClientID != "client-1" || gotID.Authorization != header {
		t.Errorf("Identity = %+v", gotID)
	}
}

func TestUnaryInterceptor_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 1, true, ScopeFishingFacility)
	env.addClient(t, "disabled", 1, false, ScopeFisheryActivity)

	tests := []struct {
		name       string
		ctx        context.Context
		wantCode   codes.Code
		wantReason Kind
	}{
		{"no metadata", context.Background(), codes.Unauthenticated, KindMissingToken},
		{"no bearer prefix", contextWithAuth("token"), codes.Unauthenticated, KindMissingToken},
		{"invalid token", contextWithAuth("Bearer nope"), codes.Unauthenticated, KindInvalidToken},
		{"unknown principal", contextWithAuth(env.bearer(t, "ghost", 1, ScopeFisheryActivity)), codes.Unauthenticated, KindPrincipalNotFound},
		{"disabled", contextWithAuth(env.bearer(t, "disabled", 1, ScopeFisheryActivity)), codes.PermissionDenied, KindAccountDisabled},
		{"missing scope", contextWithAuth(env.bearer(t, "client-1", 1, ScopeFishingFacility)), codes.PermissionDenied, KindInsufficientScope},
	}

	interceptor := UnaryInterceptor(env.auth)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := func(ctx context.Context, req any) (any, error) {
				called = true
				return nil, nil
			}

			_, err := interceptor(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: fisheryGet}, handler)
			if called {
				t.Error("handler must not run on auth failure")
			}

			st, ok := status.FromError(err)
			if !ok {
				t.Fatalf("error is not a status: %v", err)
			}
			if st.Code() != tt.wantCode {
				t.Errorf("code = %v, want %v", st.Code(), tt.wantCode)
			}
			if got := ReasonFromStatus(st); got != tt.wantReason {
				t.Errorf("reason = %q, want %q", got, tt.wantReason)
			}
		})
	}
}

func TestUnaryInterceptor_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 1, true, ScopeFisheryActivity)

	token, err := env.codec.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }).
		Issue(Principal{ClientID: "client-1", CompanyID: 1, Scopes: []string{ScopeFisheryActivity}})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = UnaryInterceptor(env.auth)(contextWithAuth("Bearer "+token), nil,
		&grpc.UnaryServerInfo{FullMethod: fisheryGet},
		func(ctx context.Context, req any) (any, error) { return nil, nil })

	st := status.Convert(err)
	if st.Code() != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", st.Code())
	}
	if ReasonFromStatus(st) != KindTokenExpired {
		t.Errorf("reason = %q, want TokenExpired", ReasonFromStatus(st))
	}
}

func TestUnaryInterceptor_PublicMethodBypass(t *testing.T) {
	env := newTestEnv(t)
	interceptor := UnaryInterceptor(env.auth)

	var gotID *Identity
	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		gotID = FromContext(ctx)
		return nil, nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: AuthenticateMethod}, handler)
	if err != nil {
		t.Fatalf("public method error = %v", err)
	}
	if !called {
		t.Error("handler should run for public method")
	}
	if gotID != nil {
		t.Error("public method must not carry an Identity")
	}
}

func TestUnaryInterceptor_PublicBypassIsExact(t *testing.T) {
	env := newTestEnv(t)
	interceptor := UnaryInterceptor(env.auth)

	_, err := interceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/harbor.auth.v1.AuthService/AuthenticateAdmin"},
		func(ctx context.Context, req any) (any, error) { return nil, nil })

	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}

// mockServerStream implements grpc.ServerStream for testing
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}

func TestStreamInterceptor_ValidToken(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 3, true, ScopeFisheryActivity)
	header := env.bearer(t, "client-1", 3, ScopeFisheryActivity)

	interceptor := StreamInterceptor(env.auth)

	var gotID *Identity
	handler := func(srv any, stream grpc.ServerStream) error {
		gotID = FromContext(stream.Context())
		return nil
	}

	ss := &mockServerStream{ctx: contextWithAuth(header)}
	info := &grpc.StreamServerInfo{FullMethod: "/fisheryactivity.FisheryActivityService/StreamFisheryActivities"}
	if err := interceptor(nil, ss, info, handler); err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if gotID == nil || gotID.CompanyID != 3 {
		t.Errorf("Identity = %+v", gotID)
	}
}

func TestStreamInterceptor_Denied(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 3, true)

	interceptor := StreamInterceptor(env.auth)
	ss := &mockServerStream{ctx: contextWithAuth(env.bearer(t, "client-1", 3))}
	info := &grpc.StreamServerInfo{FullMethod: "/admin.AdminService/ReloadData"}

	err := interceptor(nil, ss, info, func(srv any, stream grpc.ServerStream) error {
		t.Error("handler must not run")
		return nil
	})
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("code = %v, want PermissionDenied", status.Code(err))
	}
}

// ABOUTME: End-to-end tests for the Gateway over real gRPC and HTTP listeners
// ABOUTME: Covers login, scoped RPC forwarding, REST proxying, stream sessions and denials

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/store"
)

const (
	testSecret     = "gateway-test-secret-0123456789abcdef"
	clientSecret   = "s3cret"
	listActivities = "/fisheryactivity.FisheryActivityService/ListFisheryActivities"
	reloadData     = "/admin.AdminService/ReloadData"
)

// freeAddr returns a loopback address with an unused port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth: config.AuthConfig{
			JWTSecret:     testSecret,
			TokenTTL:      time.Hour,
			LookupTimeout: time.Second,
		},
		Session: config.SessionConfig{
			Backend: config.SessionBackendMemory,
			TTL:     time.Minute,
		},
		Upstream: config.UpstreamConfig{DialTimeout: time.Second},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs a gateway until the test ends.
func startGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("gateway did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return gw
}

func addClient(t *testing.T, gw *Gateway, clientID string, companyID int64, scopes ...string) {
	t.Helper()
	hash, err := store.HashSecret(clientSecret)
	require.NoError(t, err)
	require.NoError(t, gw.Credentials().CreateCredential(context.Background(), &store.Credential{
		ClientID:   clientID,
		SecretHash: hash,
		Enabled:    true,
		CompanyID:  companyID,
		Scopes:     scopes,
	}))
}

// login posts to /auth and returns the decoded success body.
func login(t *testing.T, cfg *config.Config, clientID, secret string) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(LoginRequest{ID: clientID, Secret: secret})
	require.NoError(t, err)
	resp, err := http.Post("http://"+cfg.Server.HTTPAddr+"/auth", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func loginToken(t *testing.T, cfg *config.Config, clientID string) string {
	t.Helper()
	resp, data := login(t, cfg, clientID, clientSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var result auth.LoginResult
	require.NoError(t, json.Unmarshal(data, &result))
	return result.Token
}

func dialGateway(t *testing.T, cfg *config.Config) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func withBearer(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
}

// fisheryUpstream answers every unary call with the authorization metadata
// it received.
type fisheryUpstream struct{}

func (fisheryUpstream) list(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	return structpb.NewStruct(map[string]any{
		"authorization": strings.Join(md.Get("authorization"), ","),
		"count":         3,
	})
}

func unaryStructHandler(fn func(context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// startUpstream serves the fishery and admin services on a free port.
func startUpstream(t *testing.T) string {
	t.Helper()
	var up fisheryUpstream
	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "fisheryactivity.FisheryActivityService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ListFisheryActivities", Handler: unaryStructHandler(up.list)},
		},
	}, up)
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "admin.AdminService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ReloadData", Handler: unaryStructHandler(up.list)},
		},
	}, up)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(server.Stop)
	return ln.Addr().String()
}

func TestGatewayNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"
	_, err := New(cfg, testLogger())
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Policy.RPC = []config.PolicyRule{{Operation: "not-a-method", Scopes: []string{"x"}}}
	_, err = New(cfg, testLogger())
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "memory")

	hc := healthpb.NewHealthClient(dialGateway(t, cfg))
	hr, err := hc.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hr.GetStatus())
}

func TestLogin_HTTP(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	addClient(t, gw, "client-1", 42, auth.ScopeFisheryActivity, auth.ScopeAdmin)

	resp, data := login(t, cfg, "client-1", clientSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result auth.LoginResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, "client-1", result.ClientID)
	assert.Equal(t, int64(42), result.CompanyID)
	assert.Equal(t, []string{auth.ScopeFisheryActivity, auth.ScopeAdmin}, result.Authorities)

	for _, tc := range []struct{ id, secret string }{
		{"client-1", "wrong"},
		{"nobody", clientSecret},
	} {
		resp, data := login(t, cfg, tc.id, tc.secret)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var body auth.ErrorBody
		require.NoError(t, json.Unmarshal(data, &body))
		assert.Equal(t, auth.KindInvalidCredentials, body.Kind)
		assert.Equal(t, "Invalid id or secret", body.Message)
	}

	require.NoError(t, gw.Credentials().SetCredentialEnabled(context.Background(), "client-1", false))
	resp, data = login(t, cfg, "client-1", clientSecret)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body auth.ErrorBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, auth.KindAccountDisabled, body.Kind)
	assert.Equal(t, "User has been disabled", body.Message)
}

func TestLogin_HTTPRejectsBadRequests(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/auth")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post("http://"+cfg.Server.HTTPAddr+"/auth", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogin_GRPC(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	addClient(t, gw, "client-1", 7, auth.ScopeFishingFacility)
	conn := dialGateway(t, cfg)

	req, err := structpb.NewStruct(map[string]any{"id": "client-1", "secret": clientSecret})
	require.NoError(t, err)
	var resp structpb.Struct
	require.NoError(t, conn.Invoke(context.Background(), auth.AuthenticateMethod, req, &resp))

	fields := resp.GetFields()
	assert.NotEmpty(t, fields["token"].GetStringValue())
	assert.Equal(t, "client-1", fields["id"].GetStringValue())
	assert.Equal(t, float64(7), fields["companyId"].GetNumberValue())
	assert.Equal(t, "7", fields["companyIdText"].GetStringValue())
	require.Len(t, fields["authorities"].GetListValue().GetValues(), 1)
	assert.Equal(t, auth.ScopeFishingFacility, fields["authorities"].GetListValue().GetValues()[0].GetStringValue())

	_, err = gw.Authenticator().Codec().Verify(fields["token"].GetStringValue())
	assert.NoError(t, err)

	bad, err := structpb.NewStruct(map[string]any{"id": "client-1", "secret": "nope"})
	require.NoError(t, err)
	err = conn.Invoke(context.Background(), auth.AuthenticateMethod, bad, &resp)
	st := status.Convert(err)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Equal(t, auth.KindInvalidCredentials, auth.ReasonFromStatus(st))

	require.NoError(t, gw.Credentials().SetCredentialEnabled(context.Background(), "client-1", false))
	err = conn.Invoke(context.Background(), auth.AuthenticateMethod, req, &resp)
	st = status.Convert(err)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, auth.KindAccountDisabled, auth.ReasonFromStatus(st))
}

func TestLogin_GRPCLargeCompanyID(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	const companyID = int64(1)<<53 + 1
	addClient(t, gw, "client-big", companyID, auth.ScopeAdmin)

	req, err := structpb.NewStruct(map[string]any{"id": "client-big", "secret": clientSecret})
	require.NoError(t, err)
	var resp structpb.Struct
	require.NoError(t, dialGateway(t, cfg).Invoke(context.Background(), auth.AuthenticateMethod, req, &resp))

	assert.Equal(t, "9007199254740993", resp.GetFields()["companyIdText"].GetStringValue())

	claims, err := gw.Authenticator().Codec().Verify(resp.GetFields()["token"].GetStringValue())
	require.NoError(t, err)
	assert.Equal(t, companyID, *claims.CompanyID)
}

// Login, then call a scoped RPC that is forwarded with the original token.
func TestScopedRPCForwarded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.GRPCAddr = startUpstream(t)
	gw := startGateway(t, cfg)
	addClient(t, gw, "client-1", 42, auth.ScopeFisheryActivity)

	token := loginToken(t, cfg, "client-1")
	conn := dialGateway(t, cfg)

	var resp structpb.Struct
	require.NoError(t, conn.Invoke(withBearer(token), listActivities, &structpb.Struct{}, &resp))
	assert.Equal(t, "Bearer "+token, resp.GetFields()["authorization"].GetStringValue())
	assert.Equal(t, float64(3), resp.GetFields()["count"].GetNumberValue())
}

func TestRPCDenials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.GRPCAddr = startUpstream(t)
	gw := startGateway(t, cfg)
	addClient(t, gw, "reader", 1, auth.ScopeFisheryActivity)
	addClient(t, gw, "admin", 1, auth.ScopeAdmin, auth.ScopeFisheryActivity)

	readerToken := loginToken(t, cfg, "reader")
	adminToken := loginToken(t, cfg, "admin")
	conn := dialGateway(t, cfg)

	tests := []struct {
		name     string
		ctx      context.Context
		method   string
		wantCode codes.Code
		wantKind auth.Kind
	}{
		{"no token", context.Background(), listActivities, codes.Unauthenticated, auth.KindMissingToken},
		{"garbage token", withBearer("not.a.token"), listActivities, codes.Unauthenticated, auth.KindInvalidToken},
		{"missing scope", withBearer(readerToken), reloadData, codes.PermissionDenied, auth.KindInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp structpb.Struct
			err := conn.Invoke(tt.ctx, tt.method, &structpb.Struct{}, &resp)
			st := status.Convert(err)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Equal(t, tt.wantKind, auth.ReasonFromStatus(st))
		})
	}

	var resp structpb.Struct
	require.NoError(t, conn.Invoke(withBearer(adminToken), reloadData, &structpb.Struct{}, &resp))

	// Disabling takes effect for tokens that were issued earlier.
	require.NoError(t, gw.Credentials().SetCredentialEnabled(context.Background(), "admin", false))
	err := conn.Invoke(withBearer(adminToken), reloadData, &structpb.Struct{}, &resp)
	st := status.Convert(err)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	assert.Equal(t, auth.KindAccountDisabled, auth.ReasonFromStatus(st))
}

func TestUnknownServiceWithoutUpstream(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)
	addClient(t, gw, "client-1", 1, auth.ScopeFisheryActivity)
	token := loginToken(t, cfg, "client-1")

	var resp structpb.Struct
	err := dialGateway(t, cfg).Invoke(withBearer(token), listActivities, &structpb.Struct{}, &resp)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestRESTProxy(t *testing.T) {
	gotAuth := make(chan string, 4)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.Upstream.RESTURL = upstream.URL
	gw := startGateway(t, cfg)
	addClient(t, gw, "client-1", 5, auth.ScopeFisheryActivity)
	token := loginToken(t, cfg, "client-1")

	get := func(path, token string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, "http://"+cfg.Server.HTTPAddr+path, nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := get("/rest/fisheryActivities/12", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer "+token, <-gotAuth)

	resp = get("/rest/fishingFacilities", token)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body auth.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, auth.KindInsufficientScope, body.Kind)

	resp = get("/rest/fisheryActivities", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRESTProxy_PublicPathsStayLocal(t *testing.T) {
	hits := make(chan string, 8)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	cfg := testConfig(t)
	cfg.Upstream.RESTURL = upstream.URL
	startGateway(t, cfg)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/auth/..%2Frest%2FfisheryActivities%2F1", http.StatusBadRequest},
		{"/health/..%2FrestAdm%2Freload", http.StatusBadRequest},
		{"/rest/fisheryActivities/..%2F..%2FrestAdm%2Freload", http.StatusBadRequest},
		{"/auth/login", http.StatusNotFound},
		{"/health/anything", http.StatusNotFound},
		{"/ws/data/fishery-activity", http.StatusNotFound},
		{"/ws-auth-token/", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + tt.path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.wantStatus, resp.StatusCode, tt.path)
	}
	assert.Empty(t, hits, "no public gateway path may reach the REST upstream")

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/rest/v3/api-docs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/rest/v3/api-docs", <-hits)
}

// streamUpstream echoes the query it received as the first message.
func streamUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		_ = c.Write(r.Context(), websocket.MessageText, []byte(r.URL.Path+"?"+r.URL.RawQuery))
		_ = c.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsToken(t *testing.T, cfg *config.Config, header string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+cfg.Server.HTTPAddr+"/ws-auth-token", nil)
	require.NoError(t, err)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// Exchange a bearer token for a session token, then open a stream.
func TestStreamSession(t *testing.T) {
	upstream := streamUpstream(t)
	cfg := testConfig(t)
	cfg.Upstream.StreamURL = strings.Replace(upstream.URL, "http://", "ws://", 1)
	gw := startGateway(t, cfg)
	addClient(t, gw, "client-1", 42, auth.ScopeFisheryActivity)
	token := loginToken(t, cfg, "client-1")

	resp, data := wsToken(t, cfg, "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var tok WSTokenResponse
	require.NoError(t, json.Unmarshal(data, &tok))
	require.NotEmpty(t, tok.WSToken)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws://" + cfg.Server.HTTPAddr + "/ws/data/"
	c, _, err := websocket.Dial(ctx, base+auth.ScopeFisheryActivity+"?session="+tok.WSToken+"&companyId=999", nil)
	require.NoError(t, err)
	defer c.CloseNow()

	_, msg, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/ws/data/"+auth.ScopeFisheryActivity+"?companyId=42", string(msg))

	// Reusable until the TTL elapses.
	c2, _, err := websocket.Dial(ctx, base+auth.ScopeFisheryActivity+"?session="+tok.WSToken, nil)
	require.NoError(t, err)
	c2.CloseNow()

	_, resp, err = websocket.Dial(ctx, base+auth.ScopeFishingFacility+"?session="+tok.WSToken, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, base+auth.ScopeFisheryActivity+"?session=unknown", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSAuthToken_Rejections(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	for _, header := range []string{"", "Basic abc", "Bearer not.a.token"} {
		resp, data := wsToken(t, cfg, header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)
		var body auth.ErrorBody
		require.NoError(t, json.Unmarshal(data, &body))
		assert.NotEmpty(t, body.Kind)
	}
}

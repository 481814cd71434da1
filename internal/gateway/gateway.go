// ABOUTME: Gateway orchestrator that coordinates GRPC and HTTP servers
// ABOUTME: Wires the credential store, session cache, auth adapters and upstream proxies

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/harbor-gateway/internal/auth"
	"github.com/2389/harbor-gateway/internal/config"
	"github.com/2389/harbor-gateway/internal/proxy"
	"github.com/2389/harbor-gateway/internal/session"
	"github.com/2389/harbor-gateway/internal/store"
)

// Gateway orchestrates the harbor-gateway server components.
// The gRPC server authenticates every call and forwards unknown services to
// the upstream; the HTTP server handles login, session tokens, streams and
// REST proxying.
type Gateway struct {
	config      *config.Config
	store       store.CredentialAdmin
	cache       session.Cache
	bridge      *session.Bridge
	authn       *auth.Authenticator
	upstream    *grpc.ClientConn
	grpcServer  *grpc.Server
	httpServer  *http.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// initStore opens the credential store, honouring HARBOR_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HARBOR_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCache creates the session cache selected by session.backend.
func initCache(cfg config.SessionConfig) (session.Cache, error) {
	switch cfg.Backend {
	case config.SessionBackendRedis:
		c, err := session.NewRedisCache(session.RedisConfig{
			URL:      cfg.RedisURL,
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis session cache: %w", err)
		}
		return c, nil
	case config.SessionBackendMemory, "":
		return session.NewMemoryCache(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// buildPolicy layers configured rules over the built-in registry.
func buildPolicy(cfg config.PolicyConfig) (*auth.Policy, error) {
	toRules := func(in []config.PolicyRule) []auth.Rule {
		out := make([]auth.Rule, 0, len(in))
		for _, r := range in {
			out = append(out, auth.Rule{Operation: r.Operation, Scopes: r.Scopes})
		}
		return out
	}

	policy, err := auth.NewPolicy(auth.DefaultRules().Merge(auth.PolicyConfig{
		RPC:        toRules(cfg.RPC),
		HTTP:       toRules(cfg.HTTP),
		PublicRPC:  cfg.PublicRPC,
		PublicHTTP: cfg.PublicHTTP,
	}))
	if err != nil {
		return nil, fmt.Errorf("building policy: %w", err)
	}
	return policy, nil
}

// dialUpstream creates a lazy client connection that relays raw frames.
func dialUpstream(cfg config.UpstreamConfig) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(cfg.GRPCAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(proxy.Codec())),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: cfg.DialTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing upstream %s: %w", cfg.GRPCAddr, err)
	}
	return conn, nil
}

// createGRPCServer creates a gRPC server with the auth interceptors. When
// fwd is non-nil every unregistered service is relayed to the upstream.
func createGRPCServer(authn *auth.Authenticator, fwd *proxy.Forwarder) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(proxy.Codec()),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(authn)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(authn)),
	}
	if fwd != nil {
		opts = append(opts, grpc.UnknownServiceHandler(fwd.StreamHandler()))
	}
	return grpc.NewServer(opts...)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	cache, err := initCache(cfg.Session)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, sqlStore, cache, logger)
	if err != nil {
		_ = cache.Close()
		_ = sqlStore.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles the servers around an already opened store and cache.
func newGateway(cfg *config.Config, creds store.CredentialAdmin, cache session.Cache, logger *slog.Logger) (*Gateway, error) {
	policy, err := buildPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	codec, err := auth.NewTokenCodec([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token codec: %w", err)
	}

	authn, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Codec:         codec,
		Credentials:   creds,
		Policy:        policy,
		LookupTimeout: cfg.Auth.LookupTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	bridge, err := session.NewBridge(session.BridgeConfig{
		Cache:         cache,
		TTL:           cfg.Session.TTL,
		SingleUse:     cfg.Session.SingleUse,
		LookupTimeout: cfg.Auth.LookupTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  creds,
		cache:  cache,
		bridge: bridge,
		authn:  authn,
		health: health.NewServer(),
		logger: logger.With("component", "gateway"),
	}

	var fwd *proxy.Forwarder
	if cfg.Upstream.GRPCAddr != "" {
		gw.upstream, err = dialUpstream(cfg.Upstream)
		if err != nil {
			return nil, err
		}
		fwd = proxy.NewForwarder(gw.upstream, logger)
		gw.logger.Info("gRPC upstream configured", "addr", cfg.Upstream.GRPCAddr)
	} else {
		gw.logger.Warn("no gRPC upstream configured, unknown services return Unimplemented")
	}

	gw.grpcServer = createGRPCServer(authn, fwd)
	registerAuthService(gw.grpcServer, newAuthServer(authn, logger.With("component", "grpc")))
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	reflection.Register(gw.grpcServer)

	handler, err := gw.buildHTTPHandler()
	if err != nil {
		_ = gw.closeUpstream()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// buildHTTPHandler registers login, session, stream and proxy routes.
func (g *Gateway) buildHTTPHandler() (http.Handler, error) {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("/auth", g.handleLogin)
	mux.HandleFunc("/ws-auth-token", g.handleWSAuthToken)

	if raw := g.config.Upstream.StreamURL; raw != "" {
		target, err := config.ParseUpstreamURL(raw)
		if err != nil {
			return nil, fmt.Errorf("upstream.stream_url: %w", err)
		}
		gate := g.bridge.StreamGate(session.DefaultStreamRoot)
		mux.Handle(session.DefaultStreamRoot, gate(proxy.NewHTTPProxy(target, g.logger)))
		g.logger.Info("stream proxy enabled", "root", session.DefaultStreamRoot, "target", target.String())
	}

	var rest http.Handler = http.NotFoundHandler()
	if raw := g.config.Upstream.RESTURL; raw != "" {
		target, err := config.ParseUpstreamURL(raw)
		if err != nil {
			return nil, fmt.Errorf("upstream.rest_url: %w", err)
		}
		rest = proxy.NewHTTPProxy(target, g.logger)
		g.logger.Info("REST proxy enabled", "target", target.String())
	}
	guard, err := localRouteGuard()
	if err != nil {
		return nil, err
	}
	mux.Handle("/", auth.HTTPMiddleware(g.authn)(guard(rest)))

	return mux, nil
}

// localRouteGuard answers 404 for public paths owned by the gateway that no
// local route handled, so they never reach the REST upstream unauthenticated.
func localRouteGuard() (func(http.Handler) http.Handler, error) {
	local, err := auth.NewPolicy(auth.PolicyConfig{PublicHTTP: auth.GatewayHTTP()})
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if local.IsPublic(auth.HTTPPath(r.URL.Path)) {
				http.NotFound(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// Credentials returns the credential store backing authentication.
func (g *Gateway) Credentials() store.CredentialAdmin { return g.store }

// Authenticator returns the shared authenticator.
func (g *Gateway) Authenticator() *auth.Authenticator { return g.authn }

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "harbor-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener serves HTTPS on :443 when a certificate pair
// is configured, plain HTTP on :80 otherwise.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if tsCfg.CertFile == "" || tsCfg.KeyFile == "" {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tailscale TLS certificate: %w", err)
	}
	g.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) closeUpstream() error {
	if g.upstream == nil {
		return nil
	}
	return g.upstream.Close()
}

// Shutdown gracefully stops all gateway servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "upstream close", g.closeUpstream())
	errs = appendCloseError(errs, "session cache close", g.cache.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

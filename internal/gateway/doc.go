// Package gateway orchestrates the harbor-gateway server components.
//
// # Overview
//
// The gateway is the single entry point in front of the fishery services.
// It owns the credential store, the session cache, a gRPC server and an HTTP
// server, and connects them through the auth, session and proxy packages.
//
// # gRPC Server
//
// Every call passes the auth interceptors. Methods on the public allow-list
// (login, health, reflection) skip verification; all others need an
// "authorization: Bearer <token>" metadata entry and the scopes the policy
// lists for the method. Services the gateway does not implement itself are
// relayed byte-for-byte to upstream.grpc_addr by the unknown-service handler.
//
// Registered locally:
//
//   - harbor.auth.v1.AuthService/Authenticate - client id + secret login;
//     companyIdText repeats companyId as an exact decimal string
//   - grpc.health.v1.Health - gateway health
//   - grpc.reflection - server reflection
//
// # HTTP Server
//
// Endpoints:
//
//   - POST /auth - JSON login, returns token, id, companyId, authorities
//   - GET /ws-auth-token - exchange a bearer token for a stream session token
//   - /ws/data/{entity}?session=... - WebSocket stream proxy (session gated)
//   - GET /health - liveness check
//   - GET /health/ready - readiness (credential store and session cache)
//   - everything else - bearer-authenticated REST proxy to upstream.rest_url
//
// Paths whose decoded form contains ".." segments are rejected with 400.
// Public paths owned by the gateway (/auth, /health, /ws-auth-token,
// /ws/data) that match no local route answer 404 and are never proxied.
// API documentation paths are proxied without credentials.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Run listens on TCP or, with tailscale enabled, on a tsnet node. Shutdown
// stops both servers and closes the upstream connection, cache and store.
package gateway

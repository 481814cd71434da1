// Package auth provides authentication and authorization for harbor-gateway.
//
// # Tokens
//
// Clients exchange a client id and secret for an HS256 JWT (Authenticator.Login).
// The token carries:
//
//   - sub: client id
//   - companyId: integer company the client belongs to
//   - scopes: ordered list of granted scopes
//   - iat / exp: exp = iat + auth.token_ttl (default 1h)
//
// TokenCodec.Verify rejects any other algorithm, a bad signature, a wrong
// claim shape (ErrInvalidToken) or now >= exp (ErrTokenExpired).
//
// # Policy
//
// Policy is a static registry built at startup from DefaultRules merged with
// configuration. gRPC methods match exactly; HTTP paths match by pattern,
// longest first. Authorize denies disabled principals and requires every
// listed scope:
//
//	policy.Authorize(principal, auth.RPC("/fisheryactivity.FisheryActivityService/GetFisheryActivity"))
//	policy.Authorize(principal, auth.HTTPPath("/rest/fisheryActivities/42"))
//
// # Transports
//
// UnaryInterceptor, StreamInterceptor and HTTPMiddleware share one
// Authenticator so both transports decide identically. Failures are *Error
// values; GRPCStatus and HTTPStatus translate them, and the gRPC status
// carries an ErrorInfo detail whose reason is the failure Kind.
//
// # Identity
//
// The verified Identity, including the raw Authorization header, travels
// only in the call's context (WithIdentity / FromContext) so the proxy can
// forward it upstream unchanged.
package auth

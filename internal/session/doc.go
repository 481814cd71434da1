// Package session bridges bearer-token authentication to WebSocket upgrades.
//
// Browsers cannot set an Authorization header on a WebSocket handshake, so
// a client first calls GET /ws-auth-token with its bearer token and receives
// an opaque session token. It then connects to
//
//	/ws/data/{entity}?session=<token>
//
// StreamGate resolves the token, checks that {entity} is one of the
// session's scopes, and replaces the query with companyId=<id> before the
// upgrade is proxied upstream.
//
// Records live in a Cache under "session:<token>" for one minute. RedisCache
// shares them across gateway instances; MemoryCache keeps them in process.
// Tokens are reusable until they expire unless the bridge is configured
// single-use, in which case Resolve consumes them.
package session

// Package proxy forwards authenticated calls to upstream services.
//
// gRPC calls for services the gateway does not serve itself reach
// Forwarder.StreamHandler through grpc.UnknownServiceHandler. Message bodies
// are relayed as raw frames (see Codec), so the gateway needs no generated
// stubs for upstream services and never inspects payloads. The caller's
// Authorization metadata is attached to the upstream call unchanged.
//
// Upstream gRPC statuses are returned to the caller as-is. Connection
// failures (codes.Unavailable or non-status errors) are reported as
// codes.Internal "upstream unavailable".
//
// NewHTTPProxy builds the reverse proxy used for REST paths and WebSocket
// upgrades.
package proxy

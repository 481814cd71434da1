// Package config handles configuration loading for harbor-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HARBOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/harbor/gateway.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HARBOR_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "1h"
//	  lookup_timeout: "1s"
//	session:
//	  ttl: "60s"
//
// # Sessions
//
// session.backend is "redis" (shared across instances) or "memory". When
// unset it is inferred: redis if redis_url or redis_addr is given.
package config

// ABOUTME: Configuration loading and parsing for harbor-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength mirrors the token codec's minimum key size.
const MinJWTSecretLength = 32

// Config represents the complete harbor-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`   // TLS key file
}

// DatabaseConfig holds the credential store location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token and lookup configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"-" toml:"-"`
	LookupTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TokenTTLRaw      string `yaml:"token_ttl" toml:"token_ttl"`
	LookupTimeoutRaw string `yaml:"lookup_timeout" toml:"lookup_timeout"`
}

// Session cache backends
const (
	SessionBackendRedis  = "redis"
	SessionBackendMemory = "memory"
)

// SessionConfig holds WebSocket session token configuration
type SessionConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"`
	RedisURL      string        `yaml:"redis_url" toml:"redis_url"`
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	SingleUse     bool          `yaml:"single_use" toml:"single_use"`
	TTL           time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// UpstreamConfig locates the services behind the gateway. Empty entries
// disable the corresponding proxy.
type UpstreamConfig struct {
	GRPCAddr    string        `yaml:"grpc_addr" toml:"grpc_addr"`
	RESTURL     string        `yaml:"rest_url" toml:"rest_url"`
	StreamURL   string        `yaml:"stream_url" toml:"stream_url"`
	DialTimeout time.Duration `yaml:"-" toml:"-"`

	DialTimeoutRaw string `yaml:"dial_timeout" toml:"dial_timeout"`
}

// PolicyRule binds an operation to required scopes
type PolicyRule struct {
	Operation string   `yaml:"operation" toml:"operation"`
	Scopes    []string `yaml:"scopes" toml:"scopes"`
}

// PolicyConfig adds to or overrides the built-in scope registry
type PolicyConfig struct {
	RPC        []PolicyRule `yaml:"rpc" toml:"rpc"`
	HTTP       []PolicyRule `yaml:"http" toml:"http"`
	PublicRPC  []string     `yaml:"public_rpc" toml:"public_rpc"`
	PublicHTTP []string     `yaml:"public_http" toml:"public_http"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config path from HARBOR_CONFIG, falling back to
// $XDG_CONFIG_HOME/harbor/gateway.yaml.
func DefaultPath() string {
	if path := os.Getenv("HARBOR_CONFIG"); path != "" {
		return path
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "harbor", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = time.Hour
	}
	if c.Auth.LookupTimeout == 0 {
		c.Auth.LookupTimeout = time.Second
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = time.Minute
	}
	if c.Session.Backend == "" {
		if c.Session.RedisURL != "" || c.Session.RedisAddr != "" {
			c.Session.Backend = SessionBackendRedis
		} else {
			c.Session.Backend = SessionBackendMemory
		}
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	switch c.Session.Backend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.Session.RedisURL == "" && c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_url or session.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("session.backend must be %q or %q, got %q", SessionBackendRedis, SessionBackendMemory, c.Session.Backend)
	}

	for name, raw := range map[string]string{
		"upstream.rest_url":   c.Upstream.RESTURL,
		"upstream.stream_url": c.Upstream.StreamURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := ParseUpstreamURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, r := range append(append([]PolicyRule{}, c.Policy.RPC...), c.Policy.HTTP...) {
		if r.Operation == "" || len(r.Scopes) == 0 {
			return fmt.Errorf("policy rule %q needs an operation and at least one scope", r.Operation)
		}
	}

	return nil
}

// ParseUpstreamURL parses an http(s) or ws(s) URL. WebSocket schemes are
// mapped to their HTTP equivalents since upgrades start as HTTP requests.
func ParseUpstreamURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return u, nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"auth.lookup_timeout", cfg.Auth.LookupTimeoutRaw, &cfg.Auth.LookupTimeout},
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
		{"upstream.dial_timeout", cfg.Upstream.DialTimeoutRaw, &cfg.Upstream.DialTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

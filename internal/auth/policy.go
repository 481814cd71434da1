// ABOUTME: Static scope registry deciding access for RPC methods and HTTP paths
// ABOUTME: One Authorize function serves both transports

package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Scopes granted to gateway clients.
const (
	ScopeFisheryActivity = "fishery-activity"
	ScopeFishingFacility = "fishing-facility"
	ScopeAdmin           = "admin"
)

// AuthenticateMethod is the gRPC login method; it never requires a token.
const AuthenticateMethod = "/harbor.auth.v1.AuthService/Authenticate"

// Transport identifies how an operation is reached.
type Transport string

const (
	TransportRPC  Transport = "rpc"
	TransportHTTP Transport = "http"
)

// Operation is a protected call: a gRPC full method or an HTTP path.
type Operation struct {
	Transport Transport
	Name      string
}

// RPC returns the operation for a gRPC full method name.
func RPC(fullMethod string) Operation {
	return Operation{Transport: TransportRPC, Name: fullMethod}
}

// HTTPPath returns the operation for a request path.
func HTTPPath(path string) Operation {
	return Operation{Transport: TransportHTTP, Name: path}
}

func (o Operation) String() string {
	return string(o.Transport) + ":" + o.Name
}

// Rule binds an operation pattern to the scopes it requires. For RPC the
// pattern is an exact full method name. For HTTP a pattern ending in "/**"
// covers the base path and everything below it; any other pattern is exact.
type Rule struct {
	Operation string
	Scopes    []string
}

// PolicyConfig is the input to NewPolicy.
type PolicyConfig struct {
	RPC        []Rule
	HTTP       []Rule
	PublicRPC  []string
	PublicHTTP []string
}

// DefaultRules returns the built-in scope registry for the fishery upstreams.
func DefaultRules() PolicyConfig {
	return PolicyConfig{
		RPC: []Rule{
			{Operation: "/fisheryactivity.FisheryActivityService/ListFisheryActivities", Scopes: []string{ScopeFisheryActivity}},
			{Operation: "/fisheryactivity.FisheryActivityService/GetFisheryActivity", Scopes: []string{ScopeFisheryActivity}},
			{Operation: "/fisheryactivity.FisheryActivityService/StreamFisheryActivities", Scopes: []string{ScopeFisheryActivity}},
			{Operation: "/fishingfacility.FishingFacilityService/ListFishingFacilities", Scopes: []string{ScopeFishingFacility}},
			{Operation: "/fishingfacility.FishingFacilityService/GetFishingFacility", Scopes: []string{ScopeFishingFacility}},
			{Operation: "/fishingfacility.FishingFacilityService/StreamFishingFacilities", Scopes: []string{ScopeFishingFacility}},
			{Operation: "/admin.AdminService/ReloadData", Scopes: []string{ScopeAdmin}},
		},
		HTTP: []Rule{
			{Operation: "/rest/fisheryActivities/**", Scopes: []string{ScopeFisheryActivity}},
			{Operation: "/rest/fishingFacilities/**", Scopes: []string{ScopeFishingFacility}},
			{Operation: "/restAdm/**", Scopes: []string{ScopeAdmin}},
		},
		PublicRPC: []string{
			AuthenticateMethod,
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
			"/grpc.reflection.v1.ServerReflection/ServerReflectionInfo",
			"/grpc.reflection.v1alpha.ServerReflection/ServerReflectionInfo",
		},
		PublicHTTP: append(GatewayHTTP(), DocsHTTP()...),
	}
}

// GatewayHTTP returns the public paths answered by the gateway itself.
// They are never forwarded to an upstream.
func GatewayHTTP() []string {
	return []string{
		"/auth/**",
		"/ws-auth-token",
		"/ws/data/**",
		"/health/**",
	}
}

// DocsHTTP returns the public API documentation paths served by the REST
// upstream.
func DocsHTTP() []string {
	return []string{
		"/swagger-ui/**",
		"/v3/api-docs/**",
		"/webjars/**",
		"/rest/swagger-ui/**",
		"/rest/v3/api-docs/**",
	}
}

// Merge returns a config containing c's entries followed by other's. Later
// rules for the same operation replace earlier ones when the policy is built.
func (c PolicyConfig) Merge(other PolicyConfig) PolicyConfig {
	return PolicyConfig{
		RPC:        append(append([]Rule{}, c.RPC...), other.RPC...),
		HTTP:       append(append([]Rule{}, c.HTTP...), other.HTTP...),
		PublicRPC:  append(append([]string{}, c.PublicRPC...), other.PublicRPC...),
		PublicHTTP: append(append([]string{}, c.PublicHTTP...), other.PublicHTTP...),
	}
}

// pathPattern is a compiled HTTP rule.
type pathPattern struct {
	raw     string
	base    string
	subtree bool
	scopes  []string
}

func compilePattern(raw string, scopes []string) pathPattern {
	if base, ok := strings.CutSuffix(raw, "/**"); ok {
		return pathPattern{raw: raw, base: base, subtree: true, scopes: scopes}
	}
	return pathPattern{raw: raw, base: raw, scopes: scopes}
}

func (p pathPattern) matches(path string) bool {
	if !p.subtree {
		return path == p.base
	}
	if p.base == "" {
		return strings.HasPrefix(path, "/")
	}
	return path == p.base || strings.HasPrefix(path, p.base+"/")
}

// Policy is the immutable scope registry built at startup.
type Policy struct {
	rpc        map[string][]string
	publicRPC  map[string]bool
	http       []pathPattern // sorted longest pattern first
	publicHTTP []pathPattern
}

// NewPolicy validates cfg and builds the registry.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{
		rpc:       make(map[string][]string),
		publicRPC: make(map[string]bool),
	}

	for _, r := range cfg.RPC {
		if err := validateRPCMethod(r.Operation); err != nil {
			return nil, err
		}
		scopes, err := validateScopes(r)
		if err != nil {
			return nil, err
		}
		p.rpc[r.Operation] = scopes
	}
	for _, m := range cfg.PublicRPC {
		if err := validateRPCMethod(m); err != nil {
			return nil, err
		}
		p.publicRPC[m] = true
	}

	httpRules := make(map[string][]string)
	var order []string
	for _, r := range cfg.HTTP {
		if !strings.HasPrefix(r.Operation, "/") {
			return nil, fmt.Errorf("http rule %q: path must start with /", r.Operation)
		}
		scopes, err := validateScopes(r)
		if err != nil {
			return nil, err
		}
		if _, seen := httpRules[r.Operation]; !seen {
			order = append(order, r.Operation)
		}
		httpRules[r.Operation] = scopes
	}
	for _, raw := range order {
		p.http = append(p.http, compilePattern(raw, httpRules[raw]))
	}
	for _, raw := range cfg.PublicHTTP {
		if !strings.HasPrefix(raw, "/") {
			return nil, fmt.Errorf("public path %q: path must start with /", raw)
		}
		p.publicHTTP = append(p.publicHTTP, compilePattern(raw, nil))
	}

	byLength := func(pats []pathPattern) func(i, j int) bool {
		return func(i, j int) bool { return len(pats[i].raw) > len(pats[j].raw) }
	}
	sort.SliceStable(p.http, byLength(p.http))
	sort.SliceStable(p.publicHTTP, byLength(p.publicHTTP))

	return p, nil
}

func validateRPCMethod(m string) error {
	if !strings.HasPrefix(m, "/") || strings.Count(m, "/") != 2 || strings.HasSuffix(m, "/") {
		return fmt.Errorf("rpc rule %q: want /package.Service/Method", m)
	}
	return nil
}

func validateScopes(r Rule) ([]string, error) {
	if len(r.Scopes) == 0 {
		return nil, fmt.Errorf("rule %q: no scopes", r.Operation)
	}
	for _, s := range r.Scopes {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("rule %q: empty scope", r.Operation)
		}
	}
	return append([]string{}, r.Scopes...), nil
}

// RequiredScopes returns the scopes op requires. A nil result means the
// operation only needs an authenticated, enabled principal.
func (p *Policy) RequiredScopes(op Operation) []string {
	switch op.Transport {
	case TransportRPC:
		if scopes, ok := p.rpc[op.Name]; ok {
			return append([]string{}, scopes...)
		}
	case TransportHTTP:
		for _, pat := range p.http {
			if pat.matches(op.Name) {
				return append([]string{}, pat.scopes...)
			}
		}
	}
	return nil
}

// IsPublic reports whether op bypasses authentication. RPC methods match
// exactly, never by prefix.
func (p *Policy) IsPublic(op Operation) bool {
	switch op.Transport {
	case TransportRPC:
		return p.publicRPC[op.Name]
	case TransportHTTP:
		for _, pat := range p.publicHTTP {
			if pat.matches(op.Name) {
				return true
			}
		}
	}
	return false
}

// Authorize decides whether principal may invoke op. A disabled principal
// is always denied; otherwise every required scope must be granted.
func (p *Policy) Authorize(principal Principal, op Operation) error {
	if !principal.Enabled {
		return ErrAccountDisabled
	}
	for _, scope := range p.RequiredScopes(op) {
		if !principal.HasScope(scope) {
			return ErrInsufficientScope.with(fmt.Errorf("%s requires scope %q", op, scope))
		}
	}
	return nil
}

// ABOUTME: Per-call identity carried through request handlers and proxied calls
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
	"slices"
)

// Principal is the authenticated client as seen by the policy engine.
type Principal struct {
	ClientID  string
	CompanyID int64
	Scopes    []string
	Enabled   bool
}

// HasScope reports whether scope was granted.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Identity holds the verified caller for a single call. Authorization is the
// header value exactly as presented, forwarded upstream unchanged.
type Identity struct {
	Principal
	Authorization string
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}

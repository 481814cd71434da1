// ABOUTME: Credential types and the lookup interface consumed by the auth kernel
// ABOUTME: Also holds secret hashing helpers shared by SQLite and mock stores

package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrCredentialNotFound is returned when no credential matches a client id.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrDuplicateClientID is returned when a client id is already registered.
var ErrDuplicateClientID = errors.New("client id already exists")

// Credential is an API client registered with the gateway. The client id is
// the token subject; the secret is only ever stored as a bcrypt hash.
type Credential struct {
	ID         int64
	ClientID   string
	SecretHash string
	Enabled    bool
	CompanyID  int64
	Scopes     []string // ordered as granted
	CreatedAt  time.Time
}

// HasScope reports whether the credential was granted scope.
func (c *Credential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// MatchesSecret compares a plaintext secret against the stored hash.
func (c *Credential) MatchesSecret(secret string) bool {
	if c.SecretHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// HashSecret produces the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CredentialStore resolves client ids to credentials. Implementations must
// honour context cancellation so callers can bound lookups with deadlines.
type CredentialStore interface {
	GetCredentialByClientID(ctx context.Context, clientID string) (*Credential, error)
}

// CredentialAdmin manages credentials. Used by the CLI, never by request paths.
type CredentialAdmin interface {
	CredentialStore
	CreateCredential(ctx context.Context, c *Credential) error
	SetCredentialEnabled(ctx context.Context, clientID string, enabled bool) error
	ListCredentials(ctx context.Context) ([]*Credential, error)
	Ping(ctx context.Context) error
	Close() error
}

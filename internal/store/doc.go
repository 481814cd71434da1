// Package store provides credential persistence for the gateway using SQLite.
//
// # Architecture
//
// The auth kernel only consumes the narrow CredentialStore interface:
//
//	GetCredentialByClientID(ctx, clientID) (*Credential, error)
//
// CredentialAdmin adds the management operations used by the CLI
// (create, enable/disable, list). SQLiteStore implements both; MockStore
// is an in-memory implementation for tests that can also simulate slow or
// failing lookups.
//
// # Data Model
//
//   - Credential: client id, bcrypt secret hash, enabled flag, company id
//   - credential_scopes: ordered scope grants per credential
//
// Secrets are never stored in plaintext. HashSecret and
// Credential.MatchesSecret wrap golang.org/x/crypto/bcrypt.
//
// # Errors
//
//   - ErrCredentialNotFound: no credential for the client id
//   - ErrDuplicateClientID: client id already registered
package store

// ABOUTME: Transport-neutral authentication shared by gRPC interceptors and HTTP middleware
// ABOUTME: Verifies bearer tokens, re-checks the credential store, and performs logins

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/harbor-gateway/internal/store"
)

// DefaultLookupTimeout bounds each credential store lookup.
const DefaultLookupTimeout = time.Second

// AuthenticatorConfig holds the collaborators for NewAuthenticator.
type AuthenticatorConfig struct {
	Codec         *TokenCodec
	Credentials   store.CredentialStore
	Policy        *Policy
	LookupTimeout time.Duration
	Logger        *slog.Logger
}

// Authenticator turns an Authorization header into a verified Identity.
type Authenticator struct {
	codec   *TokenCodec
	creds   store.CredentialStore
	policy  *Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewAuthenticator creates an Authenticator. Codec, Credentials and Policy
// are required.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Codec == nil {
		return nil, errors.New("authenticator: token codec is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("authenticator: credential store is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("authenticator: policy is required")
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		codec:   cfg.Codec,
		creds:   cfg.Credentials,
		policy:  cfg.Policy,
		timeout: timeout,
		logger:  logger.With("component", "auth"),
	}, nil
}

// Policy returns the scope registry used for authorization.
func (a *Authenticator) Policy() *Policy { return a.policy }

// Codec returns the token codec.
func (a *Authenticator) Codec() *TokenCodec { return a.codec }

// Logger returns the component logger.
func (a *Authenticator) Logger() *slog.Logger { return a.logger }

// VerifyBearer extracts and verifies the token in header without consulting
// the credential store.
func (a *Authenticator) VerifyBearer(header string) (*Claims, error) {
	token, errMsg := extractBearerToken(header)
	if errMsg != "" {
		return nil, ErrMissingToken.with(errors.New(errMsg))
	}
	return a.codec.Verify(token)
}

// Authenticate verifies the bearer token in header, loads the credential to
// confirm it still exists and is enabled, and returns the call's Identity.
// Company and scopes come from the token; the enabled flag from the store.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*Identity, error) {
	claims, err := a.VerifyBearer(header)
	if err != nil {
		return nil, err
	}

	cred, err := a.lookup(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}

	principal := claims.Principal()
	principal.Enabled = cred.Enabled
	if !principal.Enabled {
		return nil, ErrAccountDisabled
	}

	return &Identity{
		Principal:     principal,
		Authorization: header,
	}, nil
}

// Authorize applies the policy to an authenticated identity.
func (a *Authenticator) Authorize(id *Identity, op Operation) error {
	if id == nil {
		return ErrMissingToken
	}
	return a.policy.Authorize(id.Principal, op)
}

func (a *Authenticator) lookup(ctx context.Context, clientID string) (*store.Credential, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cred, err := a.creds.GetCredentialByClientID(lookupCtx, clientID)
	switch {
	case err == nil:
		return cred, nil
	case errors.Is(err, store.ErrCredentialNotFound):
		return nil, ErrPrincipalNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, ErrLookupTimeout.with(err)
	default:
		a.logger.Error("credential lookup failed", "client_id", clientID, "error", err)
		return nil, ErrInternal.with(err)
	}
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token       string   `json:"token"`
	ClientID    string   `json:"id"`
	CompanyID   int64    `json:"companyId"`
	Authorities []string `json:"authorities"`
}

// Login checks a client id and secret and issues a bearer token. Unknown ids
// and wrong secrets are indistinguishable to the caller.
func (a *Authenticator) Login(ctx context.Context, clientID, secret string) (*LoginResult, error) {
	cred, err := a.lookup(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !cred.MatchesSecret(secret) {
		return nil, ErrInvalidCredentials
	}
	if !cred.Enabled {
		return nil, ErrAccountDisabled.withMessage("User has been disabled")
	}

	principal := Principal{
		ClientID:  cred.ClientID,
		CompanyID: cred.CompanyID,
		Scopes:    cred.Scopes,
		Enabled:   cred.Enabled,
	}
	token, err := a.codec.Issue(principal)
	if err != nil {
		a.logger.Error("token issue failed", "client_id", clientID, "error", err)
		return nil, ErrInternal.with(err)
	}

	a.logger.Info("client authenticated", "client_id", cred.ClientID, "company_id", cred.CompanyID)
	return &LoginResult{
		Token:       token,
		ClientID:    cred.ClientID,
		CompanyID:   cred.CompanyID,
		Authorities: append([]string{}, cred.Scopes...),
	}, nil
}

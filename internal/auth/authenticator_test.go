// ABOUTME: Tests for the transport-neutral Authenticator
// ABOUTME: Covers bearer extraction, store re-checks, lookup timeouts and logins

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389/harbor-gateway/internal/store"
)

// testEnv bundles an Authenticator with the mock store behind it.
type testEnv struct {
	auth  *Authenticator
	codec *TokenCodec
	store *store.MockStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	codec, err := NewTokenCodec(tokenTestSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v", err)
	}
	policy, err := NewPolicy(DefaultRules())
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	creds := store.NewMockStore()

	a, err := NewAuthenticator(AuthenticatorConfig{
		Codec:         codec,
		Credentials:   creds,
		Policy:        policy,
		LookupTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return &testEnv{auth: a, codec: codec, store: creds}
}

// addClient registers a credential with secret "s3cret".
func (e *testEnv) addClient(t *testing.T, clientID string, companyID int64, enabled bool, scopes ...string) {
	t.Helper()
	hash, err := store.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	err = e.store.CreateCredential(context.Background(), &store.Credential{
		ClientID:   clientID,
		SecretHash: hash,
		Enabled:    enabled,
		CompanyID:  companyID,
		Scopes:     scopes,
	})
	if err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}
}

// bearer issues a token for the stored client and returns the header value.
func (e *testEnv) bearer(t *testing.T, clientID string, companyID int64, scopes ...string) string {
	t.Helper()
	token, err := e.codec.Issue(Principal{ClientID: clientID, CompanyID: companyID, Scopes: scopes})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return "Bearer " + token
}

func TestNewAuthenticator_RequiresCollaborators(t *testing.T) {
	if _, err := NewAuthenticator(AuthenticatorConfig{}); err == nil {
		t.Error("NewAuthenticator() with no codec should fail")
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 1, true, ScopeFisheryActivity)

	header := env.bearer(t, "client-1", 1, ScopeFisheryActivity)
	id, err := env.auth.Authenticate(context.Background(), header)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	if id.ClientID != "client-1" || id.CompanyID != 1 || !id.Enabled {
		t.Errorf("Identity = %+v", id)
	}
	if id.Authorization != header {
		t.Errorf("Authorization = %q, want header as presented", id.Authorization)
	}
	if !id.HasScope(ScopeFisheryActivity) {
		t.Errorf("Scopes = %v, want fishery-activity", id.Scopes)
	}
}

func TestAuthenticator_Authenticate_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "enabled", 1, true)
	env.addClient(t, "disabled", 1, false)

	expired, err := env.codec.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }).
		Issue(Principal{ClientID: "enabled", CompanyID: 1})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"no header", "", ErrMissingToken},
		{"basic scheme", "Basic dXNlcjpwdw==", ErrMissingToken},
		{"empty bearer", "Bearer ", ErrMissingToken},
		{"garbage", "Bearer garbage", ErrInvalidToken},
		{"expired", "Bearer " + expired, ErrTokenExpired},
		{"unknown client", env.bearer(t, "ghost", 1), ErrPrincipalNotFound},
		{"disabled client", env.bearer(t, "disabled", 1), ErrAccountDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Authenticate(context.Background(), tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticator_LookupTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "slow", 1, true)
	env.store.LookupDelay = time.Second

	start := time.Now()
	_, err := env.auth.Authenticate(context.Background(), env.bearer(t, "slow", 1))
	if !errors.Is(err, ErrLookupTimeout) {
		t.Fatalf("Authenticate() error = %v, want ErrLookupTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Authenticate() took %v, lookup should be bounded by the timeout", elapsed)
	}
	if code := AsError(err).Code(); code.String() != "Unauthenticated" {
		t.Errorf("Code() = %v, want Unauthenticated", code)
	}
}

func TestAuthenticator_CanceledCaller(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "slow", 1, true)
	env.store.LookupDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.auth.Authenticate(ctx, env.bearer(t, "slow", 1))
	if !errors.Is(err, ErrLookupTimeout) {
		t.Fatalf("Authenticate() error = %v, want ErrLookupTimeout", err)
	}
}

func TestAuthenticator_StoreFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.store.LookupErr = errors.New("disk on fire")

	_, err := env.auth.Authenticate(context.Background(), env.bearer(t, "client-1", 1))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("Authenticate() error = %v, want ErrInternal", err)
	}
	if AsError(err).Message == "disk on fire" {
		t.Error("internal details must not leak into the public message")
	}
}

func TestAuthenticator_Login(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "client-1", 9, true, ScopeFisheryActivity, ScopeAdmin)

	res, err := env.auth.Login(context.Background(), "client-1", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if res.ClientID != "client-1" || res.CompanyID != 9 {
		t.Errorf("LoginResult = %+v", res)
	}
	if len(res.Authorities) != 2 || res.Authorities[0] != ScopeFisheryActivity {
		t.Errorf("Authorities = %v", res.Authorities)
	}

	claims, err := env.codec.Verify(res.Token)
	if err != nil {
		t.Fatalf("Verify(login token) error = %v", err)
	}
	if claims.Subject != "client-1" || *claims.CompanyID != 9 {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) != time.Hour {
		t.Errorf("token lifetime = %v, want 1h", claims.ExpiresAt.Sub(claims.IssuedAt.Time))
	}
}

func TestAuthenticator_Login_Failures(t *testing.T) {
	env := newTestEnv(t)
	env.addClient(t, "enabled", 1, true)
	env.addClient(t, "disabled", 1, false)

	tests := []struct {
		name     string
		id       string
		secret   string
		wantErr  error
		wantCode int
	}{
		{"unknown id", "ghost", "s3cret", ErrInvalidCredentials, 401},
		{"wrong secret", "enabled", "nope", ErrInvalidCredentials, 401},
		{"wrong secret on disabled", "disabled", "nope", ErrInvalidCredentials, 401},
		{"disabled", "disabled", "s3cret", ErrAccountDisabled, 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Login(context.Background(), tt.id, tt.secret)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if got := AsError(err).HTTPStatus(); got != tt.wantCode {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantCode)
			}
		})
	}
}

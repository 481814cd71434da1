// ABOUTME: JWT token issuance and verification for gateway bearer tokens
// ABOUTME: HS256 only, with company and scope claims carried alongside the subject

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 signing key length in bytes.
const MinSecretLength = 32

// DefaultTokenTTL is the lifetime of issued bearer tokens.
const DefaultTokenTTL = time.Hour

// ErrSecretTooShort is returned when the signing key is under MinSecretLength.
var ErrSecretTooShort = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)

// Claims is the bearer token payload.
type Claims struct {
	CompanyID *int64   `json:"companyId"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies HS256 bearer tokens. It is safe for
// concurrent use; the key is copied at construction and never changes.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenCodec creates a codec signing with a private copy of secret.
// A non-positive ttl selects DefaultTokenTTL.
func NewTokenCodec(secret []byte, ttl time.Duration) (*TokenCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCodec{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of the codec that reads time from now.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	cp := *c
	cp.now = now
	return &cp
}

// TTL returns the lifetime applied to issued tokens.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue signs a token for p with iat = now and exp = now + TTL.
func (c *TokenCodec) Issue(p Principal) (string, error) {
	if p.ClientID == "" {
		return "", errors.New("principal has no client id")
	}

	now := c.now()
	companyID := p.CompanyID
	claims := Claims{
		CompanyID: &companyID,
		Scopes:    append([]string{}, p.Scopes...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ClientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify checks signature, algorithm, expiry and claim shapes. It returns
// ErrTokenExpired when now >= exp and ErrInvalidToken for everything else.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HMAC; WithValidMethods pins HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidToken.with(err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired.with(err)
		default:
			return nil, ErrInvalidToken.with(err)
		}
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if err := checkClaimShape(claims); err != nil {
		return nil, ErrInvalidToken.with(err)
	}

	return claims, nil
}

func checkClaimShape(claims *Claims) error {
	if claims.Subject == "" {
		return errors.New("missing required claim: sub")
	}
	if claims.CompanyID == nil {
		return errors.New("missing required claim: companyId")
	}
	if claims.Scopes == nil {
		return errors.New("missing required claim: scopes")
	}
	for _, s := range claims.Scopes {
		if s == "" {
			return errors.New("empty scope in scopes claim")
		}
	}
	return nil
}

// Principal returns the snapshot carried by verified claims. Enabled is
// not part of the token and is always false here; callers fill it from
// the credential store.
func (c *Claims) Principal() Principal {
	var companyID int64
	if c.CompanyID != nil {
		companyID = *c.CompanyID
	}
	return Principal{
		ClientID:  c.Subject,
		CompanyID: companyID,
		Scopes:    append([]string{}, c.Scopes...),
	}
}

// ABOUTME: Short-lived session tokens that let a WebSocket upgrade reuse a verified identity
// ABOUTME: Records hold company and scopes only and expire after a fixed TTL

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of a session token.
const DefaultTTL = time.Minute

// KeyPrefix namespaces session records in the cache.
const KeyPrefix = "session:"

// DefaultLookupTimeout bounds each cache call made on behalf of a request.
const DefaultLookupTimeout = time.Second

// ErrMissingSessionFields is returned by Issue when company or scopes are absent.
var ErrMissingSessionFields = errors.New("session requires company id and scopes")

// Record is the identity snapshot stored behind a session token.
type Record struct {
	CompanyID int64    `json:"companyId"`
	Scopes    []string `json:"scopes"`
}

// HasScope reports whether scope is present in the record.
func (r *Record) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// storedRecord decodes strictly: absent or null fields stay nil.
type storedRecord struct {
	CompanyID *int64    `json:"companyId"`
	Scopes    *[]string `json:"scopes"`
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	Cache         Cache
	TTL           time.Duration
	SingleUse     bool          // consume the token on first successful Resolve
	LookupTimeout time.Duration // bounds every cache call; non-positive selects DefaultLookupTimeout
	Logger        *slog.Logger
}

// Bridge issues and resolves session tokens.
type Bridge struct {
	cache     Cache
	ttl       time.Duration
	singleUse bool
	timeout   time.Duration
	logger    *slog.Logger
}

// NewBridge creates a Bridge. A non-positive TTL selects DefaultTTL.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Cache == nil {
		return nil, errors.New("session bridge: cache is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cache:     cfg.Cache,
		ttl:       ttl,
		singleUse: cfg.SingleUse,
		timeout:   timeout,
		logger:    logger.With("component", "session"),
	}, nil
}

// TTL returns the session lifetime.
func (b *Bridge) TTL() time.Duration { return b.ttl }

func cacheKey(token string) string {
	return KeyPrefix + token
}

// Issue stores a record for companyID and scopes and returns its token. No
// token is returned if the record could not be stored.
func (b *Bridge) Issue(ctx context.Context, companyID *int64, scopes []string) (string, error) {
	if companyID == nil || scopes == nil {
		return "", ErrMissingSessionFields
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	token := id.String()

	data, err := json.Marshal(Record{CompanyID: *companyID, Scopes: scopes})
	if err != nil {
		return "", fmt.Errorf("encoding session record: %w", err)
	}

	setCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.cache.Set(setCtx, cacheKey(token), data, b.ttl); err != nil {
		return "", fmt.Errorf("storing session record: %w", err)
	}

	b.logger.Debug("session issued", "company_id", *companyID, "scopes", scopes)
	return token, nil
}

// Resolve returns the record behind token. Any miss, cache failure or
// malformed record is reported as absent.
func (b *Bridge) Resolve(ctx context.Context, token string) (*Record, bool) {
	if token == "" {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var (
		data []byte
		err  error
	)
	if b.singleUse {
		data, err = b.cache.GetDel(ctx, cacheKey(token))
	} else {
		data, err = b.cache.Get(ctx, cacheKey(token))
	}
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			b.logger.Warn("session lookup failed", "error", err)
		}
		return nil, false
	}

	rec, err := decodeRecord(data)
	if err != nil {
		b.logger.Warn("discarding malformed session record", "error", err)
		return nil, false
	}
	return rec, true
}

func decodeRecord(data []byte) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	if stored.CompanyID == nil {
		return nil, errors.New("companyId missing")
	}
	if stored.Scopes == nil || *stored.Scopes == nil {
		return nil, errors.New("scopes missing")
	}
	return &Record{
		CompanyID: *stored.CompanyID,
		Scopes:    *stored.Scopes,
	}, nil
}

// Invalidate removes token. Removing an unknown token is not an error.
func (b *Bridge) Invalidate(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.cache.Delete(ctx, cacheKey(token)); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

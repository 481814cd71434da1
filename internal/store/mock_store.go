// ABOUTME: Mock credential store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject lookup failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory CredentialAdmin implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	creds  map[string]*Credential // keyed by client id
	nextID int64

	// LookupDelay makes GetCredentialByClientID wait (honouring ctx) before
	// answering, to exercise deadline handling.
	LookupDelay time.Duration
	// LookupErr, when set, is returned from every lookup.
	LookupErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		creds: make(map[string]*Credential),
	}
}

// CreateCredential stores a copy of c.
func (m *MockStore) CreateCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.creds[c.ClientID]; exists {
		return ErrDuplicateClientID
	}

	m.nextID++
	c.ID = m.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.creds[c.ClientID] = copyCredential(c)
	return nil
}

// GetCredentialByClientID returns a copy of the stored credential.
func (m *MockStore) GetCredentialByClientID(ctx context.Context, clientID string) (*Credential, error) {
	if m.LookupDelay > 0 {
		select {
		case <-time.After(m.LookupDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.LookupErr != nil {
		return nil, m.LookupErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[clientID]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return copyCredential(c), nil
}

// SetCredentialEnabled updates the enabled flag.
func (m *MockStore) SetCredentialEnabled(ctx context.Context, clientID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[clientID]
	if !ok {
		return ErrCredentialNotFound
	}
	c.Enabled = enabled
	return nil
}

// ListCredentials returns copies ordered by client id.
func (m *MockStore) ListCredentials(ctx context.Context) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Credential, 0, len(m.creds))
	for _, c := range m.creds {
		result = append(result, copyCredential(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func copyCredential(c *Credential) *Credential {
	cp := *c
	cp.Scopes = append([]string{}, c.Scopes...)
	return &cp
}

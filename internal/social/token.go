package social

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoToken is returned by a TokenStore when an account has no stored token.
var ErrNoToken = errors.New("no token for account")

// TokenStore is the narrow contract with the excluded persistence layer: it
// supplies and receives the token fields of an account, nothing more.
type TokenStore interface {
	Token(ctx context.Context, accountID string) (Token, error)
	SaveToken(ctx context.Context, accountID string, tok Token) error
}

// MemoryTokenStore is an in-process TokenStore for the CLI and tests.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryTokenStore returns an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

// Token returns the stored token for an account.
func (s *MemoryTokenStore) Token(ctx context.Context, accountID string) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[accountID]
	if !ok {
		return Token{}, fmt.Errorf("%w: %q", ErrNoToken, accountID)
	}
	return tok, nil
}

// SaveToken stores the token for an account.
func (s *MemoryTokenStore) SaveToken(ctx context.Context, accountID string, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[accountID] = tok
	return nil
}

// Delete forgets an account's token.
func (s *MemoryTokenStore) Delete(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, accountID)
}

// DefaultRefreshLeeway is how close to expiry a token may get before a
// refresh is triggered ahead of a publish.
const DefaultRefreshLeeway = 2 * time.Minute

// TokenManager serializes token refreshes per account. Concurrent operations
// that observe an expiring token share one in-flight refresh instead of
// issuing competing requests, which matters for providers that rotate refresh
// tokens on use.
type TokenManager struct {
	store  TokenStore
	leeway time.Duration
	group  singleflight.Group
}

// NewTokenManager wraps a store with single-flight refresh semantics.
func NewTokenManager(store TokenStore, leeway time.Duration) *TokenManager {
	if leeway <= 0 {
		leeway = DefaultRefreshLeeway
	}
	return &TokenManager{store: store, leeway: leeway}
}

// Store returns the wrapped token store.
func (m *TokenManager) Store() TokenStore { return m.store }

// Fresh returns a valid token for the account, refreshing through auth when
// the stored token is expired or close to it. At most one refresh is in
// flight per account; late callers observe the refreshed token.
func (m *TokenManager) Fresh(ctx context.Context, account Account, auth Authorizer) (Token, error) {
	tok, err := m.store.Token(ctx, account.ID)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return Token{}, UnauthorizedError{Provider: account.Provider, Reason: "account has no stored token"}
		}
		return Token{}, err
	}
	if !tok.Expired(m.leeway) {
		return tok, nil
	}
	if auth == nil {
		return Token{}, UnauthorizedError{Provider: account.Provider, Reason: "token expired and provider has no refresh flow"}
	}

	v, err, _ := m.group.Do(account.ID, func() (any, error) {
		// Re-read inside the flight: a refresh that completed while we were
		// queued already saved a fresh token.
		current, err := m.store.Token(ctx, account.ID)
		if err != nil {
			return Token{}, err
		}
		if !current.Expired(m.leeway) {
			return current, nil
		}
		refreshed, err := auth.Refresh(ctx, current)
		if err != nil {
			return Token{}, err
		}
		if err := m.store.SaveToken(ctx, account.ID, refreshed); err != nil {
			return Token{}, fmt.Errorf("save refreshed token: %w", err)
		}
		return refreshed, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

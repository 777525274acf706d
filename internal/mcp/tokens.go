// ABOUTME: MCP token store for mapping opaque access tokens to user keys.
// ABOUTME: Tokens let clients embed their identity in the MCP URL itself.

package mcp

import (
	"sync"

	"github.com/google/uuid"
)

// TokenStore manages opaque MCP access tokens and the user key each one
// identifies. Tokens are handed out by the operator and invalidated when a
// user's access is revoked.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> user key
}

// NewTokenStore creates a new token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]string),
	}
}

// CreateToken generates a new token for the given user key.
// Returns the token string that should be included in MCP URLs.
func (s *TokenStore) CreateToken(userKey string) string {
	token := uuid.New().String()

	s.mu.Lock()
	s.tokens[token] = userKey
	s.mu.Unlock()

	return token
}

// GetUserKey returns the user key for a token, or false if not found.
func (s *TokenStore) GetUserKey(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userKey, ok := s.tokens[token]
	return userKey, ok
}

// InvalidateToken removes a token from the store.
func (s *TokenStore) InvalidateToken(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

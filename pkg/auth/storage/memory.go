package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/CliForge/envforge/pkg/auth/types"
)

// MemoryStorage implements in-memory token storage.
// This storage is ephemeral and tokens are lost when the process exits.
type MemoryStorage struct {
	mu     sync.RWMutex
	tokens map[string]types.Token
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tokens: map[string]types.Token{}}
}

// SaveToken saves a copy of token under key.
func (m *MemoryStorage) SaveToken(ctx context.Context, key string, token *types.Token) error {
	if token == nil {
		return fmt.Errorf("token is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = *token
	return nil
}

// LoadToken returns a copy of the token stored under key.
func (m *MemoryStorage) LoadToken(ctx context.Context, key string) (*types.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrTokenNotFound)
	}
	return &token, nil
}

// DeleteToken removes the token stored under key.
func (m *MemoryStorage) DeleteToken(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

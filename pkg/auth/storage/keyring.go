package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CliForge/envforge/pkg/auth/types"
	"github.com/zalando/go-keyring"
)

// KeyringStorage stores each provider token as its own OS keyring entry,
// using the provider key as the keyring user.
type KeyringStorage struct {
	service string
}

// NewKeyringStorage creates a new keyring-based storage.
func NewKeyringStorage(config *types.StorageConfig) (*KeyringStorage, error) {
	if config.KeyringService == "" {
		return nil, fmt.Errorf("keyring_service is required for keyring storage")
	}

	return &KeyringStorage{
		service: config.KeyringService,
	}, nil
}

// SaveToken saves a token to the OS keyring.
func (k *KeyringStorage) SaveToken(ctx context.Context, key string, token *types.Token) error {
	if token == nil {
		return fmt.Errorf("token is nil")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := keyring.Set(k.service, key, string(data)); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}

	return nil
}

// LoadToken loads a token from the OS keyring.
func (k *KeyringStorage) LoadToken(ctx context.Context, key string) (*types.Token, error) {
	data, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrTokenNotFound)
		}
		return nil, fmt.Errorf("failed to retrieve token from keyring: %w", err)
	}

	var token types.Token
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// DeleteToken deletes the token from the OS keyring.
func (k *KeyringStorage) DeleteToken(ctx context.Context, key string) error {
	if err := keyring.Delete(k.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete token from keyring: %w", err)
	}
	return nil
}

// GetService returns the keyring service name.
func (k *KeyringStorage) GetService() string {
	return k.service
}

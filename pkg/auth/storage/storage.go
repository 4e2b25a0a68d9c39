// Package storage persists repository tokens, one per provider key.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/CliForge/envforge/pkg/auth/types"
)

// ErrTokenNotFound is returned when no token is stored under a key.
var ErrTokenNotFound = errors.New("token not found")

// TokenStorage stores and retrieves tokens by provider key.
type TokenStorage interface {
	// SaveToken stores a token under key.
	SaveToken(ctx context.Context, key string, token *types.Token) error
	// LoadToken retrieves the token stored under key.
	LoadToken(ctx context.Context, key string) (*types.Token, error)
	// DeleteToken removes the token stored under key.
	DeleteToken(ctx context.Context, key string) error
}

// Factory creates token storage instances based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Create creates a token storage instance based on the configuration.
func (f *Factory) Create(config *types.StorageConfig, appName string) (TokenStorage, error) {
	if config == nil {
		return nil, fmt.Errorf("storage config is required")
	}

	switch config.Type {
	case types.StorageTypeFile:
		return NewFileStorage(config, appName)
	case types.StorageTypeKeyring:
		return NewKeyringStorage(config)
	case types.StorageTypeMemory:
		return NewMemoryStorage(), nil
	case types.StorageTypeAuto, "":
		kcfg := *config
		if kcfg.KeyringService == "" {
			kcfg.KeyringService = appName
		}
		kr, err := NewKeyringStorage(&kcfg)
		if err != nil {
			return nil, err
		}
		file, err := NewFileStorage(config, appName)
		if err != nil {
			return nil, err
		}
		return NewMultiStorage(kr, file), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// MultiStorage implements a multi-tier token storage with fallback.
// Saves stop at the first storage that accepts the token; reads return the
// first hit.
type MultiStorage struct {
	storages []TokenStorage
}

// NewMultiStorage creates a new multi-tier storage.
func NewMultiStorage(storages ...TokenStorage) *MultiStorage {
	return &MultiStorage{
		storages: storages,
	}
}

// SaveToken saves the token to the first storage that accepts it.
func (m *MultiStorage) SaveToken(ctx context.Context, key string, token *types.Token) error {
	var errs []error
	for _, s := range m.storages {
		err := s.SaveToken(ctx, key, token)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return fmt.Errorf("no storage configured")
	}
	return errors.Join(errs...)
}

// LoadToken loads the token from the first storage holding it.
func (m *MultiStorage) LoadToken(ctx context.Context, key string) (*types.Token, error) {
	for _, s := range m.storages {
		token, err := s.LoadToken(ctx, key)
		if err == nil && token != nil {
			return token, nil
		}
	}

	return nil, fmt.Errorf("%s: %w", key, ErrTokenNotFound)
}

// DeleteToken deletes the token from all storages.
func (m *MultiStorage) DeleteToken(ctx context.Context, key string) error {
	var lastErr error

	for _, s := range m.storages {
		if err := s.DeleteToken(ctx, key); err != nil {
			lastErr = err
		}
	}

	return lastErr
}
